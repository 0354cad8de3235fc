package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shohag/convrelay/internal/config"
)

// SQLStore implements Storage on SQLite or PostgreSQL. Queries are written
// with ? placeholders and rebound for the active driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

type Option func(*SQLStore)

// WithClock overrides the clock used to filter expired sessions.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func NewSQLite(path string, opts ...Option) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(db, "sqlite3", opts), nil
}

func NewPostgres(cfg config.PostgresConfig, opts ...Option) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("could not open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping postgres: %w", err)
	}
	return newSQLStore(db, "postgres", opts), nil
}

func newSQLStore(db *sqlx.DB, driver string, opts []Option) *SQLStore {
	s := &SQLStore{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	queries := sqliteSchema
	if s.driver == "postgres" {
		queries = postgresSchema
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

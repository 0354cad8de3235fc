package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/convrelay/internal/alerting"
	"github.com/shohag/convrelay/internal/api"
	"github.com/shohag/convrelay/internal/attribution"
	"github.com/shohag/convrelay/internal/config"
	"github.com/shohag/convrelay/internal/conversion"
	"github.com/shohag/convrelay/internal/convapi"
	"github.com/shohag/convrelay/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "convrelay",
		Short:        "ConvRelay: order webhooks in, affiliate conversions out",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(brandCmd(&configPath))
	rootCmd.AddCommand(queueCmd(&configPath))
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything wired from one config load.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Storage
	sessions storage.SessionStore
	notifier alerting.Notifier
	queue    *conversion.Queue
	resolver *attribution.Resolver
	closers  []func() error
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg.Logging)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: store, closers: []func() error{store.Close}}

	if err := store.Migrate(context.Background()); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	sessions, client, err := setupSessions(cfg, store, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to setup sessions: %w", err)
	}
	if client != nil {
		a.closers = append(a.closers, client.Close)
	}
	a.sessions = sessions

	if cfg.Alerting.WebhookURL != "" {
		a.notifier = alerting.NewWebhook(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, log)
	} else {
		log.Warn().Msg("alerting.webhook_url not set, alerts will only be logged")
		a.notifier = alerting.Nop{}
	}

	if cfg.ConversionAPI.APIKey == "" {
		log.Warn().Msg("conversion_api.api_key not set, brands without their own key will retry with MISSING_API_KEY")
	}
	sender := convapi.New(convapi.Config{
		BaseURL:       cfg.ConversionAPI.BaseURL,
		APIKey:        cfg.ConversionAPI.APIKey,
		Timeout:       cfg.ConversionAPI.Timeout,
		SigningSecret: cfg.ConversionAPI.SigningSecret,
		UserAgent:     "convrelay/" + version,
	})
	a.queue = conversion.NewQueue(cfg.Delivery, store, store, sender, a.notifier, log)
	a.resolver = attribution.NewResolver(sessions, store, log)

	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

func (a *app) newPool() *conversion.Pool {
	return conversion.NewPool(conversion.PoolConfigFrom(a.cfg), a.queue, a.store, a.notifier, a.log)
}

func serveCmd(configPath *string) *cobra.Command {
	var poll bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the delivery pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !poll {
				// Another process runs `convrelay worker`; only inline runs here.
				a.cfg.Delivery.PollInterval = 0
			}

			pool := a.newPool()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			server := api.NewServer(a.cfg.Server, api.Services{
				Store:      a.store,
				Sessions:   a.sessions,
				Queue:      a.queue,
				Resolver:   a.resolver,
				Trigger:    pool,
				SessionTTL: a.cfg.Sessions.TTL,
			}, a.log)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Fatal().Err(err).Msg("server error")
				}
			}()

			a.log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Int("concurrency", a.cfg.Delivery.Concurrency).
				Str("storage", a.cfg.Storage.Driver).
				Str("sessions", a.cfg.Sessions.Driver).
				Bool("poll", poll).
				Msg("ConvRelay is running")

			waitForSignal()
			a.log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				a.log.Error().Err(err).Msg("server shutdown error")
			}
			cancel()
			pool.Stop()

			a.log.Info().Msg("ConvRelay stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&poll, "poll", true, "run the periodic poll loop in this process")
	return cmd
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the delivery pool, without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Delivery.PollInterval <= 0 {
				return fmt.Errorf("delivery.poll_interval must be positive for a worker")
			}

			pool := a.newPool()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			waitForSignal()
			cancel()
			pool.Stop()
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ConvRelay v%s\n", version)
		},
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using PostgreSQL storage")
		return storage.NewPostgres(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// setupSessions returns the session store and, for redis, the client the
// caller must close.
func setupSessions(cfg *config.Config, store storage.Storage, log zerolog.Logger) (storage.SessionStore, *redis.Client, error) {
	switch cfg.Sessions.Driver {
	case "", "sql":
		return store, nil, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := storage.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("prefix", cfg.Redis.KeyPrefix).Msg("using Redis session store")
		return storage.NewRedisSessionStore(client, cfg.Redis.KeyPrefix), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sessions driver: %s", cfg.Sessions.Driver)
	}
}

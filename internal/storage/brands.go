package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/shohag/convrelay/internal/models"
)

const brandColumns = `id, name, site_id, api_key, webhook_secret, created_at, updated_at`

func (s *SQLStore) CreateBrand(ctx context.Context, b *models.Brand) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO brands (`+brandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.Name, b.SiteID, b.APIKey, b.WebhookSecret, utc(b.CreatedAt), utc(b.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetBrand(ctx context.Context, id string) (*models.Brand, error) {
	var b models.Brand
	err := s.db.GetContext(ctx, &b, s.q(`SELECT `+brandColumns+` FROM brands WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLStore) ListBrands(ctx context.Context) ([]models.Brand, error) {
	var brands []models.Brand
	err := s.db.SelectContext(ctx, &brands, `SELECT `+brandColumns+` FROM brands ORDER BY created_at DESC`)
	return brands, err
}

func (s *SQLStore) DeleteBrand(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM brands WHERE id = ?`), id)
	return err
}

func (s *SQLStore) UpdateBrandWebhookSecret(ctx context.Context, id, secret string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE brands SET webhook_secret = ?, updated_at = ? WHERE id = ?`),
		secret, time.Now().UTC(), id,
	)
	return err
}

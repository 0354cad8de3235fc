package storage

import (
	"context"
	"strings"
	"time"

	"github.com/shohag/convrelay/internal/models"
)

func (s *SQLStore) CreateOrderRecord(ctx context.Context, rec *models.OrderRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO order_records (id, brand_id, external_order_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		rec.ID, rec.BrandID, rec.ExternalOrderID, rec.Payload, utc(rec.CreatedAt),
	)
	return err
}

func (s *SQLStore) SearchRecentOrders(ctx context.Context, search models.OrderSearch) ([]models.OrderRecord, error) {
	if search.Contains == "" {
		return nil, nil
	}
	limit := search.Limit
	if limit <= 0 {
		limit = 10
	}

	where := []string{`LOWER(payload) LIKE ? ESCAPE '\'`}
	args := []any{"%" + escapeLike(strings.ToLower(search.Contains)) + "%"}
	if search.BrandID != "" {
		where = append(where, "brand_id = ?")
		args = append(args, search.BrandID)
	}
	if search.ExcludeExternalOrderID != "" {
		where = append(where, "external_order_id <> ?")
		args = append(args, search.ExcludeExternalOrderID)
	}
	args = append(args, limit)

	var recs []models.OrderRecord
	err := s.db.SelectContext(ctx, &recs, s.q(
		`SELECT id, brand_id, external_order_id, payload, created_at
		 FROM order_records
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC LIMIT ?`),
		args...,
	)
	return recs, err
}

func (s *SQLStore) PurgeOrderRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM order_records WHERE created_at < ?`), utc(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

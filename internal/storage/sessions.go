package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shohag/convrelay/internal/models"
)

const sessionColumns = `session_id, visitor_id, site_id, affiliate_id, campaign_id, product_id,
	utm_source, utm_medium, utm_campaign, utm_term, utm_content, landing_url, email, customer_id,
	created_at, updated_at, expires_at`

func (s *SQLStore) UpsertSession(ctx context.Context, update models.VisitorSession, ttl time.Duration) (*models.VisitorSession, error) {
	if update.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	now := utc(s.now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sess models.VisitorSession
	err = tx.GetContext(ctx, &sess, tx.Rebind(`SELECT `+sessionColumns+` FROM visitor_sessions WHERE session_id = ?`), update.SessionID)
	switch {
	case err == sql.ErrNoRows:
		sess = update
		sess.CreatedAt = now
	case err != nil:
		return nil, err
	default:
		sess.Merge(update)
	}
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttl)

	if err := upsertSessionRow(ctx, tx, &sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLStore) FindSession(ctx context.Context, sessionID string) (*models.VisitorSession, error) {
	if sessionID == "" {
		return nil, nil
	}
	return s.findOneSession(ctx,
		`WHERE session_id = ? AND expires_at > ? AND affiliate_id <> ''`,
		sessionID, utc(s.now()))
}

func (s *SQLStore) FindMostRecentSessionByVisitor(ctx context.Context, visitorID, siteID string) (*models.VisitorSession, error) {
	if visitorID == "" {
		return nil, nil
	}
	now := utc(s.now())
	if siteID == "" {
		return s.findOneSession(ctx,
			`WHERE visitor_id = ? AND expires_at > ? AND affiliate_id <> '' ORDER BY created_at DESC LIMIT 1`,
			visitorID, now)
	}
	return s.findOneSession(ctx,
		`WHERE visitor_id = ? AND site_id = ? AND expires_at > ? AND affiliate_id <> '' ORDER BY created_at DESC LIMIT 1`,
		visitorID, siteID, now)
}

func (s *SQLStore) FindMostRecentSessionBySite(ctx context.Context, siteID string, since time.Time) (*models.VisitorSession, error) {
	if siteID == "" {
		return nil, nil
	}
	return s.findOneSession(ctx,
		`WHERE site_id = ? AND created_at >= ? AND expires_at > ? AND affiliate_id <> '' ORDER BY created_at DESC LIMIT 1`,
		siteID, utc(since), utc(s.now()))
}

func (s *SQLStore) findOneSession(ctx context.Context, where string, args ...any) (*models.VisitorSession, error) {
	var sess models.VisitorSession
	err := s.db.GetContext(ctx, &sess, s.q(`SELECT `+sessionColumns+` FROM visitor_sessions `+where), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// upsertSessionRow writes sess and reads back the stored row. The conflict
// clause applies the same merge rules as VisitorSession.Merge, so a row
// inserted concurrently after our read keeps its first affiliate.
func upsertSessionRow(ctx context.Context, tx *sqlx.Tx, sess *models.VisitorSession) error {
	err := tx.GetContext(ctx, sess, tx.Rebind(
		`INSERT INTO visitor_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			affiliate_id = COALESCE(NULLIF(visitor_sessions.affiliate_id, ''), excluded.affiliate_id),
			campaign_id = COALESCE(NULLIF(visitor_sessions.campaign_id, ''), excluded.campaign_id),
			visitor_id = COALESCE(NULLIF(excluded.visitor_id, ''), visitor_sessions.visitor_id),
			site_id = COALESCE(NULLIF(excluded.site_id, ''), visitor_sessions.site_id),
			product_id = COALESCE(NULLIF(excluded.product_id, ''), visitor_sessions.product_id),
			utm_source = COALESCE(NULLIF(excluded.utm_source, ''), visitor_sessions.utm_source),
			utm_medium = COALESCE(NULLIF(excluded.utm_medium, ''), visitor_sessions.utm_medium),
			utm_campaign = COALESCE(NULLIF(excluded.utm_campaign, ''), visitor_sessions.utm_campaign),
			utm_term = COALESCE(NULLIF(excluded.utm_term, ''), visitor_sessions.utm_term),
			utm_content = COALESCE(NULLIF(excluded.utm_content, ''), visitor_sessions.utm_content),
			landing_url = COALESCE(NULLIF(excluded.landing_url, ''), visitor_sessions.landing_url),
			email = COALESCE(NULLIF(excluded.email, ''), visitor_sessions.email),
			customer_id = COALESCE(NULLIF(excluded.customer_id, ''), visitor_sessions.customer_id),
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		 RETURNING `+sessionColumns),
		sess.SessionID, sess.VisitorID, sess.SiteID, sess.AffiliateID, sess.CampaignID, sess.ProductID,
		sess.UTMSource, sess.UTMMedium, sess.UTMCampaign, sess.UTMTerm, sess.UTMContent, sess.LandingURL,
		sess.Email, sess.CustomerID, utc(sess.CreatedAt), utc(sess.UpdatedAt), utc(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

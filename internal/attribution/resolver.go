// Package attribution decides which affiliate and campaign an order credits.
// Sources are tried strictly in order and the first hit wins, so a
// higher-confidence signal always beats a weaker one.
package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/orderparse"
)

type Source string

const (
	SourceOrderDirect   Source = "order_direct"
	SourceSession       Source = "session"
	SourceVisitorID     Source = "visitor_id"
	SourceSiteRecent    Source = "site_recent"
	SourceHistoricOrder Source = "historic_order"
)

const (
	// SiteRecentWindow is how far back a site-level session may have been
	// created and still credit an order with no client-side ids.
	SiteRecentWindow = 24 * time.Hour
	// HistoricOrderLimit bounds the raw-order text search.
	HistoricOrderLimit = 10
)

type Attribution struct {
	AffiliateID string `json:"affiliate_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Source      Source `json:"source"`
}

// SessionFinder is the read side of the session store. Implementations only
// return unexpired sessions that carry an affiliate.
type SessionFinder interface {
	FindSession(ctx context.Context, sessionID string) (*models.VisitorSession, error)
	FindMostRecentSessionByVisitor(ctx context.Context, visitorID, siteID string) (*models.VisitorSession, error)
	FindMostRecentSessionBySite(ctx context.Context, siteID string, since time.Time) (*models.VisitorSession, error)
}

type OrderSearcher interface {
	SearchRecentOrders(ctx context.Context, search models.OrderSearch) ([]models.OrderRecord, error)
}

type Resolver struct {
	sessions SessionFinder
	orders   OrderSearcher
	now      func() time.Time
	log      zerolog.Logger
}

func NewResolver(sessions SessionFinder, orders OrderSearcher, log zerolog.Logger) *Resolver {
	return &Resolver{sessions: sessions, orders: orders, now: time.Now, log: log}
}

// WithClock returns a copy of r that reads time from now.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	cp := *r
	cp.now = now
	return &cp
}

// Resolve returns nil when no source credits anyone. Store errors abort the
// waterfall rather than falling through to a weaker source.
func (r *Resolver) Resolve(ctx context.Context, order models.CanonicalOrder) (*Attribution, error) {
	if order.AffiliateID != "" {
		return &Attribution{AffiliateID: order.AffiliateID, CampaignID: order.CampaignID, Source: SourceOrderDirect}, nil
	}

	if a, err := r.fromSessions(ctx, order); a != nil || err != nil {
		return a, err
	}

	return r.fromHistoricOrders(ctx, order)
}

func (r *Resolver) fromSessions(ctx context.Context, order models.CanonicalOrder) (*Attribution, error) {
	if r.sessions == nil {
		return nil, nil
	}

	if order.SessionID != "" {
		sess, err := r.sessions.FindSession(ctx, order.SessionID)
		if err != nil {
			return nil, fmt.Errorf("find session: %w", err)
		}
		if sess != nil {
			return fromSession(sess, SourceSession), nil
		}
	}

	if order.VisitorID != "" {
		sess, err := r.sessions.FindMostRecentSessionByVisitor(ctx, order.VisitorID, order.SiteID)
		if err != nil {
			return nil, fmt.Errorf("find session by visitor: %w", err)
		}
		if sess != nil {
			return fromSession(sess, SourceVisitorID), nil
		}
	}

	if order.SiteID != "" {
		since := r.now().Add(-SiteRecentWindow)
		sess, err := r.sessions.FindMostRecentSessionBySite(ctx, order.SiteID, since)
		if err != nil {
			return nil, fmt.Errorf("find recent session for site: %w", err)
		}
		if sess != nil {
			return fromSession(sess, SourceSiteRecent), nil
		}
	}

	return nil, nil
}

// fromHistoricOrders looks for an earlier order by the same customer, at the
// same brand, that carried attribution of its own. The order being resolved
// is excluded even if its record is already stored.
func (r *Resolver) fromHistoricOrders(ctx context.Context, order models.CanonicalOrder) (*Attribution, error) {
	if r.orders == nil || order.CustomerEmail == "" {
		return nil, nil
	}

	records, err := r.orders.SearchRecentOrders(ctx, models.OrderSearch{
		BrandID:                order.BrandID,
		Contains:               order.CustomerEmail,
		ExcludeExternalOrderID: order.OrderID,
		Limit:                  HistoricOrderLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search historic orders: %w", err)
	}

	for _, rec := range records {
		past, err := orderparse.ParseJSON([]byte(rec.Payload))
		if err != nil {
			r.log.Debug().Err(err).Str("order_record_id", rec.ID).Msg("skipping unparseable order record")
			continue
		}
		if past.AffiliateID != "" {
			return &Attribution{AffiliateID: past.AffiliateID, CampaignID: past.CampaignID, Source: SourceHistoricOrder}, nil
		}
	}
	return nil, nil
}

func fromSession(sess *models.VisitorSession, src Source) *Attribution {
	return &Attribution{AffiliateID: sess.AffiliateID, CampaignID: sess.CampaignID, Source: src}
}

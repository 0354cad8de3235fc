package models

import "time"

// VisitorSession links a visitor's browsing context to the affiliate and
// campaign captured when they landed.
type VisitorSession struct {
	SessionID   string    `json:"session_id" db:"session_id"`
	VisitorID   string    `json:"visitor_id,omitempty" db:"visitor_id"`
	SiteID      string    `json:"site_id,omitempty" db:"site_id"`
	AffiliateID string    `json:"affiliate_id,omitempty" db:"affiliate_id"`
	CampaignID  string    `json:"campaign_id,omitempty" db:"campaign_id"`
	ProductID   string    `json:"product_id,omitempty" db:"product_id"`
	UTMSource   string    `json:"utm_source,omitempty" db:"utm_source"`
	UTMMedium   string    `json:"utm_medium,omitempty" db:"utm_medium"`
	UTMCampaign string    `json:"utm_campaign,omitempty" db:"utm_campaign"`
	UTMTerm     string    `json:"utm_term,omitempty" db:"utm_term"`
	UTMContent  string    `json:"utm_content,omitempty" db:"utm_content"`
	LandingURL  string    `json:"landing_url,omitempty" db:"landing_url"`
	Email       string    `json:"email,omitempty" db:"email"`
	CustomerID  string    `json:"customer_id,omitempty" db:"customer_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// Merge folds update into s. Affiliate and campaign keep the first value
// ever recorded; every other non-empty field in update replaces the old one.
func (s *VisitorSession) Merge(update VisitorSession) {
	if s.AffiliateID == "" {
		s.AffiliateID = update.AffiliateID
	}
	if s.CampaignID == "" {
		s.CampaignID = update.CampaignID
	}
	refresh(&s.VisitorID, update.VisitorID)
	refresh(&s.SiteID, update.SiteID)
	refresh(&s.ProductID, update.ProductID)
	refresh(&s.UTMSource, update.UTMSource)
	refresh(&s.UTMMedium, update.UTMMedium)
	refresh(&s.UTMCampaign, update.UTMCampaign)
	refresh(&s.UTMTerm, update.UTMTerm)
	refresh(&s.UTMContent, update.UTMContent)
	refresh(&s.LandingURL, update.LandingURL)
	refresh(&s.Email, update.Email)
	refresh(&s.CustomerID, update.CustomerID)
}

// Identified reports whether the session has been linked to a customer.
func (s *VisitorSession) Identified() bool {
	return s.Email != "" || s.CustomerID != ""
}

// Attributable reports whether the session can credit an affiliate at t.
func (s *VisitorSession) Attributable(t time.Time) bool {
	return s.AffiliateID != "" && s.ExpiresAt.After(t)
}

func refresh(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

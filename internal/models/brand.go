package models

import "time"

// Brand is a storefront tenant. APIKey is the brand's credential on the
// conversion platform; WebhookSecret signs inbound order webhooks.
type Brand struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	SiteID        string    `json:"site_id" db:"site_id"`
	APIKey        string    `json:"api_key,omitempty" db:"api_key"`
	WebhookSecret string    `json:"webhook_secret,omitempty" db:"webhook_secret"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

package models

import "time"

// OrderRecord is a raw order webhook body as received, kept for the
// historic attribution lookup.
type OrderRecord struct {
	ID              string    `json:"id" db:"id"`
	BrandID         string    `json:"brand_id" db:"brand_id"`
	ExternalOrderID string    `json:"external_order_id" db:"external_order_id"`
	Payload         string    `json:"payload" db:"payload"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// OrderSearch selects records for the historic attribution lookup. An empty
// BrandID searches every brand.
type OrderSearch struct {
	BrandID                string
	Contains               string
	ExcludeExternalOrderID string
	Limit                  int
}

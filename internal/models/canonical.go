package models

// CanonicalOrder is the normalized view of an incoming order payload,
// whatever shape the storefront sent.
type CanonicalOrder struct {
	// BrandID is set by the receiving endpoint, never by the parser.
	BrandID       string    `json:"brand_id,omitempty"`
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number,omitempty"`
	TotalAmount   float64   `json:"total_amount"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	CustomerName  string    `json:"customer_name,omitempty"`
	AffiliateID   string    `json:"affiliate_id,omitempty"`
	CampaignID    string    `json:"campaign_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	VisitorID     string    `json:"visitor_id,omitempty"`
	SiteID        string    `json:"site_id,omitempty"`
	Products      []Product `json:"products"`
	EventType     string    `json:"event_type"`
}

type Product struct {
	ExternalProductID string  `json:"external_product_id,omitempty"`
	Name              string  `json:"name,omitempty"`
	Price             float64 `json:"price"`
	Quantity          int     `json:"quantity"`
	Currency          string  `json:"currency"`
}

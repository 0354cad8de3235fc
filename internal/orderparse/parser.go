// Package orderparse normalizes storefront order payloads into a
// models.CanonicalOrder. Webhook versions and test fixtures disagree on
// field names and nesting; the parser sniffs the envelope shape first, then
// runs one named extractor per field.
package orderparse

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shohag/convrelay/internal/models"
)

const (
	DefaultCurrency  = "USD"
	DefaultEventType = "OrderPaid"
)

// Shape identifies where the order object sits inside the payload.
type Shape int

const (
	// ShapeFlat has order fields at the top level.
	ShapeFlat Shape = iota
	// ShapeEntity wraps the order as {"order": {...}}.
	ShapeEntity
	// ShapeEventEnvelope is {"entityId": ..., "data": {"order": {...}}}.
	ShapeEventEnvelope
	// ShapeActionEvent is {"actionEvent": {"body": {"order": {...}}}}.
	ShapeActionEvent
)

func (s Shape) String() string {
	switch s {
	case ShapeEntity:
		return "entity"
	case ShapeEventEnvelope:
		return "event_envelope"
	case ShapeActionEvent:
		return "action_event"
	default:
		return "flat"
	}
}

type payload struct {
	shape Shape
	root  node
	order node
}

// DetectShape reports which envelope raw uses and returns the order object.
func DetectShape(raw map[string]any) (Shape, map[string]any) {
	if o := object(dig(raw, "actionEvent", "body", "order")); o != nil {
		return ShapeActionEvent, o
	}
	if o := object(dig(raw, "data", "order")); o != nil {
		return ShapeEventEnvelope, o
	}
	if o := object(raw["order"]); o != nil {
		return ShapeEntity, o
	}
	return ShapeFlat, raw
}

// Parse never fails: anything it cannot find is left empty or defaulted.
func Parse(raw map[string]any) models.CanonicalOrder {
	if raw == nil {
		raw = node{}
	}
	shape, order := DetectShape(raw)
	p := &payload{shape: shape, root: raw, order: order}

	amount, currency := totals(p)
	attr := attribution(p)

	return models.CanonicalOrder{
		OrderID:       orderID(p),
		OrderNumber:   orderNumber(p),
		TotalAmount:   amount,
		Currency:      currency,
		CustomerEmail: customerEmail(p),
		CustomerName:  customerName(p),
		AffiliateID:   attr.affiliateID,
		CampaignID:    attr.campaignID,
		SessionID:     attr.sessionID,
		VisitorID:     attr.visitorID,
		SiteID:        siteID(p),
		Products:      products(p, currency),
		EventType:     firstNonEmpty(eventType(p), DefaultEventType),
	}
}

// ParseJSON decodes data and parses it. Only malformed JSON is an error.
func ParseJSON(data []byte) (models.CanonicalOrder, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.CanonicalOrder{}, fmt.Errorf("decode order payload: %w", err)
	}
	return Parse(raw), nil
}

var (
	orderID = firstOf(
		rootAt("entityId"),
		orderAt("id"),
		orderAt("_id"),
		orderAt("orderId"),
		orderAt("order_id"),
	)

	orderNumber = firstOf(
		orderAt("number"),
		orderAt("orderNumber"),
		orderAt("order_number"),
	)

	customerEmail = firstOf(
		orderAt("billingInfo", "email"),
		orderAt("billingInfo", "contactDetails", "email"),
		orderAt("billingInfo", "address", "email"),
		orderAt("buyerInfo", "email"),
		orderAt("customer", "email"),
	)

	eventType = firstOf(
		rootAt("eventType"),
		rootAt("event_type"),
		orderAt("eventType"),
	)

	siteIDField = firstOf(
		rootAt("instanceId"),
		rootAt("siteId"),
		rootAt("metaSiteId"),
		orderAt("siteId"),
		orderAt("instanceId"),
	)
)

func customerName(p *payload) string {
	if name := firstOf(
		orderAt("billingInfo", "name"),
		orderAt("buyerInfo", "name"),
		orderAt("customer", "name"),
	)(p); name != "" {
		return name
	}
	for _, block := range [][]string{
		{"billingInfo", "contactDetails"},
		{"billingInfo"},
		{"buyerInfo"},
		{"customer"},
	} {
		m := object(dig(p.order, block...))
		full := strings.TrimSpace(str(m["firstName"]) + " " + str(m["lastName"]))
		if full != "" {
			return full
		}
	}
	return ""
}

// totalSources are tried in order; the first that yields an amount wins
// along with whatever currency sits next to it.
var totalSources = []struct {
	amount   []string
	currency []string
}{
	{[]string{"totalPrice", "amount"}, []string{"totalPrice", "currency"}},
	{[]string{"total", "amount"}, []string{"total", "currency"}},
	{[]string{"totals", "total"}, []string{"totals", "currency"}},
	{[]string{"priceSummary", "total", "amount"}, []string{"priceSummary", "total", "currency"}},
}

func totals(p *payload) (float64, string) {
	orderCurrency := firstNonEmpty(str(p.order["currency"]), str(p.root["currency"]))
	for _, src := range totalSources {
		amount, ok := num(dig(p.order, src.amount...))
		if !ok {
			continue
		}
		return amount, strings.ToUpper(firstNonEmpty(str(dig(p.order, src.currency...)), orderCurrency, DefaultCurrency))
	}
	return 0, strings.ToUpper(firstNonEmpty(orderCurrency, DefaultCurrency))
}

var siteURLPattern = regexp.MustCompile(`(?i)(?:sites?|instance|metaSiteId)[/=]([A-Za-z0-9-]{6,})`)

func siteID(p *payload) string {
	if id := siteIDField(p); id != "" {
		return id
	}
	channel := object(p.order["channelInfo"])
	for _, key := range []string{"externalOrderUrl", "url", "checkoutUrl"} {
		if m := siteURLPattern.FindStringSubmatch(str(channel[key])); m != nil {
			return m[1]
		}
	}
	return ""
}

func products(p *payload, orderCurrency string) []models.Product {
	items := list(p.order["lineItems"])
	if items == nil {
		items = list(p.order["line_items"])
	}
	if items == nil {
		items = list(p.order["items"])
	}

	out := make([]models.Product, 0, len(items))
	for _, it := range items {
		item := object(it)
		if item == nil {
			continue
		}
		out = append(out, lineItem(item, orderCurrency))
	}
	return out
}

func lineItem(item node, orderCurrency string) models.Product {
	price, ok := num(dig(item, "price", "amount"))
	if !ok {
		price, ok = num(item["price"])
	}
	if !ok {
		price, _ = num(dig(item, "priceData", "price"))
	}

	quantity := 1
	if q, ok := num(item["quantity"]); ok && q >= 1 && q <= math.MaxInt32 {
		quantity = int(q)
	}

	return models.Product{
		ExternalProductID: firstNonEmpty(
			str(dig(item, "catalogReference", "catalogItemId")),
			str(item["productId"]),
			str(item["product_id"]),
			str(item["catalogItemId"]),
			str(item["id"]),
		),
		Name: firstNonEmpty(
			str(dig(item, "productName", "original")),
			str(item["productName"]),
			str(item["name"]),
			str(item["title"]),
		),
		Price:    price,
		Quantity: quantity,
		Currency: strings.ToUpper(firstNonEmpty(
			str(dig(item, "price", "currency")),
			str(item["currency"]),
			orderCurrency,
		)),
	}
}

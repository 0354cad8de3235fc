package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/convrelay/internal/attribution"
	"github.com/shohag/convrelay/internal/conversion"
	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/orderparse"
	"github.com/shohag/convrelay/internal/signing"
	"github.com/shohag/convrelay/internal/storage"
)

const maxWebhookSize = 1 << 20 // 1MB

type webhookStore interface {
	storage.BrandStore
	storage.OrderStore
}

type OrderWebhookHandler struct {
	store    webhookStore
	resolver *attribution.Resolver
	queue    *conversion.Queue
	trigger  Trigger
	now      func() time.Time
	log      zerolog.Logger
}

func NewOrderWebhookHandler(store webhookStore, resolver *attribution.Resolver, queue *conversion.Queue, trigger Trigger, log zerolog.Logger) *OrderWebhookHandler {
	return &OrderWebhookHandler{
		store:    store,
		resolver: resolver,
		queue:    queue,
		trigger:  trigger,
		now:      time.Now,
		log:      log.With().Str("component", "order_webhook").Logger(),
	}
}

type webhookResponse struct {
	Status        string                   `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	OrderRecordID string                   `json:"order_record_id,omitempty"`
	JobID         string                   `json:"job_id,omitempty"`
	JobStatus     models.JobStatus         `json:"job_status,omitempty"`
	Message       string                   `json:"message,omitempty"`
	Attribution   *attribution.Attribution `json:"attribution,omitempty"`
}

// Receive acknowledges an order as soon as its conversion is durably queued
// (202) or it is known to credit nobody (200). Delivery happens later and
// its outcome is never reported back to the storefront.
func (h *OrderWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	brandID := chi.URLParam(r, "brandID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	brand, err := h.store.GetBrand(ctx, brandID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get brand")
		return
	}
	if brand == nil {
		writeError(w, http.StatusNotFound, "brand not found")
		return
	}

	now := h.now().UTC()
	if brand.WebhookSecret != "" {
		err := signing.VerifyHeaders(brand.WebhookSecret, body,
			r.Header.Get(signing.TimestampHeader), r.Header.Get(signing.SignatureHeader),
			now, signing.DefaultTolerance)
		if err != nil {
			h.log.Warn().Err(err).Str("brand_id", brandID).Msg("rejected order webhook")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	order, err := orderparse.ParseJSON(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	order.BrandID = brand.ID
	if order.SiteID == "" {
		order.SiteID = brand.SiteID
	}

	rec := &models.OrderRecord{
		ID:              models.NewID("ord"),
		BrandID:         brand.ID,
		ExternalOrderID: order.OrderID,
		Payload:         string(body),
		CreatedAt:       now,
	}
	if err := h.store.CreateOrderRecord(ctx, rec); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store order")
		return
	}

	log := h.log.With().Str("brand_id", brand.ID).Str("order_id", order.OrderID).Logger()

	if ignoredEvent(order.EventType) {
		log.Info().Str("event_type", order.EventType).Msg("order event ignored")
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: "event type " + order.EventType, OrderRecordID: rec.ID})
		return
	}

	attr, err := h.resolver.Resolve(ctx, order)
	if err != nil {
		log.Error().Err(err).Msg("attribution lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to resolve attribution")
		return
	}
	if attr == nil {
		log.Info().Msg("order has no attribution, skipping conversion")
		writeJSON(w, http.StatusOK, webhookResponse{Status: "skipped", Reason: "no attribution", OrderRecordID: rec.ID})
		return
	}

	res, err := h.queue.Enqueue(ctx, conversionPayload(brand.ID, order, attr, rec.ID), rec.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to enqueue conversion")
		writeError(w, http.StatusInternalServerError, "failed to enqueue conversion")
		return
	}
	if h.trigger != nil && res.Message == conversion.MessageQueued {
		h.trigger.Trigger()
	}

	writeJSON(w, http.StatusAccepted, webhookResponse{
		Status:        "accepted",
		OrderRecordID: rec.ID,
		JobID:         res.JobID,
		JobStatus:     res.Status,
		Message:       res.Message,
		Attribution:   attr,
	})
}

// ignoredEvent reports events that must not produce a conversion.
func ignoredEvent(eventType string) bool {
	t := strings.ToLower(eventType)
	return strings.Contains(t, "cancel") || strings.Contains(t, "refund")
}

func conversionPayload(brandID string, order models.CanonicalOrder, attr *attribution.Attribution, recordID string) models.ConversionPayload {
	items := make([]models.LineItem, 0, len(order.Products))
	for _, p := range order.Products {
		items = append(items, models.LineItem{
			ExternalProductID: p.ExternalProductID,
			Name:              p.Name,
			Price:             p.Price,
			Quantity:          p.Quantity,
			Currency:          p.Currency,
		})
	}

	meta := map[string]string{
		"attribution_source": string(attr.Source),
		"event_type":         order.EventType,
		"order_record_id":    recordID,
	}
	for k, v := range map[string]string{
		"session_id": order.SessionID,
		"visitor_id": order.VisitorID,
		"site_id":    order.SiteID,
	} {
		if v != "" {
			meta[k] = v
		}
	}

	return models.ConversionPayload{
		BrandID:         brandID,
		ExternalOrderID: order.OrderID,
		OrderNumber:     order.OrderNumber,
		Amount:          order.TotalAmount,
		Currency:        order.Currency,
		AffiliateID:     attr.AffiliateID,
		CampaignID:      attr.CampaignID,
		Customer:        models.Customer{Email: order.CustomerEmail, Name: order.CustomerName},
		LineItems:       items,
		Metadata:        meta,
	}
}

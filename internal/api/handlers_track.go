package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/storage"
)

const defaultSessionTTL = 30 * 24 * time.Hour

type TrackHandler struct {
	sessions storage.SessionStore
	validate *validator.Validate
	ttl      time.Duration
}

func NewTrackHandler(sessions storage.SessionStore, validate *validator.Validate, ttl time.Duration) *TrackHandler {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &TrackHandler{sessions: sessions, validate: validate, ttl: ttl}
}

type trackRequest struct {
	SessionID   string `json:"session_id" validate:"max=128"`
	VisitorID   string `json:"visitor_id" validate:"max=128"`
	SiteID      string `json:"site_id" validate:"max=128"`
	AffiliateID string `json:"affiliate_id" validate:"max=128"`
	CampaignID  string `json:"campaign_id" validate:"max=128"`
	ProductID   string `json:"product_id" validate:"max=128"`
	UTMSource   string `json:"utm_source" validate:"max=256"`
	UTMMedium   string `json:"utm_medium" validate:"max=256"`
	UTMCampaign string `json:"utm_campaign" validate:"max=256"`
	UTMTerm     string `json:"utm_term" validate:"max=256"`
	UTMContent  string `json:"utm_content" validate:"max=256"`
	LandingURL  string `json:"landing_url" validate:"max=2048"`
	Email       string `json:"email" validate:"omitempty,email"`
	CustomerID  string `json:"customer_id" validate:"max=128"`
}

type trackResponse struct {
	SessionID   string    `json:"session_id"`
	VisitorID   string    `json:"visitor_id,omitempty"`
	AffiliateID string    `json:"affiliate_id,omitempty"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Identified  bool      `json:"identified"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Track records a landing or identify call. Attribution already on the
// session is never replaced by a later call.
func (h *TrackHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, err := h.sessions.UpsertSession(r.Context(), models.VisitorSession{
		SessionID:   req.SessionID,
		VisitorID:   req.VisitorID,
		SiteID:      req.SiteID,
		AffiliateID: req.AffiliateID,
		CampaignID:  req.CampaignID,
		ProductID:   req.ProductID,
		UTMSource:   req.UTMSource,
		UTMMedium:   req.UTMMedium,
		UTMCampaign: req.UTMCampaign,
		UTMTerm:     req.UTMTerm,
		UTMContent:  req.UTMContent,
		LandingURL:  req.LandingURL,
		Email:       req.Email,
		CustomerID:  req.CustomerID,
	}, h.ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record session")
		return
	}

	writeJSON(w, http.StatusOK, trackResponse{
		SessionID:   sess.SessionID,
		VisitorID:   sess.VisitorID,
		AffiliateID: sess.AffiliateID,
		CampaignID:  sess.CampaignID,
		Identified:  sess.Identified(),
		ExpiresAt:   sess.ExpiresAt,
	})
}

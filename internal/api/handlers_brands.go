package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/storage"
)

type BrandHandler struct {
	store    storage.BrandStore
	validate *validator.Validate
}

func NewBrandHandler(store storage.BrandStore, validate *validator.Validate) *BrandHandler {
	return &BrandHandler{store: store, validate: validate}
}

type createBrandRequest struct {
	// ID is optional; storefronts usually already have a stable brand id.
	ID     string `json:"id" validate:"omitempty,max=64,excludesall=/?#"`
	Name   string `json:"name" validate:"required,max=200"`
	SiteID string `json:"site_id" validate:"max=128"`
	APIKey string `json:"api_key" validate:"max=256"`
}

func (h *BrandHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBrandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if req.ID != "" {
		existing, err := h.store.GetBrand(r.Context(), req.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check brand")
			return
		}
		if existing != nil {
			writeError(w, http.StatusConflict, "brand already exists")
			return
		}
	}

	now := time.Now().UTC()
	brand := &models.Brand{
		ID:            req.ID,
		Name:          req.Name,
		SiteID:        req.SiteID,
		APIKey:        req.APIKey,
		WebhookSecret: models.NewWebhookSecret(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if brand.ID == "" {
		brand.ID = models.NewID("brand")
	}

	if err := h.store.CreateBrand(r.Context(), brand); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create brand")
		return
	}

	// The webhook secret is only ever shown here and on rotation.
	writeJSON(w, http.StatusCreated, brand)
}

func (h *BrandHandler) Get(w http.ResponseWriter, r *http.Request) {
	brand, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, redactBrand(*brand))
}

func (h *BrandHandler) List(w http.ResponseWriter, r *http.Request) {
	brands, err := h.store.ListBrands(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list brands")
		return
	}
	out := make([]models.Brand, 0, len(brands))
	for _, b := range brands {
		out = append(out, redactBrand(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *BrandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.load(w, r); !ok {
		return
	}
	if err := h.store.DeleteBrand(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete brand")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BrandHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	brand, ok := h.load(w, r)
	if !ok {
		return
	}

	secret := models.NewWebhookSecret()
	if err := h.store.UpdateBrandWebhookSecret(r.Context(), brand.ID, secret); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhook_secret": secret})
}

func (h *BrandHandler) load(w http.ResponseWriter, r *http.Request) (*models.Brand, bool) {
	brand, err := h.store.GetBrand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get brand")
		return nil, false
	}
	if brand == nil {
		writeError(w, http.StatusNotFound, "brand not found")
		return nil, false
	}
	return brand, true
}

func redactBrand(b models.Brand) models.Brand {
	b.WebhookSecret = ""
	if n := len(b.APIKey); n > 4 {
		b.APIKey = "****" + b.APIKey[n-4:]
	} else if n > 0 {
		b.APIKey = "****"
	}
	return b
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shohag/convrelay/internal/attribution"
	"github.com/shohag/convrelay/internal/orderparse"
)

var errNoBody = errors.New("request body is empty")

// DebugHandler exposes the parser and resolver to operators so a
// misattributed order can be replayed without enqueueing anything.
type DebugHandler struct {
	resolver *attribution.Resolver
}

func NewDebugHandler(resolver *attribution.Resolver) *DebugHandler {
	return &DebugHandler{resolver: resolver}
}

func (h *DebugHandler) Parse(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeRaw(w, r)
	if !ok {
		return
	}
	shape, _ := orderparse.DetectShape(raw)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shape": shape.String(),
		"order": orderparse.Parse(raw),
	})
}

func (h *DebugHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeRaw(w, r)
	if !ok {
		return
	}
	order := orderparse.Parse(raw)
	// Without brand_id the historic lookup spans every brand.
	order.BrandID = r.URL.Query().Get("brand_id")
	attr, err := h.resolver.Resolve(r.Context(), order)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve attribution")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":       order,
		"attribution": attr,
	})
}

func decodeRaw(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, err := readBody(w, r, maxWebhookSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return nil, false
	}
	return raw, true
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errNoBody
	}
	return body, nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/convrelay/internal/attribution"
	"github.com/shohag/convrelay/internal/config"
	"github.com/shohag/convrelay/internal/conversion"
	"github.com/shohag/convrelay/internal/convapi"
	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/signing"
	"github.com/shohag/convrelay/internal/storage"
)

const testAdminToken = "admin-secret"

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type okSender struct{}

func (okSender) Send(context.Context, convapi.Request) (*convapi.Result, error) {
	return &convapi.Result{Success: true}, nil
}

type testServer struct {
	handler http.Handler
	store   *storage.SQLStore
	trigger *countingTrigger
}

func newTestServer(t *testing.T, adminToken string) *testServer {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	log := zerolog.Nop()
	queue := conversion.NewQueue(config.DeliveryConfig{BatchSize: 10, Concurrency: 2, MaxAttempts: 5}, store, store, okSender{}, nil, log)
	trigger := &countingTrigger{}

	srv := NewServer(config.ServerConfig{AdminToken: adminToken}, Services{
		Store:    store,
		Queue:    queue,
		Resolver: attribution.NewResolver(store, store, log),
		Trigger:  trigger,
	}, log)

	return &testServer{handler: srv.Handler(), store: store, trigger: trigger}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	return ts.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + testAdminToken})
}

func (ts *testServer) createBrand(t *testing.T, id, secret string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, ts.store.CreateBrand(context.Background(), &models.Brand{
		ID: id, Name: "Brand " + id, SiteID: "site-" + id, APIKey: "key-" + id,
		WebhookSecret: secret, CreatedAt: now, UpdatedAt: now,
	}))
}

func signedHeaders(secret string, body []byte) map[string]string {
	sig, ts := signing.Sign(secret, body)
	return map[string]string{
		signing.TimestampHeader: strconv.FormatInt(ts, 10),
		signing.SignatureHeader: sig,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testAdminToken)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, testAdminToken)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", testAdminToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer " + testAdminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := ts.do(t, http.MethodGet, "/api/v1/admin/queue/stats", nil, headers)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("disabled without a token", func(t *testing.T) {
		closed := newTestServer(t, "")
		rec := closed.do(t, http.MethodGet, "/api/v1/admin/brands", nil, map[string]string{"Authorization": "Bearer "})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestBrandLifecycle(t *testing.T) {
	ts := newTestServer(t, testAdminToken)

	rec := ts.admin(t, http.MethodPost, "/api/v1/admin/brands", []byte(`{"name":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/brands", []byte(`{"id":"acme","name":"Acme","site_id":"site-1","api_key":"secret-key-1234"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Brand](t, rec)
	assert.Equal(t, "acme", created.ID)
	assert.NotEmpty(t, created.WebhookSecret)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/brands", []byte(`{"id":"acme","name":"Again"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/brands/acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Brand](t, rec)
	assert.Empty(t, got.WebhookSecret)
	assert.Equal(t, "****1234", got.APIKey)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/brands/acme/rotate-secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[map[string]string](t, rec)["webhook_secret"]
	assert.NotEqual(t, created.WebhookSecret, rotated)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/brands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Brand](t, rec), 1)

	rec = ts.admin(t, http.MethodDelete, "/api/v1/admin/brands/acme", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/brands/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrderWebhook(t *testing.T) {
	ts := newTestServer(t, testAdminToken)
	ts.createBrand(t, "123", "whsec_test")
	ts.createBrand(t, "open", "")

	attributed := []byte(`{"order":{"id":"order-001","buyerNote":"ref=AFF123,cid=CAMP456","totalPrice":{"amount":"99.99","currency":"USD"}}}`)

	t.Run("unknown brand", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/nope/orders", attributed, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/123/orders", attributed, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("signed with the wrong secret", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/123/orders", attributed, signedHeaders("whsec_other", attributed))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("attributed order is queued once", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/123/orders", attributed, signedHeaders("whsec_test", attributed))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decode[webhookResponse](t, rec)
		assert.Equal(t, "conv_123_order-001", resp.JobID)
		assert.Equal(t, models.JobPending, resp.JobStatus)
		assert.Equal(t, conversion.MessageQueued, resp.Message)
		require.NotNil(t, resp.Attribution)
		assert.Equal(t, attribution.SourceOrderDirect, resp.Attribution.Source)
		assert.Equal(t, int32(1), ts.trigger.n.Load())

		rec = ts.do(t, http.MethodPost, "/api/v1/webhooks/123/orders", attributed, signedHeaders("whsec_test", attributed))
		require.Equal(t, http.StatusAccepted, rec.Code)
		resp = decode[webhookResponse](t, rec)
		assert.Equal(t, "conv_123_order-001", resp.JobID)
		assert.Equal(t, conversion.MessageAlreadyQueued, resp.Message)
		assert.Equal(t, int32(1), ts.trigger.n.Load(), "duplicates do not kick the queue")

		job, err := ts.store.GetJob(context.Background(), "conv_123_order-001")
		require.NoError(t, err)
		var payload models.ConversionPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.Equal(t, "AFF123", payload.AffiliateID)
		assert.Equal(t, "CAMP456", payload.CampaignID)
		assert.InDelta(t, 99.99, payload.Amount, 0.001)
		assert.Equal(t, "site-123", payload.Metadata["site_id"])
	})

	t.Run("no attribution is acknowledged but skipped", func(t *testing.T) {
		body := []byte(`{"order":{"id":"order-002"}}`)
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/open/orders", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "skipped", decode[webhookResponse](t, rec).Status)

		job, err := ts.store.GetJob(context.Background(), "conv_open_order-002")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("refund events are ignored", func(t *testing.T) {
		body := []byte(`{"eventType":"OrderRefunded","order":{"id":"order-003","buyerNote":"ref=AFF1"}}`)
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/open/orders", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ignored", decode[webhookResponse](t, rec).Status)
	})

	t.Run("non-finite amounts are treated as absent", func(t *testing.T) {
		body := []byte(`{"order":{"id":"order-nan","buyerNote":"ref=AFF1","totals":{"total":"NaN"},"lineItems":[{"price":"1e400","quantity":"Infinity"}]}}`)
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/open/orders", body, nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		job, err := ts.store.GetJob(context.Background(), "conv_open_order-nan")
		require.NoError(t, err)
		require.NotNil(t, job)
		var payload models.ConversionPayload
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		assert.Zero(t, payload.Amount)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/open/orders", []byte(`{"order":`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTrackThenOrderUsesSession(t *testing.T) {
	ts := newTestServer(t, testAdminToken)
	ts.createBrand(t, "b1", "")

	rec := ts.do(t, http.MethodPost, "/api/v1/track", []byte(`{"visitor_id":"v-1","site_id":"site-b1","affiliate_id":"AFF9","campaign_id":"C9"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tracked := decode[trackResponse](t, rec)
	require.NotEmpty(t, tracked.SessionID)
	assert.False(t, tracked.Identified)

	rec = ts.do(t, http.MethodPost, "/api/v1/track", []byte(`{"session_id":"`+tracked.SessionID+`","affiliate_id":"LATE","email":"ann@example.com"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	identified := decode[trackResponse](t, rec)
	assert.True(t, identified.Identified)
	assert.Equal(t, "AFF9", identified.AffiliateID, "first attribution wins")

	rec = ts.do(t, http.MethodPost, "/api/v1/track", []byte(`{"email":"not-an-email"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := []byte(`{"order":{"id":"o-1","customFields":{"sessionId":"` + tracked.SessionID + `"}}}`)
	rec = ts.do(t, http.MethodPost, "/api/v1/webhooks/b1/orders", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[webhookResponse](t, rec)
	assert.Equal(t, &attribution.Attribution{AffiliateID: "AFF9", CampaignID: "C9", Source: attribution.SourceSession}, resp.Attribution)
}

func TestQueueAdmin(t *testing.T) {
	ts := newTestServer(t, testAdminToken)
	ts.createBrand(t, "b1", "")

	body := []byte(`{"order":{"id":"o-1","buyerNote":"aid=X1"}}`)
	rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/b1/orders", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ConversionJob](t, rec), 1)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/queue/process?batch=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conversion.BatchResult{Processed: 1, Succeeded: 1}, decode[conversion.BatchResult](t, rec))

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/jobs/conv_b1_o-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobCompleted, decode[models.ConversionJob](t, rec).Status)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/queue/jobs/conv_b1_o-1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decode[conversion.RetryResult](t, rec).Success)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.QueueStats](t, rec)
	assert.Equal(t, int64(1), stats.Queue[models.JobCompleted])

	rec = ts.admin(t, http.MethodGet, "/api/v1/admin/queue/failures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.ConversionFailureRecord](t, rec))
}

func TestDebugEndpoints(t *testing.T) {
	ts := newTestServer(t, testAdminToken)

	rec := ts.admin(t, http.MethodPost, "/api/v1/admin/debug/parse", []byte(`{"data":{"order":{"id":"o-1"}}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	parsed := decode[map[string]any](t, rec)
	assert.Equal(t, "event_envelope", parsed["shape"])

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/debug/resolve", []byte(`{"order":{"id":"o-1","buyerNote":"ref=AFF123,cid=CAMP456"}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[struct {
		Attribution *attribution.Attribution `json:"attribution"`
	}](t, rec)
	assert.Equal(t, &attribution.Attribution{AffiliateID: "AFF123", CampaignID: "CAMP456", Source: attribution.SourceOrderDirect}, resolved.Attribution)

	rec = ts.admin(t, http.MethodPost, "/api/v1/admin/debug/parse", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/convrelay/internal/models"
)

func TestNotConfigured(t *testing.T) {
	w := NewWebhook("", 0, zerolog.Nop())

	r := w.NotifyPermanentFailure(context.Background(), models.ConversionJob{JobID: "conv_1_o"}, errors.New("boom"), 5)
	assert.False(t, r.Sent)
	assert.False(t, r.Configured)
	assert.NotEmpty(t, r.Error)

	r = w.NotifyPeriodicSummary(context.Background(), models.QueueStats{})
	assert.False(t, r.Configured)
}

func TestPermanentFailureMessage(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		text = body["text"]
	}))
	defer srv.Close()

	job := models.ConversionJob{
		JobID:   "conv_b1_o9",
		Payload: []byte(`{"brand_id":"b1","external_order_id":"o9","affiliate_id":"AFF","amount":12.5,"currency":"USD"}`),
	}
	r := NewWebhook(srv.URL, 0, zerolog.Nop()).NotifyPermanentFailure(context.Background(), job, errors.New("conversion api returned 400"), 1)

	assert.Equal(t, Report{Sent: true, Configured: true}, r)
	assert.Contains(t, text, "conv_b1_o9")
	assert.Contains(t, text, "Affiliate: AFF")
	assert.Contains(t, text, "12.50 USD")
	assert.Contains(t, text, "returned 400")
}

func TestSummaryMessage(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		text = body["text"]
	}))
	defer srv.Close()

	stats := models.QueueStats{
		Queue:       map[models.JobStatus]int64{models.JobPending: 3, models.JobDead: 1},
		Failures24h: 1,
	}
	r := NewWebhook(srv.URL, 0, zerolog.Nop()).NotifyPeriodicSummary(context.Background(), stats)

	assert.True(t, r.Sent)
	assert.Contains(t, text, "dead: 1\npending: 3")
	assert.Contains(t, text, "last 24h: 1")
}

func TestTransportFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewWebhook(srv.URL, 0, zerolog.Nop()).NotifyPeriodicSummary(context.Background(), models.QueueStats{})
	assert.True(t, r.Configured)
	assert.False(t, r.Sent)
	assert.Contains(t, r.Error, "500")
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.False(t, n.NotifyPermanentFailure(context.Background(), models.ConversionJob{}, nil, 0).Sent)
}

// Package alerting tells operators about dead-lettered conversions. Alerts
// are best effort: a failed notification is logged and otherwise ignored.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/convrelay/internal/models"
)

// Report describes what happened to one notification.
type Report struct {
	Sent       bool   `json:"sent"`
	Configured bool   `json:"configured"`
	Error      string `json:"error,omitempty"`
}

var notConfigured = Report{Error: "alerting not configured"}

type Notifier interface {
	NotifyPermanentFailure(ctx context.Context, job models.ConversionJob, cause error, attempts int) Report
	NotifyPeriodicSummary(ctx context.Context, stats models.QueueStats) Report
}

// Webhook posts Slack-compatible {"text": ...} messages to an incoming
// webhook URL. An empty URL makes every call a no-op.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(url string, timeout time.Duration, log zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

func (w *Webhook) NotifyPermanentFailure(ctx context.Context, job models.ConversionJob, cause error, attempts int) Report {
	var p models.ConversionPayload
	_ = json.Unmarshal(job.Payload, &p)

	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Conversion *%s* dead-lettered after %d attempt(s)\n", job.JobID, attempts)
	if p.BrandID != "" {
		fmt.Fprintf(&b, "Brand: %s  Order: %s  Affiliate: %s\n", p.BrandID, p.ExternalOrderID, p.AffiliateID)
	}
	if p.Amount != 0 {
		fmt.Fprintf(&b, "Amount: %.2f %s\n", p.Amount, p.Currency)
	}
	if cause != nil {
		fmt.Fprintf(&b, "Error: %s", cause.Error())
	}
	return w.post(ctx, "permanent_failure", b.String())
}

func (w *Webhook) NotifyPeriodicSummary(ctx context.Context, stats models.QueueStats) Report {
	statuses := make([]string, 0, len(stats.Queue))
	for s := range stats.Queue {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	var b strings.Builder
	b.WriteString(":bar_chart: Conversion queue summary\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", s, stats.Queue[models.JobStatus(s)])
	}
	fmt.Fprintf(&b, "dead-lettered in last 24h: %d", stats.Failures24h)
	return w.post(ctx, "periodic_summary", b.String())
}

func (w *Webhook) post(ctx context.Context, kind, text string) Report {
	if w == nil || w.url == "" {
		return notConfigured
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return w.failed(kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return w.failed(kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return w.failed(kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return w.failed(kind, fmt.Errorf("alert webhook returned %d", resp.StatusCode))
	}
	return Report{Sent: true, Configured: true}
}

func (w *Webhook) failed(kind string, err error) Report {
	w.log.Warn().Err(err).Str("alert", kind).Msg("alert delivery failed")
	return Report{Configured: true, Error: err.Error()}
}

// Nop discards every alert.
type Nop struct{}

func (Nop) NotifyPermanentFailure(context.Context, models.ConversionJob, error, int) Report {
	return notConfigured
}

func (Nop) NotifyPeriodicSummary(context.Context, models.QueueStats) Report {
	return notConfigured
}

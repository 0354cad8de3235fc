// Package convapi is the HTTP client for the external conversion-logging API.
package convapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shohag/convrelay/internal/signing"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "ConvRelay/1.0"

	IdempotencyHeader = "X-Idempotency-Key"

	maxResponseBody = 64 << 10
)

// ErrNoAPIKey is returned without contacting the API when neither the
// request nor the client carries a key.
var ErrNoAPIKey = errors.New("no conversion api key configured")

type Config struct {
	BaseURL string
	// APIKey is used when a request carries no key of its own.
	APIKey        string
	Timeout       time.Duration
	SigningSecret string
	UserAgent     string
}

type Request struct {
	Payload json.RawMessage
	// APIKey overrides Config.APIKey, typically with the brand's own key.
	APIKey         string
	IdempotencyKey string
}

type Result struct {
	Success      bool   `json:"success"`
	ConversionID string `json:"conversion_id,omitempty"`
}

// APIError is returned for every failed send. StatusCode is 0 when no HTTP
// response was received.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
	Timeout    bool
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("conversion api unreachable: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("conversion api returned %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("conversion api returned %d", e.StatusCode)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

type Client struct {
	cfg  Config
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its timeout is left
// as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type responseBody struct {
	Success      *bool  `json:"success"`
	ConversionID string `json:"conversion_id"`
	ID           string `json:"id"`
	Error        string `json:"error"`
	Code         string `json:"code"`
}

// Send posts one conversion. A 2xx reply whose body says success:false is
// reported as an *APIError with a status derived from its error code.
func (c *Client) Send(ctx context.Context, req Request) (*Result, error) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/conversions", bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("build conversion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}
	if c.cfg.SigningSecret != "" {
		sig, ts := signing.Sign(c.cfg.SigningSecret, req.Payload)
		httpReq.Header.Set(signing.TimestampHeader, strconv.FormatInt(ts, 10))
		httpReq.Header.Set(signing.SignatureHeader, sig)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &APIError{Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &APIError{Err: fmt.Errorf("read response: %w", err), Timeout: isTimeout(err)}
	}

	var body responseBody
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw), Message: body.Error}
	}

	if body.Success != nil && !*body.Success {
		return nil, &APIError{
			StatusCode: statusForCode(body.Code),
			Body:       string(raw),
			Message:    firstNonEmpty(body.Error, "rejected by conversion api"),
		}
	}

	return &Result{Success: true, ConversionID: firstNonEmpty(body.ConversionID, body.ID)}, nil
}

// statusForCode maps application error codes in a 2xx body onto the HTTP
// status the retry policy understands.
func statusForCode(code string) int {
	switch strings.ToLower(code) {
	case "rate_limited":
		return http.StatusTooManyRequests
	case "temporarily_unavailable", "internal_error":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusRequestTimeout
	case "unauthorized", "invalid_api_key":
		return http.StatusUnauthorized
	default:
		return http.StatusUnprocessableEntity
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package conversion

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shohag/convrelay/internal/convapi"
)

type Class string

const (
	ClassRetryable Class = "retryable"
	ClassFatal     Class = "fatal"
	// ClassUnclassified errors are retried, but logged separately so a
	// persistent non-HTTP failure is visible before it exhausts attempts.
	ClassUnclassified Class = "unclassified"
)

// Classification is the retry decision for one failed delivery.
type Classification struct {
	Class      Class
	StatusCode int
	Code       string
	Body       string
}

func (c Classification) Retryable() bool {
	return c.Class != ClassFatal
}

// Classify maps a send error onto the retry policy. A missing API key is
// retried under its own code so jobs survive until a key is configured.
func Classify(err error) Classification {
	if errors.Is(err, convapi.ErrNoAPIKey) {
		return Classification{Class: ClassRetryable, Code: "MISSING_API_KEY"}
	}

	var apiErr *convapi.APIError
	if !errors.As(err, &apiErr) {
		return Classification{Class: ClassUnclassified, Code: "UNCLASSIFIED"}
	}

	c := Classification{StatusCode: apiErr.StatusCode, Body: apiErr.Body}
	status := apiErr.StatusCode
	switch {
	case status == 0 && apiErr.Timeout:
		c.Class, c.Code = ClassRetryable, "TIMEOUT"
	case status == 0:
		c.Class, c.Code = ClassRetryable, "NETWORK_ERROR"
	case status >= 500,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		c.Class, c.Code = ClassRetryable, httpCode(status)
	case status >= 400:
		c.Class, c.Code = ClassFatal, httpCode(status)
	default:
		c.Class, c.Code = ClassUnclassified, httpCode(status)
	}
	return c
}

func httpCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// Package signing implements the timestamped HMAC-SHA256 scheme used on
// both sides of the relay: storefronts sign order webhooks with the brand's
// webhook secret, and the relay signs conversion API requests.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	TimestampHeader = "X-ConvRelay-Timestamp"
	SignatureHeader = "X-ConvRelay-Signature"

	// DefaultTolerance bounds how old a signed timestamp may be.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrExpiredTimestamp = errors.New("signature timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature mismatch")
)

func Sign(secret string, payload []byte) (signature string, timestamp int64) {
	return SignAt(secret, payload, time.Now())
}

func SignAt(secret string, payload []byte, at time.Time) (signature string, timestamp int64) {
	timestamp = at.Unix()
	return compute(secret, payload, timestamp), timestamp
}

func Verify(secret string, payload []byte, timestamp int64, signature string) bool {
	return hmac.Equal([]byte(compute(secret, payload, timestamp)), []byte(signature))
}

// VerifyHeaders checks raw header values as received on an inbound request.
// A zero tolerance disables the freshness check.
func VerifyHeaders(secret string, payload []byte, timestampHeader, signature string, now time.Time, tolerance time.Duration) error {
	if signature == "" || timestampHeader == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrExpiredTimestamp
		}
	}
	if !Verify(secret, payload, ts, signature) {
		return ErrBadSignature
	}
	return nil
}

func compute(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

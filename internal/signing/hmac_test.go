package signing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"order":{"id":"o-1"}}`)
	sig, ts := Sign("whsec_test", payload)

	assert.True(t, Verify("whsec_test", payload, ts, sig))
	assert.False(t, Verify("whsec_other", payload, ts, sig))
	assert.False(t, Verify("whsec_test", []byte(`{}`), ts, sig))
	assert.False(t, Verify("whsec_test", payload, ts+1, sig))
}

func TestVerifyHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"x"}`)
	sig, ts := SignAt("secret", payload, now)
	tsHeader := strconv.FormatInt(ts, 10)

	tests := []struct {
		name      string
		timestamp string
		signature string
		now       time.Time
		want      error
	}{
		{"valid", tsHeader, sig, now, nil},
		{"valid within tolerance", tsHeader, sig, now.Add(4 * time.Minute), nil},
		{"missing signature", tsHeader, "", now, ErrMissingSignature},
		{"missing timestamp", "", sig, now, ErrMissingSignature},
		{"garbage timestamp", "yesterday", sig, now, ErrInvalidTimestamp},
		{"too old", tsHeader, sig, now.Add(10 * time.Minute), ErrExpiredTimestamp},
		{"from the future", tsHeader, sig, now.Add(-10 * time.Minute), ErrExpiredTimestamp},
		{"tampered", tsHeader, "v1=deadbeef", now, ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyHeaders("secret", payload, tt.timestamp, tt.signature, tt.now, DefaultTolerance)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyHeadersZeroToleranceSkipsFreshness(t *testing.T) {
	payload := []byte(`{}`)
	sig, ts := SignAt("secret", payload, time.Unix(1000, 0))
	err := VerifyHeaders("secret", payload, strconv.FormatInt(ts, 10), sig, time.Now(), 0)
	assert.NoError(t, err)
}

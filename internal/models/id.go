package models

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/oklog/ulid/v2"
)

// NewID returns prefix_ULID. ulid.Make is monotonic within the process, so
// ids minted in the same millisecond still sort in creation order.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

const webhookSecretBytes = 24

// NewWebhookSecret returns the shared secret a storefront uses to sign order
// webhooks.
func NewWebhookSecret() string {
	b := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return "whsec_" + hex.EncodeToString(b)
}

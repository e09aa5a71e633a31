// Package cookie implements the tamper-evident codec for the transient flow
// state carried across the browser hop. The sealed blob is integrity-only,
// not confidential: the payload is visible to anyone who base64-decodes it
// and must never contain secrets.
package cookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const keyLength = 32

// Name is the cookie the sealed flow state travels in.
const Name = "oauth_state"

// Codec seals and unseals opaque payloads with an HMAC-SHA256 trailer.
type Codec struct {
	key []byte
}

// NewCodec derives the fixed-length MAC key from the configured secret by
// truncating or right-padding it to 32 bytes.
func NewCodec(secret string) *Codec {
	key := []byte(secret)
	if len(key) > keyLength {
		key = key[:keyLength]
	}
	for len(key) < keyLength {
		key = append(key, '0')
	}

	return &Codec{key: key}
}

// Seal returns base64(payload || HMAC-SHA256(payload)).
func (c *Codec) Seal(payload []byte) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)

	combined := make([]byte, 0, len(payload)+sha256.Size)
	combined = append(combined, payload...)
	combined = mac.Sum(combined)

	return base64.StdEncoding.EncodeToString(combined)
}

// Unseal verifies the MAC trailer and returns the payload. Any mismatch
// (corruption, tampering, wrong key) yields (nil, false); it never reports
// which check failed.
func (c *Codec) Unseal(token string) ([]byte, bool) {
	combined, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(combined) < sha256.Size {
		return nil, false
	}

	payload := combined[:len(combined)-sha256.Size]
	tag := combined[len(combined)-sha256.Size:]

	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)

	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, false
	}

	return payload, true
}

// FlowState is the transient consent-to-callback state sealed into the
// browser cookie. ExternalState is the client application's own CSRF value,
// stored and echoed verbatim but never interpreted. CorrelationToken is the
// broker-generated value that must match the upstream state parameter before
// a callback is trusted.
type FlowState struct {
	ClientID         string `json:"client_id"`
	RedirectURI      string `json:"redirect_uri"`
	ExternalState    string `json:"external_state,omitempty"`
	Scope            string `json:"scope"`
	CorrelationToken string `json:"correlation_token"`
}

// SealState seals a flow state for cookie transport.
func (c *Codec) SealState(state *FlowState) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal flow state: %w", err)
	}

	return c.Seal(payload), nil
}

// UnsealState unseals and decodes a flow state. A bad seal, malformed JSON,
// or a record missing its required fields all yield (nil, false).
func (c *Codec) UnsealState(token string) (*FlowState, bool) {
	payload, ok := c.Unseal(token)
	if !ok {
		return nil, false
	}

	var state FlowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, false
	}

	if state.ClientID == "" || state.RedirectURI == "" || state.CorrelationToken == "" {
		return nil, false
	}

	return &state, true
}

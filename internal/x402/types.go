package x402

import (
	"errors"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion is the challenge format version issued by the gateway.
const ProtocolVersion = "2.0"

// ErrMalformedEnvelope indicates an X-Payment header that is not valid JSON.
// This is a client error (400) and is never retried against the facilitator.
var ErrMalformedEnvelope = errors.New("payment envelope is not valid JSON")

// Challenge describes the payment required to access a resource. It is
// attached to 402 responses both as the X-Payment-Required header and as
// the paymentRequired body field, so callers may use either transport.
type Challenge struct {
	Version     string `json:"version" validate:"required"`
	Network     string `json:"network" validate:"required"`
	Recipient   string `json:"recipient" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Asset       string `json:"asset" validate:"required"`
	Description string `json:"description,omitempty"`
	Facilitator string `json:"facilitator,omitempty"`
	Expires     string `json:"expires,omitempty"`
}

// NewChallenge builds a challenge for the given endpoint with a validity
// window of ttl from now.
func NewChallenge(endpoint, network, recipient string, amount int64, asset, facilitator string, ttl time.Duration) Challenge {
	return Challenge{
		Version:     ProtocolVersion,
		Network:     network,
		Recipient:   recipient,
		Amount:      strconv.FormatInt(amount, 10),
		Asset:       asset,
		Description: "Access to " + endpoint,
		Facilitator: facilitator,
		Expires:     time.Now().Add(ttl).UTC().Format(time.RFC3339),
	}
}

// PaymentData is the signed portion of an envelope. Its contents are opaque
// to the gateway; only the facilitator interprets them.
type PaymentData struct {
	Network   string `json:"network,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Nonce     int64  `json:"nonce,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
}

// Envelope is the client-supplied container for a constructed, signed
// payment, carried in the X-Payment header. Some clients wrap the payer
// under a nested payload object instead of the flat field; both shapes
// are accepted as a documented compatibility requirement.
type Envelope struct {
	Payer       string       `json:"payer,omitempty"`
	PaymentData *PaymentData `json:"paymentData,omitempty"`
	Signature   string       `json:"signature,omitempty"`
	TestMode    bool         `json:"testMode,omitempty"`

	// Payload is the nested compatibility shape.
	Payload *NestedPayload `json:"payload,omitempty"`
}

// NestedPayload carries payer identity for clients using the nested shape.
type NestedPayload struct {
	Payer string `json:"payer,omitempty"`
}

// PayerIdentity resolves the payer from either envelope shape. An envelope
// with no payer is attributed to "unknown" rather than rejected; the
// facilitator, not the parser, is the authoritative rejection path.
func (e *Envelope) PayerIdentity() string {
	if e.Payload != nil && e.Payload.Payer != "" {
		return e.Payload.Payer
	}
	if e.Payer != "" {
		return e.Payer
	}
	return "unknown"
}

// ParseEnvelope decodes a raw X-Payment header value.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	return &env, nil
}

// PayerFromHeader extracts the payer identity from a raw X-Payment header
// on a best-effort basis, for rate-limit attribution before the envelope
// is authoritatively parsed. Returns "" when no identity is available.
func PayerFromHeader(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return ""
	}
	if p := env.PayerIdentity(); p != "unknown" {
		return p
	}
	return ""
}

// PaymentRequirements is passed to the facilitator alongside the envelope.
// The resource URI binds verification to the endpoint being purchased so a
// valid payment cannot be replayed against a different resource.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// VerificationResult is the outcome of a facilitator verify call. It is
// used immediately and never persisted.
type VerificationResult struct {
	Valid         bool   `json:"valid"`
	SettlementRef string `json:"settlementRef,omitempty"`
	Error         string `json:"error,omitempty"`
}

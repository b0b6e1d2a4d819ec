package agent

import (
	"time"

	"paygate/internal/x402"
)

// Signer turns an accepted challenge into a signed payment envelope. Real
// signing lives in an external wallet; the client only packages the
// result per protocol shape.
type Signer interface {
	Sign(challenge x402.Challenge) (*x402.Envelope, error)
}

// StubSigner produces a stub-signed envelope so the retry state machine
// can be exercised without a signing capability (test mode).
type StubSigner struct {
	Payer string
}

func (s StubSigner) Sign(challenge x402.Challenge) (*x402.Envelope, error) {
	payer := s.Payer
	if payer == "" {
		payer = "test-agent-address"
	}
	return &x402.Envelope{
		Payer:     payer,
		Signature: "test-signature",
		TestMode:  true,
		PaymentData: &x402.PaymentData{
			Network:   challenge.Network,
			Recipient: challenge.Recipient,
			Amount:    challenge.Amount,
			Asset:     challenge.Asset,
			Nonce:     time.Now().UnixMilli(),
			Expiry:    challenge.Expires,
		},
	}, nil
}

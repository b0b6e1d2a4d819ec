package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrFacilitatorUnreachable marks transport failures and timeouts talking
// to the facilitator. Callers map it to a 500, distinct from a rejected
// payment (402), so clients can tell "try paying again" from "try later".
var ErrFacilitatorUnreachable = errors.New("facilitator unreachable")

type verifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	TransactionHash string `json:"transactionHash"`
	TxHash          string `json:"txHash"`
}

// Facilitator verifies payment envelopes against the external settlement
// authority. All calls are bounded by the configured timeout.
type Facilitator struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewFacilitator builds a client for the facilitator at baseURL.
func NewFacilitator(baseURL string, timeout time.Duration) *Facilitator {
	tr := &http.Transport{
		IdleConnTimeout:     60 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 64,
	}
	return &Facilitator{
		baseURL: baseURL,
		client:  &http.Client{Transport: tr, Timeout: timeout},
		timeout: timeout,
	}
}

// Verify submits the raw X-Payment header for verification, bound to the
// resource URL being purchased. A non-2xx facilitator response yields an
// invalid result with a nil error; transport failure or timeout yields an
// invalid result and ErrFacilitatorUnreachable. It never panics past this
// boundary.
func (f *Facilitator) Verify(ctx context.Context, rawEnvelope []byte, reqs PaymentRequirements) (*VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{
		X402Version:         1,
		PaymentHeader:       base64.StdEncoding.EncodeToString(rawEnvelope),
		PaymentRequirements: reqs,
	})
	if err != nil {
		return &VerificationResult{Valid: false, Error: err.Error()}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return &VerificationResult{Valid: false, Error: err.Error()}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return &VerificationResult{
			Valid: false,
			Error: "facilitator unreachable: " + err.Error(),
		}, fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &VerificationResult{
			Valid: false,
			Error: "facilitator error: " + string(respBody),
		}, nil
	}

	var vr verifyResponse
	_ = json.Unmarshal(respBody, &vr)

	ref := vr.TransactionHash
	if ref == "" {
		ref = vr.TxHash
	}
	return &VerificationResult{Valid: true, SettlementRef: ref}, nil
}

// DefaultRequirements builds the payment requirements for a resource from
// deployment constants. maxTimeoutSeconds mirrors the protocol default.
func DefaultRequirements(network, amount, resource, payTo, asset string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       "Access to paid API content",
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: 300,
		Asset:             asset,
	}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"paygate/internal/x402"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoChallenge is returned when a 402 response carries payment
// requirements in neither its body nor its header. This is a hard
// failure, not a retry condition.
var ErrNoChallenge = errors.New("no payment requirements received")

// ErrPaymentRejected is returned when the retry with an attached payment
// is refused. The client never re-pays automatically.
var ErrPaymentRejected = errors.New("payment rejected")

// Client is the calling side of the protocol: it issues a request,
// detects a payment challenge, pays once, and retries, with bounded
// backoff for transport faults and server-dictated waits for 429s.
type Client struct {
	httpClient  *http.Client
	signer      Signer
	baseURL     string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	validate    *validator.Validate
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxAttempts bounds the total request attempts.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the exponential backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// NewClient builds a retry client for the API at baseURL, constructing
// payments through signer.
func NewClient(baseURL string, signer Signer, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		signer:      signer,
		baseURL:     baseURL,
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
		maxDelay:    30 * time.Second,
		validate:    validator.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// response captures what one attempt needs from the server reply.
type response struct {
	status          int
	body            []byte
	paymentRequired string // X-Payment-Required header
	retryAfter      string // Retry-After header
}

// Fetch requests endpoint, paying if challenged. Backoff applies only to
// transport faults and unexpected statuses: a 402 transitions to paying
// and a 429 waits exactly the server-stated delay. Attempts and total
// backoff are bounded, so Fetch always terminates.
func (c *Client) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	url := c.baseURL + endpoint

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.get(ctx, url, "")
		if err != nil {
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		switch resp.status {
		case http.StatusOK:
			return resp.body, nil

		case http.StatusPaymentRequired:
			return c.pay(ctx, url, resp)

		case http.StatusTooManyRequests:
			wait := resp.waitHint()
			log.Printf("agent: rate limited, waiting %s", wait)
			lastErr = fmt.Errorf("rate limited (retry after %s)", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}

		default:
			lastErr = fmt.Errorf("unexpected status %d", resp.status)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// pay handles the single paid retry. Signing failures are terminal:
// payment construction is never retried blindly.
func (c *Client) pay(ctx context.Context, url string, challenged *response) ([]byte, error) {
	challenge, err := c.parseChallenge(challenged)
	if err != nil {
		return nil, err
	}

	envelope, err := c.signer.Sign(*challenge)
	if err != nil {
		return nil, fmt.Errorf("payment construction failed: %w", err)
	}
	header, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("payment construction failed: %w", err)
	}

	log.Printf("agent: retrying %s with payment (payer=%s)", url, envelope.PayerIdentity())
	resp, err := c.get(ctx, url, string(header))
	if err != nil {
		return nil, fmt.Errorf("paid retry failed: %w", err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrPaymentRejected, resp.status, truncate(resp.body))
	}
	return resp.body, nil
}

// parseChallenge reads payment requirements from the 402 body first, then
// from the X-Payment-Required header (compatibility fallback).
func (c *Client) parseChallenge(resp *response) (*x402.Challenge, error) {
	var parsed struct {
		PaymentRequired *x402.Challenge `json:"paymentRequired"`
	}
	_ = json.Unmarshal(resp.body, &parsed)
	challenge := parsed.PaymentRequired

	if challenge == nil && resp.paymentRequired != "" {
		var fromHeader x402.Challenge
		if err := json.Unmarshal([]byte(resp.paymentRequired), &fromHeader); err == nil {
			challenge = &fromHeader
		}
	}
	if challenge == nil {
		return nil, ErrNoChallenge
	}
	if err := c.validate.Struct(challenge); err != nil {
		return nil, fmt.Errorf("incomplete payment requirements: %w", err)
	}
	return challenge, nil
}

func (c *Client) get(ctx context.Context, url, paymentHeader string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if paymentHeader != "" {
		req.Header.Set("X-Payment", paymentHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &response{
		status:          resp.StatusCode,
		body:            body,
		paymentRequired: resp.Header.Get("X-Payment-Required"),
		retryAfter:      resp.Header.Get("Retry-After"),
	}, nil
}

// waitHint resolves the 429 wait: the Retry-After header dictates it,
// with the body's retryAfter field as fallback.
func (r *response) waitHint() time.Duration {
	if r.retryAfter != "" {
		if secs, err := strconv.Atoi(r.retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var parsed struct {
		RetryAfter int `json:"retryAfter"`
	}
	if err := json.Unmarshal(r.body, &parsed); err == nil && parsed.RetryAfter > 0 {
		return time.Duration(parsed.RetryAfter) * time.Second
	}
	return 2 * time.Second
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	if attempt >= c.maxAttempts-1 {
		return nil
	}
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	log.Printf("agent: backing off %s before retry", delay)
	return sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

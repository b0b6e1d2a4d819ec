package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"paygate/internal/agent"
	"paygate/internal/broadcast"
	"paygate/internal/config"
	httpctx "paygate/internal/http/ctx"
	"paygate/internal/metrics"
	"paygate/internal/ratelimit"
	"paygate/internal/x402"
)

type stubVerifier struct {
	result *x402.VerificationResult
	err    error

	calls        int
	lastEnvelope []byte
	lastReqs     x402.PaymentRequirements
}

func (s *stubVerifier) Verify(_ context.Context, rawEnvelope []byte, reqs x402.PaymentRequirements) (*x402.VerificationResult, error) {
	s.calls++
	s.lastEnvelope = append([]byte(nil), rawEnvelope...)
	s.lastReqs = reqs
	return s.result, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		Network:            "eip155:80002",
		NetworkName:        "Polygon Amoy Testnet",
		AssetAddress:       "0xAsset",
		AssetDecimals:      6,
		FacilitatorURL:     "https://facilitator.example",
		FacilitatorTimeout: time.Second,
		ReceiverWallet:     "0xReceiver",
		PaymentAmount:      1000,
		ChallengeTTL:       5 * time.Minute,
		CoarseLimit:        100,
		CoarseWindow:       60 * time.Second,
		StrictLimit:        10,
		StrictWindow:       10 * time.Second,
	}
}

func newTestGateway(cfg *config.Config, v Verifier) (*Gateway, *metrics.Aggregator) {
	agg := metrics.NewAggregator()
	limiter := ratelimit.New(
		ratelimit.Tier{Limit: cfg.CoarseLimit, Window: cfg.CoarseWindow},
		ratelimit.Tier{Limit: cfg.StrictLimit, Window: cfg.StrictWindow},
	)
	return New(cfg, v, limiter, agg, broadcast.NewHub()), agg
}

func doRequest(gw *Gateway, uri, payment string) *fasthttp.RequestCtx {
	var served bool
	return doRequestWith(gw, uri, payment, &served)
}

func doRequestWith(gw *Gateway, uri, payment string, served *bool) *fasthttp.RequestCtx {
	handler := gw.Protect(func(ctx *fasthttp.RequestCtx) {
		*served = true
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"success":true}`)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI(uri)
	if payment != "" {
		ctx.Request.Header.Set("X-Payment", payment)
	}
	handler(&ctx)
	return &ctx
}

func TestProtect_IssuesChallenge(t *testing.T) {
	v := &stubVerifier{}
	gw, agg := newTestGateway(testConfig(), v)

	ctx := doRequest(gw, "http://api/api/v1/stablecoins/arc", "")

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", got)
	}
	if v.calls != 0 {
		t.Error("no facilitator call should happen without an envelope")
	}

	var body struct {
		Error           string          `json:"error"`
		PaymentRequired *x402.Challenge `json:"paymentRequired"`
		Instructions    map[string]any  `json:"instructions"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("challenge body not JSON: %v", err)
	}
	if body.Error != "Payment Required" {
		t.Errorf("unexpected error field %q", body.Error)
	}
	if body.PaymentRequired == nil {
		t.Fatal("missing paymentRequired in challenge body")
	}
	c := body.PaymentRequired
	if c.Amount != "1000" {
		t.Errorf("expected amount \"1000\", got %q", c.Amount)
	}
	if c.Version != x402.ProtocolVersion || c.Network != "eip155:80002" || c.Recipient != "0xReceiver" {
		t.Errorf("unexpected challenge: %+v", c)
	}
	if c.Asset != "eip155:80002/erc20:0xAsset" {
		t.Errorf("unexpected asset %q", c.Asset)
	}
	if len(body.Instructions) != 3 {
		t.Errorf("expected 3 instruction steps, got %d", len(body.Instructions))
	}

	// The header carries the same challenge.
	var fromHeader x402.Challenge
	header := ctx.Response.Header.Peek("X-Payment-Required")
	if err := json.Unmarshal(header, &fromHeader); err != nil {
		t.Fatalf("X-Payment-Required not JSON: %v", err)
	}
	if fromHeader != *c {
		t.Errorf("header and body challenges differ:\n%+v\n%+v", fromHeader, *c)
	}

	// A challenge is a hit, not a transaction.
	snap := agg.Snapshot()
	if snap.TotalRequests != 0 {
		t.Errorf("challenge must not record a transaction, got %d", snap.TotalRequests)
	}
	if snap.RequestsPerMinute != 1 {
		t.Errorf("challenge should count toward the request rate, got %d", snap.RequestsPerMinute)
	}
}

func TestProtect_ValidPayment(t *testing.T) {
	v := &stubVerifier{result: &x402.VerificationResult{Valid: true, SettlementRef: "0xhash"}}
	gw, agg := newTestGateway(testConfig(), v)

	var served bool
	ctx := doRequestWith(gw, "http://api/api/v1/stablecoins/arc", `{"payer":"0xAgent","signature":"0xsig"}`, &served)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", got, ctx.Response.Body())
	}
	if !served {
		t.Fatal("business handler did not run")
	}
	if v.calls != 1 {
		t.Fatalf("expected one verification call, got %d", v.calls)
	}
	if v.lastReqs.Resource != "http://api/api/v1/stablecoins/arc" {
		t.Errorf("requirements must bind the request URI, got %q", v.lastReqs.Resource)
	}

	snap := agg.Snapshot()
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 || snap.FailedRequests != 0 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.TotalRevenue != 1000 {
		t.Errorf("expected revenue 1000, got %d", snap.TotalRevenue)
	}
	txs := agg.RecentTransactions(1)
	if len(txs) != 1 || txs[0].AgentKey != "0xAgent" || txs[0].SettlementRef != "0xhash" {
		t.Errorf("unexpected transaction record: %+v", txs)
	}
}

func TestProtect_MalformedEnvelope(t *testing.T) {
	v := &stubVerifier{}
	gw, agg := newTestGateway(testConfig(), v)

	ctx := doRequest(gw, "http://api/api/v1/crypto/trends", `{"payer":`)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
	if v.calls != 0 {
		t.Error("malformed envelopes must not reach the facilitator")
	}
	if agg.Snapshot().TotalRequests != 0 {
		t.Error("malformed envelopes must not record a transaction")
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body.Error != "Invalid Payment" {
		t.Errorf("unexpected error field %q", body.Error)
	}
}

func TestProtect_RejectedPayment(t *testing.T) {
	v := &stubVerifier{result: &x402.VerificationResult{Valid: false, Error: "invalid signature"}}
	gw, agg := newTestGateway(testConfig(), v)

	var served bool
	ctx := doRequestWith(gw, "http://api/api/v1/markets/latam", `{"payer":"0xAgent"}`, &served)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", got)
	}
	if served {
		t.Fatal("business handler must not run on a rejected payment")
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if body.Error != "Payment Invalid" || body.Message != "invalid signature" {
		t.Errorf("unexpected body: %+v", body)
	}

	snap := agg.Snapshot()
	if snap.FailedRequests != 1 || snap.SuccessfulRequests != 0 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.TotalRevenue != 0 {
		t.Errorf("rejected payments carry no revenue, got %d", snap.TotalRevenue)
	}
}

func TestProtect_FacilitatorUnreachable(t *testing.T) {
	v := &stubVerifier{
		result: &x402.VerificationResult{Valid: false, Error: "facilitator unreachable: connection refused"},
		err:    errors.New("facilitator unreachable: connection refused"),
	}
	gw, agg := newTestGateway(testConfig(), v)

	var served bool
	ctx := doRequestWith(gw, "http://api/api/v1/stablecoins/arc", `{"payer":"0xAgent"}`, &served)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if served {
		t.Fatal("business handler must not run when verification errors")
	}

	snap := agg.Snapshot()
	if snap.SuccessfulRequests != 0 || snap.FailedRequests != 1 {
		t.Errorf("verification outage must record a failed attempt only: %+v", snap)
	}
}

func TestProtect_TestModeSkipsVerification(t *testing.T) {
	cfg := testConfig()
	cfg.TestMode = true
	v := &stubVerifier{}
	gw, agg := newTestGateway(cfg, v)

	var captured *httpctx.PaymentInfo
	handler := gw.Protect(func(ctx *fasthttp.RequestCtx) {
		captured, _ = httpctx.PaymentFromCtx(ctx)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("http://api/api/v1/stablecoins/arc")
	ctx.Request.Header.Set("X-Payment", `{"payer":"0xAgent","testMode":true}`)
	handler(&ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}
	if v.calls != 0 {
		t.Error("test mode must never call the facilitator")
	}
	if captured == nil || !captured.TestMode || captured.Payer != "0xAgent" {
		t.Errorf("unexpected payment info: %+v", captured)
	}
	if agg.Snapshot().SuccessfulRequests != 1 {
		t.Error("test mode grants still record transactions")
	}
}

func TestProtect_RateLimited(t *testing.T) {
	cfg := testConfig()
	v := &stubVerifier{}
	gw, _ := newTestGateway(cfg, v)

	payment := `{"payer":"0xBusy"}`
	for i := 0; i < cfg.StrictLimit; i++ {
		ctx := doRequest(gw, "http://api/api/v1/stablecoins/arc", payment)
		if ctx.Response.StatusCode() == fasthttp.StatusTooManyRequests {
			t.Fatalf("request %d rate limited too early", i+1)
		}
	}

	ctx := doRequest(gw, "http://api/api/v1/stablecoins/arc", payment)
	if got := ctx.Response.StatusCode(); got != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "10" {
		t.Errorf("expected Retry-After 10, got %q", got)
	}

	var body struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("429 body not JSON: %v", err)
	}
	if body.Success || body.RetryAfter != 10 {
		t.Errorf("unexpected 429 body: %+v", body)
	}
}

func TestProtect_HandlerFailureAfterSettlement(t *testing.T) {
	v := &stubVerifier{result: &x402.VerificationResult{Valid: true, SettlementRef: "0xhash"}}
	gw, agg := newTestGateway(testConfig(), v)

	handler := gw.Protect(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("http://api/api/v1/stablecoins/arc")
	ctx.Request.Header.Set("X-Payment", `{"payer":"0xAgent"}`)
	handler(&ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusInternalServerError {
		t.Fatalf("handler status must reach the caller, got %d", got)
	}

	// The payment settled, so the attempt stays a successful transaction.
	snap := agg.Snapshot()
	if snap.SuccessfulRequests != 1 || snap.FailedRequests != 0 {
		t.Errorf("settled payment must record success despite handler failure: %+v", snap)
	}
	if snap.TotalRevenue != 1000 {
		t.Errorf("expected revenue 1000, got %d", snap.TotalRevenue)
	}
}

// exactVerifier accepts envelopes whose base64-decoded payload parses and
// matches the expected payer, approximating the facilitator contract.
type exactVerifier struct {
	wantPayer string
	calls     int
}

func (e *exactVerifier) Verify(_ context.Context, rawEnvelope []byte, _ x402.PaymentRequirements) (*x402.VerificationResult, error) {
	e.calls++
	env, err := x402.ParseEnvelope(rawEnvelope)
	if err != nil {
		return &x402.VerificationResult{Valid: false, Error: err.Error()}, nil
	}
	if env.PayerIdentity() != e.wantPayer {
		return &x402.VerificationResult{Valid: false, Error: "wrong payer"}, nil
	}
	return &x402.VerificationResult{Valid: true, SettlementRef: "0xsettled"}, nil
}

func TestProtect_ChallengeSignRetryRoundTrip(t *testing.T) {
	v := &exactVerifier{wantPayer: "test-agent-address"}
	gw, agg := newTestGateway(testConfig(), v)

	// First pass: unauthenticated request yields the challenge.
	first := doRequest(gw, "http://api/api/v1/stablecoins/arc", "")
	if first.Response.StatusCode() != fasthttp.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", first.Response.StatusCode())
	}
	var challenged struct {
		PaymentRequired *x402.Challenge `json:"paymentRequired"`
	}
	if err := json.Unmarshal(first.Response.Body(), &challenged); err != nil || challenged.PaymentRequired == nil {
		t.Fatalf("no challenge in 402 body: %v", err)
	}

	// Second pass: sign the challenge and retry with the envelope attached.
	envelope, err := agent.StubSigner{Payer: "test-agent-address"}.Sign(*challenged.PaymentRequired)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	header, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var served bool
	second := doRequestWith(gw, "http://api/api/v1/stablecoins/arc", string(header), &served)
	if got := second.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("paid retry should succeed, got %d: %s", got, second.Response.Body())
	}
	if !served || v.calls != 1 {
		t.Errorf("expected one verified grant, served=%v calls=%d", served, v.calls)
	}

	snap := agg.Snapshot()
	if snap.SuccessfulRequests != 1 || snap.UniqueAgents != 1 {
		t.Errorf("unexpected counters after round trip: %+v", snap)
	}
}

func TestProtect_EnvelopeReachesVerifierVerbatim(t *testing.T) {
	v := &stubVerifier{result: &x402.VerificationResult{Valid: true}}
	gw, _ := newTestGateway(testConfig(), v)

	raw := `{"payer":"0xAgent","paymentData":{"nonce":42},"signature":"0xsig"}`
	doRequest(gw, "http://api/api/v1/stablecoins/arc", raw)

	if string(v.lastEnvelope) != raw {
		t.Errorf("envelope must reach the verifier unmodified:\n%s\n%s", raw, v.lastEnvelope)
	}
	// Sanity check the header value survives a base64 round trip, since the
	// facilitator transport encodes it that way.
	encoded := base64.StdEncoding.EncodeToString(v.lastEnvelope)
	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	if string(decoded) != raw {
		t.Error("envelope does not survive base64 round trip")
	}
}

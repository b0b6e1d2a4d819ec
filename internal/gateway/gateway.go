package gateway

import (
	"context"
	"log"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"paygate/internal/broadcast"
	"paygate/internal/config"
	httpctx "paygate/internal/http/ctx"
	"paygate/internal/metrics"
	"paygate/internal/ratelimit"
	"paygate/internal/x402"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Verifier is the outbound payment verification seam, satisfied by
// *x402.Facilitator and by stubs in tests.
type Verifier interface {
	Verify(ctx context.Context, rawEnvelope []byte, reqs x402.PaymentRequirements) (*x402.VerificationResult, error)
}

// Gateway gates endpoints behind the pay-per-request protocol: it issues
// 402 challenges, parses envelopes, delegates verification, and feeds
// every completed attempt to the aggregator and broadcaster.
type Gateway struct {
	cfg      *config.Config
	verifier Verifier
	limiter  *ratelimit.Limiter
	agg      *metrics.Aggregator
	hub      *broadcast.Hub
}

// New wires a gateway from explicitly constructed collaborators so tests
// can instantiate isolated instances.
func New(cfg *config.Config, verifier Verifier, limiter *ratelimit.Limiter, agg *metrics.Aggregator, hub *broadcast.Hub) *Gateway {
	return &Gateway{cfg: cfg, verifier: verifier, limiter: limiter, agg: agg, hub: hub}
}

// Protect wraps a business handler with rate limiting and the payment
// state machine. Each request is a fresh pass through
// unpaid -> challenge | verifying -> granted | rejected.
func (g *Gateway) Protect(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		endpoint := string(ctx.Path())
		rawEnvelope := ctx.Request.Header.Peek("X-Payment")

		agentKey := x402.PayerFromHeader(rawEnvelope)
		if agentKey == "" {
			agentKey = ctx.RemoteAddr().String()
		}
		httpctx.SetAgentKey(ctx, agentKey)

		if d := g.limiter.Admit(agentKey, time.Now()); !d.Allowed {
			g.rejectRateLimited(ctx, agentKey, d)
			return
		}

		if len(rawEnvelope) == 0 {
			g.issueChallenge(ctx, endpoint, agentKey)
			return
		}

		env, err := x402.ParseEnvelope(rawEnvelope)
		if err != nil {
			// Malformed JSON is a client error; no verification attempt.
			respondJSON(ctx, fasthttp.StatusBadRequest, map[string]any{
				"error":   "Invalid Payment",
				"message": "X-Payment header must be valid JSON",
			})
			return
		}
		payer := env.PayerIdentity()

		if g.cfg.TestMode {
			// The single test-mode branch: verification is skipped entirely.
			log.Printf("gateway: TEST MODE grant for %s (payer=%s)", endpoint, payer)
			httpctx.SetPayment(ctx, &httpctx.PaymentInfo{Payer: payer, Verified: true, TestMode: true})
			g.invoke(ctx, next, endpoint, payer, "")
			return
		}

		// No replay-protection store here: nonce uniqueness is not enforced
		// at the gateway. The resource URI in the requirements binds the
		// payment to this endpoint, which is the only replay mitigation the
		// protocol specifies.
		reqs := x402.DefaultRequirements(
			g.cfg.Network,
			strconv.FormatInt(g.cfg.PaymentAmount, 10),
			ctx.URI().String(),
			g.cfg.ReceiverWallet,
			g.cfg.AssetAddress,
		)
		result, err := g.verifier.Verify(ctx, rawEnvelope, reqs)
		if result == nil {
			result = &x402.VerificationResult{Valid: false, Error: "no verification result"}
		}
		if err != nil {
			// Infrastructure fault, not a rejected payment: 500 so the
			// caller knows to retry later rather than re-pay.
			log.Printf("gateway: verification error for %s (payer=%s): %v", endpoint, payer, err)
			g.finishFailed(endpoint, payer, result.Error)
			respondJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{
				"error":   "Payment Verification Error",
				"message": "Failed to verify payment",
			})
			return
		}
		if !result.Valid {
			log.Printf("gateway: payment rejected for %s (payer=%s): %s", endpoint, payer, result.Error)
			g.finishFailed(endpoint, payer, result.Error)
			respondJSON(ctx, fasthttp.StatusPaymentRequired, map[string]any{
				"error":   "Payment Invalid",
				"message": result.Error,
			})
			return
		}

		httpctx.SetPayment(ctx, &httpctx.PaymentInfo{
			Payer:         payer,
			SettlementRef: result.SettlementRef,
			Verified:      true,
		})
		g.invoke(ctx, next, endpoint, payer, result.SettlementRef)
	}
}

// invoke runs the business handler and then unconditionally records the
// settled transaction. A handler failure after settlement is a distinct
// error path: the payment still cleared, so the transaction stays
// successful while the 5xx reaches the caller.
func (g *Gateway) invoke(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, endpoint, payer, settlementRef string) {
	next(ctx)
	if status := ctx.Response.StatusCode(); status >= 500 {
		log.Printf("gateway: handler failed after settlement on %s (status=%d)", endpoint, status)
	}
	tx := g.agg.Record(endpoint, payer, g.cfg.PaymentAmount, metrics.StatusSuccess, settlementRef, "")
	g.hub.PublishTransaction(tx)
	g.hub.PublishMetrics(g.agg.Snapshot())
}

func (g *Gateway) finishFailed(endpoint, payer, errorMessage string) {
	tx := g.agg.Record(endpoint, payer, 0, metrics.StatusFailed, "", errorMessage)
	g.hub.PublishTransaction(tx)
	g.hub.PublishMetrics(g.agg.Snapshot())
}

// issueChallenge answers an unauthenticated request with a 402. The
// challenge rides both the X-Payment-Required header and the body so
// callers may use either transport.
func (g *Gateway) issueChallenge(ctx *fasthttp.RequestCtx, endpoint, agentKey string) {
	g.agg.RecordHit()
	log.Printf("gateway: challenge issued for %s (agent=%s)", endpoint, agentKey)

	challenge := x402.NewChallenge(
		endpoint,
		g.cfg.Network,
		g.cfg.ReceiverWallet,
		g.cfg.PaymentAmount,
		g.cfg.Network+"/erc20:"+g.cfg.AssetAddress,
		g.cfg.FacilitatorURL,
		g.cfg.ChallengeTTL,
	)

	header, _ := json.Marshal(challenge)
	ctx.Response.Header.Set("X-Payment-Required", string(header))
	respondJSON(ctx, fasthttp.StatusPaymentRequired, map[string]any{
		"error":           "Payment Required",
		"message":         "This endpoint requires a payment of " + g.cfg.AmountFormatted(),
		"paymentRequired": challenge,
		"instructions": map[string]string{
			"step1": "Sign a payment transaction with your wallet",
			"step2": "Include the signed transaction in the X-Payment header",
			"step3": "Retry your request",
		},
	})
}

func (g *Gateway) rejectRateLimited(ctx *fasthttp.RequestCtx, agentKey string, d ratelimit.Decision) {
	secs := d.RetryAfterSeconds()
	log.Printf("gateway: rate limited agent=%s retryAfter=%ds", agentKey, secs)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	respondJSON(ctx, fasthttp.StatusTooManyRequests, map[string]any{
		"success":    false,
		"error":      "Too many requests",
		"message":    "Rate limit exceeded. Please slow down.",
		"retryAfter": secs,
	})
}

func respondJSON(ctx *fasthttp.RequestCtx, status int, body map[string]any) {
	payload, _ := json.Marshal(body)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

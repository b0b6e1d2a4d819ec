package ctx

import (
	"github.com/valyala/fasthttp"
)

const (
	PaymentKey  = "payment"
	AgentKeyKey = "agentKey"
)

// PaymentInfo is attached to a request once the gateway has granted it.
type PaymentInfo struct {
	Payer         string
	SettlementRef string
	Verified      bool
	TestMode      bool
}

func SetPayment(ctx *fasthttp.RequestCtx, p *PaymentInfo) {
	ctx.SetUserValue(PaymentKey, p)
}

func PaymentFromCtx(ctx *fasthttp.RequestCtx) (*PaymentInfo, bool) {
	v := ctx.UserValue(PaymentKey)
	if v == nil {
		return nil, false
	}
	p, ok := v.(*PaymentInfo)
	return p, ok
}

func SetAgentKey(ctx *fasthttp.RequestCtx, key string) {
	ctx.SetUserValue(AgentKeyKey, key)
}

func AgentKeyFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(AgentKeyKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

package handlers

import (
	"github.com/valyala/fasthttp"

	"paygate/internal/config"
	"paygate/internal/data"
)

// Knowledge returns a gated business handler serving the given payload
// generator. Payment has already been verified by the gateway by the time
// this runs; the payer is available on the request context.
func Knowledge(cfg *config.Config, endpoint string, generate func() map[string]any) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, map[string]any{
			"success":         true,
			"endpoint":        endpoint,
			"pricePerRequest": cfg.AmountFormatted(),
			"data":            generate(),
		})
	}
}

// Gated endpoint paths.
const (
	EndpointStablecoinsARC = "/api/v1/stablecoins/arc"
	EndpointMarketsLATAM   = "/api/v1/markets/latam"
	EndpointCryptoTrends   = "/api/v1/crypto/trends"
)

// ARCStablecoin serves Indian stablecoin data.
func ARCStablecoin(cfg *config.Config) fasthttp.RequestHandler {
	return Knowledge(cfg, EndpointStablecoinsARC, data.ARCStablecoin)
}

// LATAMMarkets serves LATAM market insights.
func LATAMMarkets(cfg *config.Config) fasthttp.RequestHandler {
	return Knowledge(cfg, EndpointMarketsLATAM, data.LATAMMarkets)
}

// CryptoTrends serves global crypto trend analysis.
func CryptoTrends(cfg *config.Config) fasthttp.RequestHandler {
	return Knowledge(cfg, EndpointCryptoTrends, data.CryptoTrends)
}

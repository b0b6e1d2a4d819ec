package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"paygate/internal/broadcast"
	"paygate/internal/config"
	"paygate/internal/metrics"
)

const apiVersion = "1.0.0"

// Health reports service status and deployment mode.
func Health(cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   apiVersion,
			"network":   cfg.NetworkName,
			"testMode":  cfg.TestMode,
		})
	}
}

// Catalog describes the API: protected endpoints with pricing, public
// endpoints, and payment parameters.
func Catalog(cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		price := cfg.AmountFormatted()
		protected := []map[string]any{
			{"path": EndpointStablecoinsARC, "description": "Real-time Indian Stablecoin (ARC) data", "price": price},
			{"path": EndpointMarketsLATAM, "description": "LATAM market insights and crypto adoption data", "price": price},
			{"path": EndpointCryptoTrends, "description": "Global crypto trends and market analysis", "price": price},
		}
		public := []map[string]any{
			{"path": "/health", "description": "Health check"},
			{"path": "/api", "description": "API information"},
			{"path": "/api/metrics/summary", "description": "Dashboard metrics"},
			{"path": "/api/metrics/transactions", "description": "Recent transactions"},
		}
		jsonResponse(ctx, map[string]any{
			"name":            "paygate",
			"version":         apiVersion,
			"description":     "Metered data endpoints behind a pay-per-request gate",
			"network":         cfg.NetworkName,
			"chainId":         cfg.ChainID,
			"facilitator":     cfg.FacilitatorURL,
			"pricePerRequest": price,
			"endpoints": map[string]any{
				"protected": protected,
				"public":    public,
			},
			"testMode": cfg.TestMode,
		})
	}
}

// MetricsSummary serves the dashboard snapshot with deployment config
// and live connection counts.
func MetricsSummary(cfg *config.Config, agg *metrics.Aggregator, hub *broadcast.Hub) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, map[string]any{
			"success":   true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"config": map[string]any{
				"network":         cfg.NetworkName,
				"chainId":         cfg.ChainID,
				"facilitator":     cfg.FacilitatorURL,
				"pricePerRequest": cfg.AmountFormatted(),
				"receiverWallet":  cfg.ReceiverWallet,
			},
			"metrics": agg.Snapshot(),
			"connections": map[string]any{
				"websocketClients": hub.Count(),
			},
		})
	}
}

// RecentTransactions serves the newest transactions, newest first.
func RecentTransactions(agg *metrics.Aggregator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit := 20
		if v := string(ctx.QueryArgs().Peek("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		txs := agg.RecentTransactions(limit)
		jsonResponse(ctx, map[string]any{
			"success":      true,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"count":        len(txs),
			"transactions": txs,
		})
	}
}

// EndpointMetrics serves the per-endpoint counters.
func EndpointMetrics(agg *metrics.Aggregator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, map[string]any{
			"success":   true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"endpoints": agg.Snapshot().EndpointMetrics,
		})
	}
}

// ResetMetrics clears all metrics state. Destructive; mounted behind
// admin auth.
func ResetMetrics(agg *metrics.Aggregator) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		agg.Reset()
		jsonResponse(ctx, map[string]any{
			"success":   true,
			"message":   "Metrics reset successfully",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

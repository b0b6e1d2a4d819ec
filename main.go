package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"paygate/internal/broadcast"
	"paygate/internal/config"
	"paygate/internal/db"
	"paygate/internal/gateway"
	"paygate/internal/http/handlers"
	appmw "paygate/internal/http/middleware"
	"paygate/internal/metrics"
	"paygate/internal/ratelimit"
	"paygate/internal/x402"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	aggOpts := []metrics.Option{
		metrics.WithSnapshotFile(cfg.MetricsFile),
		metrics.WithAmountFormatter(cfg.FormatAmount),
		metrics.WithCollectors(metrics.NewCollectors(prometheus.DefaultRegisterer)),
	}

	if cfg.DatabaseURL != "" {
		gdb, err := db.Connect(cfg)
		if err != nil {
			log.Fatalf("failed to connect database: %v", err)
		}
		db.StartRetentionWorker(gdb)
		aggOpts = append(aggOpts, metrics.WithArchiver(db.NewArchive(gdb, cfg.RetentionDays)))
		log.Printf("transaction archive enabled")
	}

	agg := metrics.NewAggregator(aggOpts...)
	hub := broadcast.NewHub()
	limiter := ratelimit.New(
		ratelimit.Tier{Limit: cfg.CoarseLimit, Window: cfg.CoarseWindow},
		ratelimit.Tier{Limit: cfg.StrictLimit, Window: cfg.StrictWindow},
	)
	facilitator := x402.NewFacilitator(cfg.FacilitatorURL, cfg.FacilitatorTimeout)
	gw := gateway.New(cfg, facilitator, limiter, agg, hub)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.Sweep(time.Now())
		}
	}()

	r := router.New()

	r.GET("/health", handlers.Health(cfg))
	r.GET("/api", handlers.Catalog(cfg))

	// Gated data endpoints: rate limiting and the payment state machine
	// run inside gw.Protect.
	r.GET(handlers.EndpointStablecoinsARC, gw.Protect(handlers.ARCStablecoin(cfg)))
	r.GET(handlers.EndpointMarketsLATAM, gw.Protect(handlers.LATAMMarkets(cfg)))
	r.GET(handlers.EndpointCryptoTrends, gw.Protect(handlers.CryptoTrends(cfg)))

	// Public dashboard API.
	r.GET("/api/metrics/summary", handlers.MetricsSummary(cfg, agg, hub))
	r.GET("/api/metrics/transactions", handlers.RecentTransactions(agg))
	r.GET("/api/metrics/endpoints", handlers.EndpointMetrics(agg))
	r.POST("/api/metrics/reset", appmw.AdminAuth(cfg.AdminToken)(handlers.ResetMetrics(agg)))

	// Real-time event stream and prometheus exposition.
	r.GET("/ws", broadcast.Handler(hub))
	r.GET("/metrics", metrics.ExpositionHandler(prometheus.DefaultGatherer))

	handler := handlers.RequestLogger(r.Handler)

	log.Printf("paygate listening on %s (network=%s price=%s facilitator=%s testMode=%v)",
		cfg.ListenAddr, cfg.NetworkName, cfg.AmountFormatted(), cfg.FacilitatorURL, cfg.TestMode)
	if cfg.TestMode {
		log.Printf("WARNING: running in TEST MODE - payments are not verified")
	}

	go func() {
		if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
	hub.Close()
	agg.Close()
}

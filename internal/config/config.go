package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	ListenAddr string

	// Network is the CAIP-2 identifier of the chain payments settle on.
	Network     string
	NetworkName string
	ChainID     int

	// AssetAddress is the ERC-20 token contract accepted as payment.
	AssetAddress  string
	AssetDecimals int

	// FacilitatorURL is the base URL of the external settlement authority
	// that verifies payment envelopes.
	FacilitatorURL     string
	FacilitatorTimeout time.Duration

	// ReceiverWallet is the address payments must be made out to.
	ReceiverWallet string

	// PaymentAmount is the fixed price per request in the asset's
	// smallest unit (1000 = 0.001 USDC at 6 decimals).
	PaymentAmount int64

	// ChallengeTTL is the validity window of an issued payment challenge.
	ChallengeTTL time.Duration

	// TestMode skips facilitator verification entirely. Never enable in
	// production; every grant is logged with a test-mode marker.
	TestMode bool

	// MetricsFile is the JSON snapshot file for metrics durability.
	MetricsFile string

	// DatabaseURL enables the Postgres transaction archive when set.
	DatabaseURL string

	// RetentionDays bounds how long archived transactions are kept.
	RetentionDays int

	// AdminToken guards destructive operator endpoints (metrics reset).
	// If empty, those endpoints are disabled.
	AdminToken string

	// Rate limiting tiers, both evaluated per agent key.
	CoarseLimit  int
	CoarseWindow time.Duration
	StrictLimit  int
	StrictWindow time.Duration
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		ListenAddr:         getenv("APP_LISTEN_ADDR", ":4021"),
		Network:            getenv("APP_NETWORK", "eip155:80002"),
		NetworkName:        getenv("APP_NETWORK_NAME", "Polygon Amoy Testnet"),
		ChainID:            80002,
		AssetAddress:       getenv("APP_ASSET_ADDRESS", "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"),
		AssetDecimals:      6,
		FacilitatorURL:     getenv("APP_FACILITATOR_URL", "https://facilitator.corbits.dev"),
		FacilitatorTimeout: 10 * time.Second,
		ReceiverWallet:     getenv("APP_RECEIVER_WALLET", "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"),
		PaymentAmount:      1000,
		ChallengeTTL:       5 * time.Minute,
		TestMode:           os.Getenv("APP_TEST_MODE") == "true",
		MetricsFile:        getenv("APP_METRICS_FILE", "data/metrics.json"),
		DatabaseURL:        os.Getenv("APP_DATABASE_URL"),
		RetentionDays:      30,
		AdminToken:         os.Getenv("APP_ADMIN_TOKEN"),
		CoarseLimit:        100,
		CoarseWindow:       60 * time.Second,
		StrictLimit:        10,
		StrictWindow:       10 * time.Second,
	}

	if v := os.Getenv("APP_PAYMENT_AMOUNT"); v != "" {
		if amount, err := strconv.ParseInt(v, 10, 64); err == nil && amount > 0 {
			cfg.PaymentAmount = amount
		}
	}
	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CoarseLimit = n
		}
	}
	if v := os.Getenv("APP_STRICT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StrictLimit = n
		}
	}

	return cfg
}

// FormatAmount renders n, given in the asset's smallest unit, in whole
// asset units, e.g. "0.001000 USDC" for n=1000 at 6 decimals.
func (c *Config) FormatAmount(n int64) string {
	denom := int64(1)
	for i := 0; i < c.AssetDecimals; i++ {
		denom *= 10
	}
	whole := n / denom
	frac := n % denom
	return strconv.FormatInt(whole, 10) + "." + pad(frac, c.AssetDecimals) + " USDC"
}

// AmountFormatted renders the per-request price.
func (c *Config) AmountFormatted() string {
	return c.FormatAmount(c.PaymentAmount)
}

func pad(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

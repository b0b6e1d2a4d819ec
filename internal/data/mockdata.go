// Package data generates the business payloads served behind the payment
// gate. The payloads are arbitrary JSON; only their endpoints matter to
// the protocol.
package data

import (
	"math/rand"
	"time"
)

// vary jitters base by up to percent in either direction so repeated
// purchases return fresh-looking data.
func vary(base float64, percent float64) float64 {
	delta := base * percent / 100
	return base + (rand.Float64()*2-1)*delta
}

// ARCStablecoin returns real-time Indian stablecoin (ARC) data.
func ARCStablecoin() map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"network":   "Polygon",
		"stablecoin": map[string]any{
			"name":        "ARC (Indian Rupee Coin)",
			"symbol":      "ARC",
			"pegCurrency": "INR",
		},
		"metrics": map[string]any{
			"currentPrice": map[string]any{
				"inr": vary(1.0, 0.5),
				"usd": vary(0.012, 1),
			},
			"totalSupply":       vary(150000000, 3),
			"circulatingSupply": vary(125000000, 3),
			"volume24h":         vary(8500000, 10),
			"holders":           int(vary(12500, 5)),
			"transactions24h":   int(vary(4500, 15)),
		},
		"reserves": map[string]any{
			"totalReserves": vary(128000000, 2),
			"reserveRatio":  vary(1.024, 1),
		},
		"regulatory": map[string]any{
			"status":          "RBI Sandbox Approved",
			"complianceScore": 94,
		},
	}
}

// LATAMMarkets returns LATAM market insight data.
func LATAMMarkets() map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"region":    "Latin America",
		"overview": map[string]any{
			"totalCryptoUsers":   int(vary(68000000, 5)),
			"yearOverYearGrowth": vary(42.5, 10),
			"dominantUseCase":    "Remittances",
		},
		"countries": []map[string]any{
			{"name": "Brazil", "code": "BR", "cryptoUsers": int(vary(25000000, 5)), "adoptionRate": vary(11.8, 8)},
			{"name": "Argentina", "code": "AR", "cryptoUsers": int(vary(12000000, 5)), "adoptionRate": vary(26.4, 8)},
			{"name": "Mexico", "code": "MX", "cryptoUsers": int(vary(10500000, 5)), "adoptionRate": vary(8.1, 8)},
			{"name": "Colombia", "code": "CO", "cryptoUsers": int(vary(6800000, 5)), "adoptionRate": vary(13.2, 8)},
		},
		"remittances": map[string]any{
			"annualVolumeUSD":   vary(145000000000, 3),
			"cryptoShare":       vary(9.5, 10),
			"avgFeeTraditional": vary(6.2, 5),
			"avgFeeCrypto":      vary(1.1, 10),
		},
	}
}

// CryptoTrends returns global crypto trend data.
func CryptoTrends() map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"scope":     "Global",
		"sentiment": map[string]any{
			"fearGreedIndex": int(vary(62, 20)),
			"classification": "Greed",
		},
		"sectors": []map[string]any{
			{"name": "AI x Crypto", "momentum": vary(8.7, 10), "volume24h": vary(4200000000, 12)},
			{"name": "RWA Tokenization", "momentum": vary(7.9, 10), "volume24h": vary(2800000000, 12)},
			{"name": "DePIN", "momentum": vary(6.4, 10), "volume24h": vary(1500000000, 12)},
			{"name": "Stablecoins", "momentum": vary(7.2, 10), "volume24h": vary(95000000000, 8)},
		},
		"signals": map[string]any{
			"institutionalFlows": vary(1250000000, 15),
			"activeAddresses":    int(vary(1150000, 8)),
			"defiTVL":            vary(98000000000, 5),
		},
	}
}

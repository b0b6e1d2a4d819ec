package config

import "testing"

func TestFormatAmount(t *testing.T) {
	cfg := &Config{PaymentAmount: 1000, AssetDecimals: 6}

	cases := []struct {
		name   string
		amount int64
		want   string
	}{
		{"zero", 0, "0.000000 USDC"},
		{"single price", 1000, "0.001000 USDC"},
		{"accumulated revenue", 3000, "0.003000 USDC"},
		{"whole unit", 1000000, "1.000000 USDC"},
		{"mixed", 2500500, "2.500500 USDC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cfg.FormatAmount(tc.amount); got != tc.want {
				t.Errorf("FormatAmount(%d) = %q, want %q", tc.amount, got, tc.want)
			}
		})
	}
}

func TestAmountFormatted(t *testing.T) {
	cfg := &Config{PaymentAmount: 1000, AssetDecimals: 6}
	if got := cfg.AmountFormatted(); got != "0.001000 USDC" {
		t.Errorf("AmountFormatted() = %q, want %q", got, "0.001000 USDC")
	}
}

// Command agent is the demo buyer: it requests gated endpoints, handles
// payment challenges, and reports a summary.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"paygate/internal/agent"
)

var (
	endpointFlag string
	loopFlag     int
	delayFlag    float64
	testModeFlag bool
	apiURLFlag   string
)

var endpoints = map[string]string{
	"arc":    "/api/v1/stablecoins/arc",
	"latam":  "/api/v1/markets/latam",
	"trends": "/api/v1/crypto/trends",
}

var rootCmd = &cobra.Command{
	Use:           "agent",
	Short:         "paygate demo agent — requests gated data and pays per the x402 protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		apiURL := apiURLFlag
		if apiURL == "" {
			apiURL = getenv("API_URL", "http://localhost:4021")
		}

		var targets []string
		if endpointFlag == "all" {
			targets = []string{endpoints["arc"], endpoints["latam"], endpoints["trends"]}
		} else {
			ep, ok := endpoints[endpointFlag]
			if !ok {
				return fmt.Errorf("unknown endpoint %q (want arc, latam, trends, or all)", endpointFlag)
			}
			targets = []string{ep}
		}

		// Real wallet signing is an external capability; only the stub is
		// bundled, so --test-mode is required for now.
		if !testModeFlag {
			return fmt.Errorf("no wallet configured; run with --test-mode")
		}
		client := agent.NewClient(apiURL, agent.StubSigner{})

		log.Printf("agent demo: api=%s endpoints=%d loops=%d", apiURL, len(targets), loopFlag)

		total, succeeded := 0, 0
		for loop := 0; loop < loopFlag; loop++ {
			for _, ep := range targets {
				total++
				body, err := client.Fetch(context.Background(), ep)
				if err != nil {
					log.Printf("FAILED %s: %v", ep, err)
					continue
				}
				succeeded++
				log.Printf("OK %s (%d bytes)", ep, len(body))
				time.Sleep(time.Duration(delayFlag * float64(time.Second)))
			}
		}

		log.Printf("demo complete: total=%d successful=%d failed=%d", total, succeeded, total-succeeded)
		return nil
	},
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	rootCmd.Flags().StringVarP(&endpointFlag, "endpoint", "e", "all", "endpoint to request (arc, latam, trends, all)")
	rootCmd.Flags().IntVarP(&loopFlag, "loop", "l", 1, "number of request loops")
	rootCmd.Flags().Float64VarP(&delayFlag, "delay", "d", 2, "delay between requests in seconds")
	rootCmd.Flags().BoolVarP(&testModeFlag, "test-mode", "t", false, "run with stub payments (no real signing)")
	rootCmd.Flags().StringVar(&apiURLFlag, "api-url", "", "override API URL")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

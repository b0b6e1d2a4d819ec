package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"paygate/internal/config"
)

func TestRecord_EndpointInvariant(t *testing.T) {
	a := NewAggregator()

	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "0xabc", "")
	a.Record("/api/v1/a", "agent-2", 0, StatusFailed, "", "verification failed")
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "0xdef", "")
	a.Record("/api/v1/b", "agent-3", 1000, StatusSuccess, "", "")

	snap := a.Snapshot()
	for _, em := range snap.EndpointMetrics {
		if em.TotalRequests != em.SuccessfulRequests+em.FailedRequests {
			t.Errorf("endpoint %s: total=%d success=%d failed=%d",
				em.Endpoint, em.TotalRequests, em.SuccessfulRequests, em.FailedRequests)
		}
	}
	if snap.TotalRequests != 4 || snap.SuccessfulRequests != 3 || snap.FailedRequests != 1 {
		t.Errorf("unexpected global counters: %+v", snap)
	}
}

func TestRecord_RevenueIsSumOfSuccesses(t *testing.T) {
	a := NewAggregator()

	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")
	// A failed attempt carries no revenue even if an amount sneaks in.
	a.Record("/api/v1/a", "agent-1", 1000, StatusFailed, "", "rejected")

	snap := a.Snapshot()
	if snap.TotalRevenue != 2000 {
		t.Errorf("expected revenue 2000, got %d", snap.TotalRevenue)
	}
}

func TestSnapshot_Idempotent(t *testing.T) {
	a := NewAggregator()
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")
	a.Record("/api/v1/b", "agent-2", 1000, StatusFailed, "", "bad payment")

	first := a.Snapshot()
	second := a.Snapshot()

	if first.TotalRequests != second.TotalRequests ||
		first.SuccessfulRequests != second.SuccessfulRequests ||
		first.FailedRequests != second.FailedRequests ||
		first.TotalRevenue != second.TotalRevenue ||
		first.UniqueAgents != second.UniqueAgents {
		t.Errorf("snapshots differ without intervening record:\n%+v\n%+v", first, second)
	}
}

func TestRecord_TransactionFields(t *testing.T) {
	a := NewAggregator(WithAmountFormatter(func(n int64) string { return "0.001000 USDC" }))

	tx := a.Record("/api/v1/a", "0xPayer", 1000, StatusSuccess, "0xhash", "")
	if tx.ID == "" {
		t.Error("expected generated transaction id")
	}
	if tx.Endpoint != "/api/v1/a" || tx.AgentKey != "0xPayer" || tx.Amount != 1000 {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.SettlementRef != "0xhash" {
		t.Errorf("expected settlement ref, got %q", tx.SettlementRef)
	}
	if tx.AmountFormatted != "0.001000 USDC" {
		t.Errorf("expected formatted amount, got %q", tx.AmountFormatted)
	}

	failed := a.Record("/api/v1/a", "0xPayer", 500, StatusFailed, "", "verification failed")
	if failed.Amount != 0 {
		t.Errorf("failed transaction must carry zero amount, got %d", failed.Amount)
	}
	if failed.ErrorMessage != "verification failed" {
		t.Errorf("expected error message, got %q", failed.ErrorMessage)
	}
	if failed.ID == tx.ID {
		t.Error("transaction ids must never repeat")
	}
}

func TestSnapshot_RevenueFormattedTracksRevenue(t *testing.T) {
	// Same formatter wiring as main: the config method, not a fixed string.
	cfg := &config.Config{PaymentAmount: 1000, AssetDecimals: 6}
	a := NewAggregator(WithAmountFormatter(cfg.FormatAmount))

	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "", "")

	snap := a.Snapshot()
	if snap.TotalRevenue != 3000 {
		t.Fatalf("expected revenue 3000, got %d", snap.TotalRevenue)
	}
	if snap.RevenueFormatted != "0.003000 USDC" {
		t.Errorf("RevenueFormatted must render accumulated revenue, got %q", snap.RevenueFormatted)
	}

	failed := a.Record("/api/v1/a", "agent-1", 1000, StatusFailed, "", "rejected")
	if failed.AmountFormatted != "0.000000 USDC" {
		t.Errorf("failed transactions render their zero amount, got %q", failed.AmountFormatted)
	}
}

func TestRecentTransactions_NewestFirst(t *testing.T) {
	a := NewAggregator()
	a.Record("/a", "agent", 1, StatusSuccess, "", "")
	a.Record("/b", "agent", 1, StatusSuccess, "", "")
	a.Record("/c", "agent", 1, StatusSuccess, "", "")

	txs := a.RecentTransactions(2)
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Endpoint != "/c" || txs[1].Endpoint != "/b" {
		t.Errorf("expected newest first, got %s then %s", txs[0].Endpoint, txs[1].Endpoint)
	}
}

func TestRecord_UniqueAgents(t *testing.T) {
	a := NewAggregator()
	a.Record("/a", "agent-1", 1, StatusSuccess, "", "")
	a.Record("/a", "agent-1", 1, StatusSuccess, "", "")
	a.Record("/a", "agent-2", 1, StatusFailed, "", "x")

	if got := a.Snapshot().UniqueAgents; got != 2 {
		t.Errorf("expected 2 unique agents, got %d", got)
	}
}

func TestRecordHit_CountsTowardRate(t *testing.T) {
	a := NewAggregator()
	a.RecordHit()
	a.RecordHit()

	if got := a.Snapshot().RequestsPerMinute; got != 2 {
		t.Errorf("expected rate 2, got %d", got)
	}
}

func TestHourlyBuckets(t *testing.T) {
	now := time.Now().UTC()
	txs := []Transaction{
		{Timestamp: now, Status: StatusSuccess, Amount: 1000},
		{Timestamp: now.Add(-time.Hour), Status: StatusFailed},
		{Timestamp: now.Add(-30 * time.Hour), Status: StatusSuccess, Amount: 1000},
	}

	buckets := hourlyLocked(txs, now)
	if len(buckets) != 24 {
		t.Fatalf("expected 24 buckets, got %d", len(buckets))
	}

	var requests, revenue int64
	for _, b := range buckets {
		requests += b.Requests
		revenue += b.Revenue
	}
	if requests != 2 {
		t.Errorf("expected 2 requests inside the 24h window, got %d", requests)
	}
	if revenue != 1000 {
		t.Errorf("expected revenue 1000 inside the window, got %d", revenue)
	}
	if buckets[23].Requests != 1 {
		t.Errorf("expected current-hour bucket to hold 1 request, got %d", buckets[23].Requests)
	}
}

func TestSnapshotPersistence_Reload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "metrics.json")

	a := NewAggregator(WithSnapshotFile(file))
	a.Record("/api/v1/a", "agent-1", 1000, StatusSuccess, "0xabc", "")
	a.Record("/api/v1/a", "agent-2", 0, StatusFailed, "", "bad")
	a.Close()

	reloaded := NewAggregator(WithSnapshotFile(file))
	defer reloaded.Close()

	snap := reloaded.Snapshot()
	if snap.TotalRequests != 2 || snap.SuccessfulRequests != 1 || snap.FailedRequests != 1 {
		t.Errorf("reloaded counters wrong: %+v", snap)
	}
	if snap.TotalRevenue != 1000 {
		t.Errorf("expected reloaded revenue 1000, got %d", snap.TotalRevenue)
	}
	if snap.UniqueAgents != 2 {
		t.Errorf("expected 2 reloaded agents, got %d", snap.UniqueAgents)
	}
}

func TestReset_ClearsState(t *testing.T) {
	a := NewAggregator()
	a.Record("/a", "agent", 1000, StatusSuccess, "", "")
	a.Reset()

	snap := a.Snapshot()
	if snap.TotalRequests != 0 || snap.TotalRevenue != 0 || snap.UniqueAgents != 0 {
		t.Errorf("expected empty state after reset: %+v", snap)
	}
	if len(snap.RecentTransactions) != 0 {
		t.Errorf("expected no transactions after reset")
	}
}

func TestRecord_BoundedRetention(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < maxRetained+50; i++ {
		a.Record("/a", "agent", 1, StatusSuccess, "", "")
	}

	a.mu.Lock()
	n := len(a.transactions)
	a.mu.Unlock()
	if n != maxRetained {
		t.Errorf("expected retention bound %d, got %d", maxRetained, n)
	}

	// Counters stay monotonic past the bound.
	if got := a.Snapshot().TotalRequests; got != int64(maxRetained+50) {
		t.Errorf("expected %d total requests, got %d", maxRetained+50, got)
	}
}

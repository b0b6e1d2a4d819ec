package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRetained bounds the in-memory and persisted transaction log.
const maxRetained = 1000

// Transaction statuses. A transaction is created once per completed
// payment attempt and never mutated.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Transaction is one completed payment attempt. JSON keys follow the
// dashboard wire format.
type Transaction struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Endpoint        string    `json:"endpoint"`
	AgentKey        string    `json:"agentAddress"`
	Amount          int64     `json:"amount"`
	AmountFormatted string    `json:"amountFormatted,omitempty"`
	Status          string    `json:"status"`
	SettlementRef   string    `json:"txHash,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// EndpointMetrics are monotonic per-endpoint counters derived from the
// transaction stream. totalRequests == successfulRequests + failedRequests
// holds at all times.
type EndpointMetrics struct {
	Endpoint           string `json:"endpoint"`
	TotalRequests      int64  `json:"totalRequests"`
	SuccessfulRequests int64  `json:"successfulRequests"`
	FailedRequests     int64  `json:"failedRequests"`
	TotalRevenue       int64  `json:"totalRevenue"`
}

// HourlyBucket is one hour of the trailing-24h chart series.
type HourlyBucket struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
	Revenue  int64  `json:"revenue"`
}

// DashboardMetrics is the aggregate view handed to dashboards. It is a
// derived projection of aggregator state, never independently mutated.
type DashboardMetrics struct {
	TotalRequests      int64             `json:"totalRequests"`
	SuccessfulRequests int64             `json:"successfulRequests"`
	FailedRequests     int64             `json:"failedRequests"`
	TotalRevenue       int64             `json:"totalRevenue"`
	RevenueFormatted   string            `json:"revenueFormatted"`
	UniqueAgents       int               `json:"uniqueAgents"`
	RequestsPerMinute  int               `json:"requestsPerMinute"`
	EndpointMetrics    []EndpointMetrics `json:"endpointMetrics"`
	RecentTransactions []Transaction     `json:"recentTransactions"`
	HourlyData         []HourlyBucket    `json:"hourlyData"`
}

// Archiver receives completed transactions for durable storage. Delivery
// must not block; implementations drop on backpressure.
type Archiver interface {
	Archive(Transaction)
}

// Aggregator owns the transaction log and all derived counters. Every
// Record call is a single atomic update under one mutex; snapshot
// persistence happens on a separate goroutine so it never sits on the
// request path.
type Aggregator struct {
	mu           sync.Mutex
	transactions []Transaction
	endpoints    map[string]*EndpointMetrics
	agents       map[string]struct{}
	rate         []time.Time

	format func(int64) string

	file   string
	saveCh chan struct{}
	done   chan struct{}

	archive    Archiver
	collectors *Collectors
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSnapshotFile enables best-effort JSON snapshot persistence. Existing
// state at path is reloaded to rebuild derived counters.
func WithSnapshotFile(path string) Option {
	return func(a *Aggregator) { a.file = path }
}

// WithArchiver forwards every transaction to an archive sink.
func WithArchiver(ar Archiver) Option {
	return func(a *Aggregator) { a.archive = ar }
}

// WithCollectors mirrors counters into prometheus.
func WithCollectors(c *Collectors) Option {
	return func(a *Aggregator) { a.collectors = c }
}

// WithAmountFormatter sets the human-readable amount renderer.
func WithAmountFormatter(f func(int64) string) Option {
	return func(a *Aggregator) { a.format = f }
}

// NewAggregator builds an aggregator. Instances are independent; tests
// construct isolated ones per case.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		endpoints: make(map[string]*EndpointMetrics),
		agents:    make(map[string]struct{}),
		format:    func(int64) string { return "" },
		saveCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.file != "" {
		a.load()
		go a.persistLoop()
	}
	return a
}

// Record appends one completed payment attempt and updates every derived
// view: endpoint counters, unique agents, the rolling rate window, and
// the async snapshot. The returned transaction is fully populated.
func (a *Aggregator) Record(endpoint, agentKey string, amount int64, status, settlementRef, errorMessage string) Transaction {
	if status != StatusSuccess {
		amount = 0
	}
	tx := Transaction{
		ID:              "tx_" + uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Endpoint:        endpoint,
		AgentKey:        agentKey,
		Amount:          amount,
		AmountFormatted: a.format(amount),
		Status:          status,
		SettlementRef:   settlementRef,
		ErrorMessage:    errorMessage,
	}

	a.mu.Lock()
	a.transactions = append(a.transactions, tx)
	if len(a.transactions) > maxRetained {
		a.transactions = append(a.transactions[:0], a.transactions[len(a.transactions)-maxRetained:]...)
	}
	a.applyTx(tx)
	a.agents[agentKey] = struct{}{}
	now := time.Now()
	a.rate = appendPruned(a.rate, now)
	a.mu.Unlock()

	if a.collectors != nil {
		a.collectors.observe(tx)
	}
	if a.archive != nil {
		a.archive.Archive(tx)
	}
	a.requestSave()
	return tx
}

// RecordHit notes an unauthenticated request (402 challenge issued) in the
// request-rate window without creating a transaction.
func (a *Aggregator) RecordHit() {
	a.mu.Lock()
	a.rate = appendPruned(a.rate, time.Now())
	a.mu.Unlock()
}

// applyTx updates the owning endpoint counters. Caller holds a.mu.
func (a *Aggregator) applyTx(tx Transaction) {
	em := a.endpoints[tx.Endpoint]
	if em == nil {
		em = &EndpointMetrics{Endpoint: tx.Endpoint}
		a.endpoints[tx.Endpoint] = em
	}
	em.TotalRequests++
	if tx.Status == StatusSuccess {
		em.SuccessfulRequests++
		em.TotalRevenue += tx.Amount
	} else {
		em.FailedRequests++
	}
}

// Snapshot computes the dashboard view from in-memory state alone, so it
// is cheap to call after every transaction.
func (a *Aggregator) Snapshot() DashboardMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	var m DashboardMetrics
	m.EndpointMetrics = make([]EndpointMetrics, 0, len(a.endpoints))
	for _, em := range a.endpoints {
		m.EndpointMetrics = append(m.EndpointMetrics, *em)
		m.TotalRequests += em.TotalRequests
		m.SuccessfulRequests += em.SuccessfulRequests
		m.FailedRequests += em.FailedRequests
		m.TotalRevenue += em.TotalRevenue
	}
	sort.Slice(m.EndpointMetrics, func(i, j int) bool {
		return m.EndpointMetrics[i].Endpoint < m.EndpointMetrics[j].Endpoint
	})
	m.RevenueFormatted = a.format(m.TotalRevenue)
	m.UniqueAgents = len(a.agents)

	cutoff := time.Now().Add(-time.Minute)
	n := 0
	for _, t := range a.rate {
		if t.After(cutoff) {
			n++
		}
	}
	m.RequestsPerMinute = n

	m.RecentTransactions = recentLocked(a.transactions, maxRetained)
	m.HourlyData = hourlyLocked(a.transactions, time.Now().UTC())
	return m
}

// RecentTransactions returns the newest transactions, newest first.
func (a *Aggregator) RecentTransactions(limit int) []Transaction {
	if limit <= 0 {
		limit = 20
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return recentLocked(a.transactions, limit)
}

// Reset clears all state. Destructive; exposed only behind admin auth.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.transactions = nil
	a.endpoints = make(map[string]*EndpointMetrics)
	a.agents = make(map[string]struct{})
	a.rate = nil
	a.mu.Unlock()
	a.requestSave()
}

// Close flushes a final snapshot and stops the persistence goroutine.
func (a *Aggregator) Close() {
	if a.file == "" {
		return
	}
	close(a.done)
	a.save()
}

func recentLocked(txs []Transaction, limit int) []Transaction {
	if limit > len(txs) {
		limit = len(txs)
	}
	out := make([]Transaction, 0, limit)
	for i := len(txs) - 1; i >= len(txs)-limit; i-- {
		out = append(out, txs[i])
	}
	return out
}

// hourlyLocked buckets retained transactions into the trailing 24 hours,
// one bucket per hour, oldest first.
func hourlyLocked(txs []Transaction, now time.Time) []HourlyBucket {
	start := now.Truncate(time.Hour).Add(-23 * time.Hour)
	buckets := make([]HourlyBucket, 24)
	for i := range buckets {
		buckets[i].Hour = start.Add(time.Duration(i) * time.Hour).Format("15:00")
	}
	for _, tx := range txs {
		idx := int(tx.Timestamp.Truncate(time.Hour).Sub(start) / time.Hour)
		if idx < 0 || idx >= 24 {
			continue
		}
		buckets[idx].Requests++
		if tx.Status == StatusSuccess {
			buckets[idx].Revenue += tx.Amount
		}
	}
	return buckets
}

func appendPruned(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = append(ts[:0], ts[i:]...)
	return append(ts, now)
}

package metrics

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the persisted metrics shape: the bounded transaction
// log, the unique-agent set, and a last-updated stamp. Derived counters
// are rebuilt from the transactions on load.
type snapshotFile struct {
	Transactions []Transaction `json:"transactions"`
	UniqueAgents []string      `json:"uniqueAgents"`
	LastUpdated  time.Time     `json:"lastUpdated"`
}

// load rebuilds aggregator state from the snapshot file, if present.
// Called once from the constructor, before the persist goroutine starts.
func (a *Aggregator) load() {
	raw, err := os.ReadFile(a.file)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("metrics: starting fresh, cannot read %s: %v", a.file, err)
		}
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("metrics: starting fresh, corrupt snapshot %s: %v", a.file, err)
		return
	}

	a.mu.Lock()
	a.transactions = snap.Transactions
	for _, agent := range snap.UniqueAgents {
		a.agents[agent] = struct{}{}
	}
	for _, tx := range snap.Transactions {
		a.applyTx(tx)
	}
	a.mu.Unlock()

	log.Printf("metrics: loaded %d transactions from %s", len(snap.Transactions), a.file)
}

// requestSave schedules an async snapshot write. Coalesces bursts: at
// most one write is pending at a time.
func (a *Aggregator) requestSave() {
	if a.file == "" {
		return
	}
	select {
	case a.saveCh <- struct{}{}:
	default:
	}
}

func (a *Aggregator) persistLoop() {
	for {
		select {
		case <-a.saveCh:
			a.save()
		case <-a.done:
			return
		}
	}
}

// save writes the snapshot. Failure is logged, never surfaced: metrics
// durability is best-effort and the in-memory view stays authoritative.
func (a *Aggregator) save() {
	a.mu.Lock()
	snap := snapshotFile{
		Transactions: append([]Transaction(nil), a.transactions...),
		UniqueAgents: make([]string, 0, len(a.agents)),
		LastUpdated:  time.Now().UTC(),
	}
	for agent := range a.agents {
		snap.UniqueAgents = append(snap.UniqueAgents, agent)
	}
	a.mu.Unlock()

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("metrics: snapshot marshal failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.file), 0o755); err != nil {
		log.Printf("metrics: snapshot dir: %v", err)
		return
	}
	tmp := a.file + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		log.Printf("metrics: snapshot write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, a.file); err != nil {
		log.Printf("metrics: snapshot rename failed: %v", err)
	}
}

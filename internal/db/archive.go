package db

import (
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paygate/internal/metrics"
)

// queueSize bounds pending archive writes. The archive is best-effort:
// when the queue is full, transactions are dropped rather than blocking
// the request path.
const queueSize = 256

// Archive persists completed transactions to Postgres off the request
// path. It satisfies metrics.Archiver.
type Archive struct {
	gdb           *gorm.DB
	retentionDays int
	queue         chan metrics.Transaction
}

// NewArchive starts the writer goroutine.
func NewArchive(gdb *gorm.DB, retentionDays int) *Archive {
	a := &Archive{
		gdb:           gdb,
		retentionDays: retentionDays,
		queue:         make(chan metrics.Transaction, queueSize),
	}
	go a.writeLoop()
	return a
}

// Archive enqueues a transaction for durable storage without blocking.
func (a *Archive) Archive(tx metrics.Transaction) {
	select {
	case a.queue <- tx:
	default:
		log.Printf("archive: queue full, dropping transaction %s", tx.ID)
	}
}

func (a *Archive) writeLoop() {
	for tx := range a.queue {
		attrs := datatypes.JSONMap{}
		if tx.ErrorMessage != "" {
			attrs["errorMessage"] = tx.ErrorMessage
		}
		if tx.AmountFormatted != "" {
			attrs["amountFormatted"] = tx.AmountFormatted
		}

		var expiresAt *time.Time
		if a.retentionDays > 0 {
			t := tx.Timestamp.Add(time.Duration(a.retentionDays) * 24 * time.Hour)
			expiresAt = &t
		}

		row := ArchivedTransaction{
			ExpiresAt:     expiresAt,
			TxID:          tx.ID,
			Timestamp:     tx.Timestamp,
			Endpoint:      tx.Endpoint,
			AgentKey:      tx.AgentKey,
			Amount:        tx.Amount,
			Status:        tx.Status,
			SettlementRef: tx.SettlementRef,
			Attributes:    attrs,
		}
		if err := a.gdb.Create(&row).Error; err != nil {
			log.Printf("archive: failed to persist transaction %s: %v", tx.ID, err)
		}
	}
}

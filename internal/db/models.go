package db

import (
	"time"

	"gorm.io/datatypes"
)

// ArchivedTransaction is the durable copy of a completed payment attempt.
// The in-memory aggregator stays authoritative for dashboard reads; this
// table exists for long-term revenue accounting beyond the bounded
// snapshot file.
type ArchivedTransaction struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	// ExpiresAt is the timestamp after which this row is eligible for
	// deletion by the retention worker.
	ExpiresAt *time.Time `gorm:"index"`

	// TxID is the aggregator-assigned transaction id.
	TxID string `gorm:"uniqueIndex;size:64;not null"`

	Timestamp time.Time `gorm:"index"`
	Endpoint  string    `gorm:"index;size:255"`
	AgentKey  string    `gorm:"index;size:255"`

	// Amount in the asset's smallest unit; zero for failed attempts.
	Amount int64

	Status        string `gorm:"size:16;index"`
	SettlementRef string `gorm:"size:255"`

	// Attributes holds auxiliary key/value pairs (error messages, formatted
	// amounts) without schema changes.
	Attributes datatypes.JSONMap `gorm:"type:json"`
}

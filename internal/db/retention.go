package db

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting
// archived transactions whose ExpiresAt is in the past.
func runRetentionOnce(gdb *gorm.DB) error {
	now := time.Now()
	return gdb.Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&ArchivedTransaction{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day.
func StartRetentionWorker(gdb *gorm.DB) {
	go func() {
		if err := runRetentionOnce(gdb); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(gdb); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}

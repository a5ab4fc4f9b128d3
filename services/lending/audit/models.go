package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one link of the append-only audit chain.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	// Timestamp is the append time in unix nanoseconds. It is hashed instead
	// of CreatedAt so that drivers with coarser time columns still verify.
	Timestamp int64  `gorm:"not null"`
	PrevHash  string `gorm:"size:64"`
	Hash      string `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// IdempotencyKey stores the first response produced for a client supplied
// Idempotency-Key.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:192"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs the schema migrations for the lending service tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{}, &IdempotencyKey{})
}

// Open connects to the audit database. DSNs with a postgres scheme use the
// postgres driver; anything else is handed to sqlite.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return db, nil
}

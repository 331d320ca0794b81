// Package archive persists closed trades for later reporting. Postgres via
// gorm when a DSN is configured, an append-only JSONL file otherwise.
package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ClosedTrade is one completed round trip.
type ClosedTrade struct {
	ID             uint      `gorm:"primarykey" json:"-"`
	PositionID     string    `gorm:"size:64;index" json:"position_id"`
	Symbol         string    `gorm:"size:16;index" json:"symbol"`
	Side           string    `gorm:"size:8" json:"side"`
	SizeUSD        float64   `gorm:"type:decimal(20,8)" json:"size_usd"`
	Quantity       float64   `gorm:"type:decimal(20,8)" json:"quantity"`
	Leverage       float64   `json:"leverage"`
	EntryPrice     float64   `gorm:"type:decimal(20,8)" json:"entry_price"`
	ExitPrice      float64   `gorm:"type:decimal(20,8)" json:"exit_price"`
	RealizedPnLUSD float64   `gorm:"type:decimal(20,8)" json:"realized_pnl_usd"`
	CloseReason    string    `gorm:"size:32" json:"close_reason"`
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `gorm:"index" json:"closed_at"`
}

// Recorder accepts closed trades.
type Recorder interface {
	Record(t ClosedTrade) error
	Close() error
}

// GormRecorder writes closed trades to Postgres.
type GormRecorder struct {
	db *gorm.DB
}

func NewGormRecorder(dsn string) (*GormRecorder, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ClosedTrade{}); err != nil {
		return nil, err
	}
	return &GormRecorder{db: db}, nil
}

func (r *GormRecorder) Record(t ClosedTrade) error {
	return r.db.Create(&t).Error
}

// Recent returns the latest n closed trades, newest first.
func (r *GormRecorder) Recent(n int) ([]ClosedTrade, error) {
	var trades []ClosedTrade
	err := r.db.Order("closed_at desc").Limit(n).Find(&trades).Error
	return trades, err
}

func (r *GormRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// JSONLRecorder appends closed trades to a local file.
type JSONLRecorder struct {
	mu   sync.Mutex
	path string
}

func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &JSONLRecorder{path: path}, nil
}

func (r *JSONLRecorder) Record(t ClosedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

func (r *JSONLRecorder) Close() error { return nil }

// NopRecorder discards everything; used when archiving is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(ClosedTrade) error { return nil }
func (NopRecorder) Close() error             { return nil }

package exec

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SubmissionRecord is one line of the order ledger.
type SubmissionRecord struct {
	LocalID        string    `json:"local_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Ledger is an append-only JSONL record of every submission attempt. Its
// second job is idempotency: a key seen within the dedupe window means the
// cycle already submitted this intent and must not submit it again.
type Ledger struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

func NewLedger(path string, dedupeWindowSecs int) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Ledger{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (l *Ledger) Append(rec SubmissionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// HasRecentSubmission scans the ledger for the key inside the dedupe
// window. Only records that reached the exchange count; a failed attempt
// must not block its own retry in a later cycle.
func (l *Ledger) HasRecentSubmission(idempotencyKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	cutoff := time.Now().UTC().Add(-l.dedupeWindow)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SubmissionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.IdempotencyKey != idempotencyKey || rec.Timestamp.Before(cutoff) {
			continue
		}
		if rec.Status == StatusSubmitted || rec.Status == StatusFilled {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Ledger statuses.
const (
	StatusSubmitting = "submitting"
	StatusSubmitted  = "submitted"
	StatusFilled     = "filled"
	StatusFailed     = "failed"
)

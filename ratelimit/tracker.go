// Package ratelimit tracks provider throttling signals: one record per
// provider holding the earliest safe retry time. The tracker does no parsing
// of its own; callers derive reset times from response headers or error text
// with the helpers in this package and feed them in.
package ratelimit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is the per-provider throttling state.
type Record struct {
	Provider       string    `json:"provider"`
	ResetAt        time.Time `json:"reset_at"`
	LastObservedAt time.Time `json:"last_observed_at"`
}

// Tracker remembers the most recent throttling signal per provider.
// Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]Record
	snapshot string // optional persistence path, empty = memory only
	logger   zerolog.Logger
}

// NewTracker creates an in-memory tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
}

// NewPersistentTracker creates a tracker that snapshots its records to a
// JSON file so limits are shared across processes. A missing or corrupt
// snapshot starts empty.
func NewPersistentTracker(path string, logger zerolog.Logger) *Tracker {
	t := NewTracker(logger)
	t.snapshot = path

	data, err := os.ReadFile(path) //nolint:gosec // G304: snapshot path is configuration
	if err != nil {
		return t
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.logger.Debug().Err(err).Str("path", path).Msg("Ignoring corrupt rate limit snapshot")
		return t
	}
	t.records = records
	return t
}

// RecordLimit overwrites the provider's record with a new reset time.
func (t *Tracker) RecordLimit(provider string, resetAt time.Time) {
	t.mu.Lock()
	t.records[provider] = Record{
		Provider:       provider,
		ResetAt:        resetAt,
		LastObservedAt: time.Now(),
	}
	t.persistLocked()
	t.mu.Unlock()

	t.logger.Debug().
		Str("provider", provider).
		Time("reset_at", resetAt).
		Msg("Recorded rate limit")
}

// Wait returns how long a call to the provider should hold off, or zero when
// no limit is in effect.
func (t *Tracker) Wait(provider string) time.Duration {
	t.mu.RLock()
	rec, ok := t.records[provider]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	if wait := time.Until(rec.ResetAt); wait > 0 {
		return wait
	}
	return 0
}

// Get returns the provider's record, if any.
func (t *Tracker) Get(provider string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[provider]
	return rec, ok
}

// persistLocked writes the snapshot file. Failures are logged and ignored:
// the tracker is advisory bookkeeping, never a correctness dependency.
func (t *Tracker) persistLocked() {
	if t.snapshot == "" {
		return
	}
	data, err := json.Marshal(t.records)
	if err != nil {
		return
	}
	if err := os.WriteFile(t.snapshot, data, 0o600); err != nil {
		t.logger.Debug().Err(err).Str("path", t.snapshot).Msg("Failed to persist rate limit snapshot")
	}
}

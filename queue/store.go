// Package queue implements the persistent request queue: a durable,
// priority-ordered store of calls deferred beyond the quick-retry window,
// and the background processor that replays them when due.
//
// Every mutation (enqueue, reschedule, removal) is committed to SQLite
// before it is considered done, so a process restart resumes exactly the
// pending set that existed at the last commit. The queue guarantees
// at-least-once delivery of the retry attempt; idempotency of the remote
// call itself is the caller's concern.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/migrations"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("request queue is full")

// Priority orders due entries: higher first, ties broken by earliest retry
// time. Only two classes exist; a full priority scheduler is deliberately
// out of scope.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// LastError captures the failure that put (or kept) an entry in the queue.
type LastError struct {
	Type       llm.ErrorType `json:"type,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// LastErrorFrom builds a LastError from a classified call failure.
func LastErrorFrom(err error) *LastError {
	if err == nil {
		return nil
	}
	return &LastError{
		Type:       llm.TypeOf(err),
		Code:       llm.CodeOf(err),
		Message:    err.Error(),
		StatusCode: llm.StatusOf(err),
		Timestamp:  time.Now(),
	}
}

// Entry is one deferred call.
type Entry struct {
	ID         string
	Provider   string
	Operation  llm.Operation
	Request    *llm.Request
	Priority   Priority
	Attempt    int
	RetryAt    time.Time
	EnqueuedAt time.Time
	LastError  *LastError
}

// Store is the durable queue collection. All mutations are serialized by a
// single mutex on top of SQLite's own transactional guarantees to avoid
// lost updates (single-writer discipline).
type Store struct {
	db      *sql.DB
	maxSize int
	logger  zerolog.Logger
	mu      sync.Mutex
}

// Open creates (or reopens) the queue database under dir and applies the
// schema.
func Open(dir string, maxSize int, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	log := logger.With().Str("component", "queue").Logger()
	if err := migrations.Run(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, maxSize: maxSize, logger: log}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue commits a new entry and returns its id. The entry's ID,
// EnqueuedAt, and zero Attempt are assigned here.
func (s *Store) Enqueue(ctx context.Context, e *Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 {
		count, err := s.countLocked(ctx)
		if err != nil {
			return "", err
		}
		if count >= s.maxSize {
			return "", ErrQueueFull
		}
	}

	e.ID = uuid.NewString()
	e.EnqueuedAt = time.Now()

	params, err := json.Marshal(e.Request)
	if err != nil {
		return "", fmt.Errorf("marshal queued request: %w", err)
	}
	var lastErr interface{}
	if e.LastError != nil {
		raw, err := json.Marshal(e.LastError)
		if err != nil {
			return "", fmt.Errorf("marshal last error: %w", err)
		}
		lastErr = string(raw)
	}

	query := sq.Insert("queue_entries").
		Columns("id", "provider", "operation", "params", "priority", "attempt", "retry_at", "enqueued_at", "last_error").
		Values(e.ID, e.Provider, string(e.Operation), string(params), int(e.Priority), e.Attempt, e.RetryAt.Unix(), e.EnqueuedAt.Unix(), lastErr)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	s.logger.Info().
		Str("entry_id", e.ID).
		Str("provider", e.Provider).
		Time("retry_at", e.RetryAt).
		Msg("Enqueued request for long retry")
	return e.ID, nil
}

// Reschedule commits a failed re-attempt: attempt count incremented and a
// new retry time.
func (s *Store) Reschedule(ctx context.Context, id string, attempt int, retryAt time.Time, lastErr *LastError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErrVal interface{}
	if lastErr != nil {
		raw, err := json.Marshal(lastErr)
		if err != nil {
			return fmt.Errorf("marshal last error: %w", err)
		}
		lastErrVal = string(raw)
	}

	query := sq.Update("queue_entries").
		Set("attempt", attempt).
		Set("retry_at", retryAt.Unix()).
		Set("last_error", lastErrVal).
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	return nil
}

// Remove commits the deletion of an entry (on success, expiry, or explicit
// caller request).
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := sq.Delete("queue_entries").Where(sq.Eq{"id": id})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Due returns entries whose retry time has passed, highest priority first,
// ties broken by earliest retry time.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Entry, error) {
	return s.selectEntries(ctx, sq.LtOrEq{"retry_at": now.Unix()})
}

// List returns every entry in the queue in due order.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	return s.selectEntries(ctx, nil)
}

// Get returns a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, bool, error) {
	entries, err := s.selectEntries(ctx, sq.Eq{"id": id})
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return entries[0], true, nil
}

// Len reports the number of queued entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(ctx)
}

func (s *Store) countLocked(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return count, nil
}

func (s *Store) selectEntries(ctx context.Context, where interface{}) ([]*Entry, error) {
	query := sq.Select("id", "provider", "operation", "params", "priority", "attempt", "retry_at", "enqueued_at", "last_error").
		From("queue_entries").
		OrderBy("priority DESC", "retry_at ASC")
	if where != nil {
		query = query.Where(where)
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			operation  string
			params     string
			priority   int
			retryAt    int64
			enqueuedAt int64
			lastErr    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Provider, &operation, &params, &priority, &e.Attempt, &retryAt, &enqueuedAt, &lastErr); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Operation = llm.Operation(operation)
		e.Priority = Priority(priority)
		e.RetryAt = time.Unix(retryAt, 0)
		e.EnqueuedAt = time.Unix(enqueuedAt, 0)

		var req llm.Request
		if err := json.Unmarshal([]byte(params), &req); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("Corrupt queued request params; skipping entry")
			continue
		}
		e.Request = &req

		if lastErr.Valid && lastErr.String != "" {
			var le LastError
			if err := json.Unmarshal([]byte(lastErr.String), &le); err == nil {
				e.LastError = &le
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// IDs is a convenience for logging and tests.
func IDs(entries []*Entry) []string {
	return lo.Map(entries, func(e *Entry, _ int) string { return e.ID })
}

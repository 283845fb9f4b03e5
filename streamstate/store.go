// Package streamstate records the chunks of in-flight streaming calls so a
// partially delivered stream can be replayed after a dropped connection or
// process abort.
//
// Chunks accumulate in memory on every append; durable flushes happen when a
// stream completes, fails, is aborted, or its chunk count crosses the flush
// modulus. That bounds write amplification for long streams while bounding
// loss on crash to one flush interval. Each stream persists as one JSON file
// named by the SHA-256 of its id, so there is no index file to corrupt.
package streamstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/llm"
)

// AbortReason records why a stream was cut short.
type AbortReason string

const (
	AbortReasonUser    AbortReason = "user"
	AbortReasonNetwork AbortReason = "network"
	AbortReasonTimeout AbortReason = "timeout"
	AbortReasonSystem  AbortReason = "system"
)

// State is the recorded lifecycle of one streaming call.
type State struct {
	ID               string             `json:"id"`
	Chunks           []*llm.StreamEvent `json:"chunks"`
	Completed        bool               `json:"completed"`
	Error            string             `json:"error,omitempty"`
	ChunkCount       int                `json:"chunk_count"`
	BytesReceived    int64              `json:"bytes_received"`
	StartedAt        time.Time          `json:"started_at"`
	LastChunkTime    time.Time          `json:"last_chunk_time,omitempty"`
	RecoveryAttempts int                `json:"recovery_attempts"`
	Aborted          bool               `json:"aborted"`
	AbortReason      AbortReason        `json:"abort_reason,omitempty"`
}

// Store tracks stream state in memory and flushes it to one file per stream.
type Store struct {
	dir    string
	flushN int
	maxAge time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*State
}

// New creates a Store rooted at dir. flushN is the chunk-count flush modulus
// (defaults to 50 when zero or negative); maxAge is how long entries live
// regardless of completion state.
func New(dir string, flushN int, maxAge time.Duration, logger zerolog.Logger) *Store {
	if flushN <= 0 {
		flushN = 50
	}
	s := &Store{
		dir:    dir,
		flushN: flushN,
		maxAge: maxAge,
		logger: logger.With().Str("component", "streamstate").Logger(),
		active: make(map[string]*State),
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to create stream state directory; recovery disabled")
	}
	return s
}

// Begin starts tracking a stream. An existing in-memory record for the same
// id is replaced.
func (s *Store) Begin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = &State{ID: id, StartedAt: time.Now()}
}

// AppendChunk records one delivered chunk. The in-memory record always
// grows; the durable copy is refreshed every flushN chunks.
func (s *Store) AppendChunk(id string, chunk *llm.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.active[id]
	if !ok {
		return
	}
	st.Chunks = append(st.Chunks, chunk)
	st.ChunkCount++
	st.LastChunkTime = time.Now()
	if raw, err := json.Marshal(chunk); err == nil {
		st.BytesReceived += int64(len(raw))
	}

	if st.ChunkCount%s.flushN == 0 {
		s.flushLocked(st)
	}
}

// Complete marks a stream finished and flushes it.
func (s *Store) Complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		st.Completed = true
		s.flushLocked(st)
		delete(s.active, id)
	}
}

// Fail marks a stream errored and flushes it.
func (s *Store) Fail(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		if err != nil {
			st.Error = err.Error()
		}
		s.flushLocked(st)
		delete(s.active, id)
	}
}

// Abort marks a stream cut short (user cancellation, network drop, timeout)
// and flushes it. No further chunks are recorded for the id.
func (s *Store) Abort(id string, reason AbortReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		st.Aborted = true
		st.AbortReason = reason
		s.flushLocked(st)
		delete(s.active, id)
	}
}

// Get returns the stream's state: the live in-memory record if the stream is
// open, otherwise the durable copy. Expired entries read as absent and are
// removed.
func (s *Store) Get(id string) (*State, bool) {
	s.mu.Lock()
	if st, ok := s.active[id]; ok {
		cp := *st
		s.mu.Unlock()
		return &cp, true
	}
	s.mu.Unlock()
	return s.load(id)
}

// Resume replays the chunks recorded at the last flush as a finite,
// restartable stream. It does not reconnect to the remote service; callers
// use it to avoid re-delivering already-seen content. Each call counts as a
// recovery attempt on the durable record.
func (s *Store) Resume(id string) (llm.Stream, bool) {
	st, ok := s.load(id)
	if !ok {
		return nil, false
	}

	st.RecoveryAttempts++
	s.persist(st)

	return llm.NewReplayStream(st.Chunks), true
}

// Sweep removes durable entries older than the max age. Called periodically
// by the owner; expiry is also enforced lazily on access.
func (s *Store) Sweep() {
	if s.maxAge <= 0 {
		return
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(s.dir, de.Name()))
		}
	}
}

// load reads the durable record, enforcing max age.
func (s *Store) load(id string) (*State, bool) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Debug().Err(err).Str("stream_id", id).Msg("Corrupt stream state; discarding")
		_ = os.Remove(s.path(id))
		return nil, false
	}
	if s.maxAge > 0 && time.Since(st.StartedAt) > s.maxAge {
		_ = os.Remove(s.path(id))
		return nil, false
	}
	return &st, true
}

// flushLocked persists the state. Failures are logged and swallowed:
// mirroring must never break chunk delivery.
func (s *Store) flushLocked(st *State) {
	s.persist(st)
}

func (s *Store) persist(st *State) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	tmp := s.path(st.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Debug().Err(err).Str("stream_id", st.ID).Msg("Failed to flush stream state")
		return
	}
	if err := os.Rename(tmp, s.path(st.ID)); err != nil {
		s.logger.Debug().Err(err).Str("stream_id", st.ID).Msg("Failed to commit stream state")
		_ = os.Remove(tmp)
	}
}

func (s *Store) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

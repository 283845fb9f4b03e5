// Package cache implements a content-addressed response cache: one JSON file
// per entry, named by the canonical request hash, bounded by TTL and entry
// count.
//
// The cache is a pure optimization. Every internal failure (I/O, parse,
// eviction) degrades to a miss or a no-op; it never turns an otherwise
// successful call into an error, and its writes are not required to survive
// a crash.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/damper-ai/damper/llm"
)

// entry is the on-disk representation of a cached value.
type entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"timestamp"`
}

// Store is a TTL and count-bounded file-backed cache keyed by canonical
// request hash.
type Store struct {
	dir        string
	ttl        time.Duration
	maxEntries int
	logger     zerolog.Logger
}

// New creates a Store rooted at dir. The directory is created if missing;
// creation failure is logged and every subsequent operation degrades to a
// miss.
func New(dir string, ttl time.Duration, maxEntries int, logger zerolog.Logger) *Store {
	s := &Store{
		dir:        dir,
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "cache").Logger(),
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to create cache directory; cache disabled")
	}
	return s
}

// Get retrieves a cached generate response. Expired entries are deleted
// during the lookup, not left for later cleanup.
func (s *Store) Get(key string) (*llm.Response, bool) {
	raw, ok := s.get(key)
	if !ok {
		return nil, false
	}
	var resp llm.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Corrupt cache entry; treating as miss")
		s.remove(key)
		return nil, false
	}
	return &resp, true
}

// GetStream retrieves a cached chunk list for a streaming call.
func (s *Store) GetStream(key string) ([]*llm.StreamEvent, bool) {
	raw, ok := s.get(key)
	if !ok {
		return nil, false
	}
	var events []*llm.StreamEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Corrupt cache entry; treating as miss")
		s.remove(key)
		return nil, false
	}
	return events, true
}

// Set stores a generate response under key.
func (s *Store) Set(key string, resp *llm.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to marshal response for cache")
		return
	}
	s.set(key, raw)
}

// SetStream stores a recorded chunk list under key.
func (s *Store) SetStream(key string, events []*llm.StreamEvent) {
	raw, err := json.Marshal(events)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to marshal events for cache")
		return
	}
	s.set(key, raw)
}

// Clear removes every cache entry.
func (s *Store) Clear() {
	names, err := s.entryFiles()
	if err != nil {
		return
	}
	for _, name := range names {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

// Len reports the number of entries currently on disk.
func (s *Store) Len() int {
	names, err := s.entryFiles()
	if err != nil {
		return 0
	}
	return len(names)
}

func (s *Store) get(key string) (json.RawMessage, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.remove(key)
		return nil, false
	}
	if s.ttl > 0 && time.Since(e.StoredAt) > s.ttl {
		s.remove(key)
		return nil, false
	}
	return e.Value, true
}

func (s *Store) set(key string, value json.RawMessage) {
	s.evictIfFull()

	e := entry{Key: key, Value: value, StoredAt: time.Now()}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	// Write-then-rename keeps readers from ever seeing a torn entry. No
	// fsync: losing a cache entry on crash costs one extra network call.
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to write cache entry")
		return
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to commit cache entry")
		_ = os.Remove(tmp)
	}
}

// evictIfFull removes oldest-by-modification-time entries until the store is
// strictly below its maximum entry count.
func (s *Store) evictIfFull() {
	if s.maxEntries <= 0 {
		return
	}
	names, err := s.entryFiles()
	if err != nil || len(names) < s.maxEntries {
		return
	}

	type aged struct {
		name  string
		mtime time.Time
	}
	entries := lo.FilterMap(names, func(name string, _ int) (aged, bool) {
		info, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil {
			return aged{}, false
		}
		return aged{name: name, mtime: info.ModTime()}, true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.Before(entries[j].mtime)
	})

	excess := len(entries) - s.maxEntries + 1
	for i := 0; i < excess && i < len(entries); i++ {
		_ = os.Remove(filepath.Join(s.dir, entries[i].name))
	}
}

func (s *Store) entryFiles() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(dirEntries, func(de os.DirEntry, _ int) (string, bool) {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			return "", false
		}
		return de.Name(), true
	}), nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Store) remove(key string) {
	_ = os.Remove(s.path(key))
}

// Package stats keeps per-source fetch counters. A Store is owned by whoever
// creates it and shared by every provider handed the same instance.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
)

type Counters struct {
	errors      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func (c *Counters) IncError() { c.errors.Add(1) }

func (c *Counters) IncCacheHit() {
	c.cacheHits.Add(1)
	observability.IncCacheHit()
}

func (c *Counters) IncCacheMiss() {
	c.cacheMisses.Add(1)
	observability.IncCacheMiss()
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Errors:      c.errors.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
	}
}

type Snapshot struct {
	Source      string `json:"source,omitempty"`
	Errors      int64  `json:"errors"`
	CacheHits   int64  `json:"cache_hits"`
	CacheMisses int64  `json:"cache_misses"`
}

type Store struct {
	mu  sync.RWMutex
	src map[string]*Counters
}

func NewStore() *Store {
	return &Store{src: map[string]*Counters{}}
}

// For returns the counters of key, creating them on first use.
func (s *Store) For(key string) *Counters {
	s.mu.RLock()
	c, ok := s.src[key]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.src[key]; ok {
		return c
	}
	c = &Counters{}
	s.src[key] = c
	return c
}

// Snapshot returns the current values for key; unknown keys read as zero.
func (s *Store) Snapshot(key string) Snapshot {
	s.mu.RLock()
	c, ok := s.src[key]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{Source: key}
	}
	snap := c.Snapshot()
	snap.Source = key
	return snap
}

// All returns a snapshot per source, sorted by key.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.src))
	for k, c := range s.src {
		snap := c.Snapshot()
		snap.Source = k
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Reset forgets every source.
func (s *Store) Reset() {
	s.mu.Lock()
	s.src = map[string]*Counters{}
	s.mu.Unlock()
}

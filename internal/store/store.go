// Package store holds the authoritative stock counters and item reference data.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

var (
	// ErrInsufficientStock is returned when a decrement finds no unit left.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidValue is returned for negative counts or increments.
	ErrInvalidValue = errors.New("invalid value")
)

type counter struct {
	mu      sync.Mutex
	n       int
	version uint64
}

func (c *counter) level() model.StockLevel {
	return model.StockLevel{Count: c.n, Version: c.version}
}

// Stock maps a key (item breed or reward identifier) to a non-negative count.
// Each key is guarded by its own lock; the map lock only covers key lookup.
type Stock struct {
	mu sync.RWMutex
	m  map[string]*counter
}

func NewStock() *Stock {
	return &Stock{m: make(map[string]*counter)}
}

func (s *Stock) lookup(key string) *counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[key]
}

func (s *Stock) lookupOrCreate(key string) *counter {
	if c := s.lookup(key); c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[key]
	if !ok {
		c = &counter{}
		s.m[key] = c
	}
	return c
}

// Get returns the current count, zero for unknown keys.
func (s *Stock) Get(key string) int {
	c := s.lookup(key)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Decrement removes one unit if any is left.
func (s *Stock) Decrement(key string) (int, error) {
	l, err := s.Take(key)
	return l.Count, err
}

// Take removes one unit like Decrement and reports the resulting level.
func (s *Stock) Take(key string) (model.StockLevel, error) {
	c := s.lookup(key)
	if c == nil {
		return model.StockLevel{}, ErrInsufficientStock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n <= 0 {
		return c.level(), ErrInsufficientStock
	}
	c.n--
	c.version++
	return c.level(), nil
}

// Increment adds n units.
func (s *Stock) Increment(key string, n int) (int, error) {
	if n < 0 {
		return s.Get(key), ErrInvalidValue
	}
	c := s.lookupOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += n
	c.version++
	return c.n, nil
}

// Set overrides the count for key.
func (s *Stock) Set(key string, n int) (int, error) {
	l, err := s.Put(key, n)
	return l.Count, err
}

// Put overrides the count like Set and reports the resulting level.
func (s *Stock) Put(key string, n int) (model.StockLevel, error) {
	if n < 0 {
		return s.Read(key), ErrInvalidValue
	}
	c := s.lookupOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = n
	c.version++
	return c.level(), nil
}

// Read returns the count and version of key as one consistent pair.
func (s *Stock) Read(key string) model.StockLevel {
	c := s.lookup(key)
	if c == nil {
		return model.StockLevel{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level()
}

// Restore installs a persisted level, version included.
func (s *Stock) Restore(key string, l model.StockLevel) error {
	if l.Count < 0 {
		return ErrInvalidValue
	}
	c := s.lookupOrCreate(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n, c.version = l.Count, l.Version
	return nil
}

// Snapshot copies all counts.
func (s *Stock) Snapshot() map[string]int {
	s.mu.RLock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = s.Get(k)
	}
	return out
}

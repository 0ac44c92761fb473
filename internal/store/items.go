package store

import (
	"sort"
	"sync"

	"github.com/fairyhunter13/magnet-rewards/internal/model"
)

type itemState struct {
	item   model.MagnetItem
	active bool
}

// Items is the registry of magnet reference data.
type Items struct {
	mu sync.RWMutex
	m  map[string]itemState
}

func NewItems() *Items {
	return &Items{m: make(map[string]itemState)}
}

// Upsert registers an item or updates its tier and category. New items start active.
func (s *Items) Upsert(it model.MagnetItem) error {
	if it.Breed == "" || !it.Tier.Valid() {
		return ErrInvalidValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[it.Breed]
	if !ok {
		st.active = true
	}
	st.item = it
	s.m[it.Breed] = st
	return nil
}

// SetActive withdraws an item from the promotion or brings it back.
func (s *Items) SetActive(breed string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[breed]
	if !ok {
		return false
	}
	st.active = active
	s.m[breed] = st
	return true
}

// Get returns the item and whether it is active.
func (s *Items) Get(breed string) (model.MagnetItem, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[breed]
	return st.item, st.active, ok
}

// List returns every registered item, withdrawn ones included, ordered by
// tier then breed.
func (s *Items) List() []model.MagnetItem {
	return s.collect(false)
}

// Active lists the items that may be awarded, ordered by tier then breed.
func (s *Items) Active() []model.MagnetItem {
	return s.collect(true)
}

func (s *Items) collect(activeOnly bool) []model.MagnetItem {
	s.mu.RLock()
	out := make([]model.MagnetItem, 0, len(s.m))
	for _, st := range s.m {
		if st.active || !activeOnly {
			out = append(out, st.item)
		}
	}
	s.mu.RUnlock()
	sortItems(out)
	return out
}

// Info joins item reference data with current stock.
func (s *Items) Info(stock *Stock) []model.ItemInfo {
	s.mu.RLock()
	out := make([]model.ItemInfo, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, model.ItemInfo{MagnetItem: st.item, Active: st.active})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i].MagnetItem, out[j].MagnetItem) })
	for i := range out {
		out[i].Stock = stock.Get(out[i].Breed)
	}
	return out
}

func sortItems(items []model.MagnetItem) {
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
}

func less(a, b model.MagnetItem) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.Breed < b.Breed
}

package tle

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the current TLE dataset. Reads never block; writers replace
// the whole dataset.
type Store struct {
	dataset atomic.Pointer[TLEDataset]
	mu      sync.Mutex // held by Refresher for the duration of a refresh
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current dataset, or nil if none has been loaded.
func (s *Store) Get() *TLEDataset {
	return s.dataset.Load()
}

// Set atomically replaces the current dataset.
func (s *Store) Set(ds *TLEDataset) {
	s.dataset.Store(ds)
}

// Age reports how long before now the current dataset was fetched. ok is
// false when nothing is loaded.
func (s *Store) Age(now time.Time) (age time.Duration, ok bool) {
	ds := s.dataset.Load()
	if ds == nil {
		return 0, false
	}
	return now.Sub(ds.FetchedAt), true
}

// Select picks the tracked entries by name from the current dataset.
func (s *Store) Select(names []string) ([]TLEEntry, error) {
	return Select(s.dataset.Load(), names)
}

package tle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Refresher keeps a Store populated from a Fetcher, persisting every
// successful fetch through a Cache so that restarts can serve the last
// known dataset without network access.
type Refresher struct {
	fetcher *Fetcher
	cache   *Cache
	store   *Store
	logger  *slog.Logger

	// OnUpdate, if set, is called after every successful store update.
	OnUpdate func(ds *TLEDataset)
}

// NewRefresher wires a fetcher, disk cache and store together. The fetcher
// may be nil, in which case only the disk cache is used.
func NewRefresher(fetcher *Fetcher, cache *Cache, store *Store, logger *slog.Logger) *Refresher {
	return &Refresher{
		fetcher: fetcher,
		cache:   cache,
		store:   store,
		logger:  logger,
	}
}

// LoadCached loads the newest cached file into the store.
func (r *Refresher) LoadCached() (*TLEDataset, error) {
	data, ts, err := r.cache.LoadLatest()
	if err != nil {
		return nil, err
	}
	return r.apply(data, "cache", ts)
}

// Refresh fetches fresh data, writes it to the cache and updates the store.
func (r *Refresher) Refresh(ctx context.Context) (*TLEDataset, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("TLE fetching is disabled")
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ds, err := r.apply(data, r.fetcher.SourceURL(), now)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Write(data, now); err != nil {
		r.logger.Warn("failed to write TLE cache", "error", err)
	}
	return ds, nil
}

// Run refreshes the dataset whenever it is older than maxAge, checking every
// interval, until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if age, ok := r.store.Age(time.Now()); !ok || age > maxAge {
			if ds, err := r.Refresh(ctx); err != nil {
				r.logger.Warn("TLE refresh failed", "error", err)
			} else {
				r.logger.Info("TLE dataset refreshed", "count", len(ds.Satellites), "source", ds.Source)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) apply(data []byte, source string, ts time.Time) (*TLEDataset, error) {
	entries, err := Parse(bytes.NewReader(data), r.logger)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no TLE entries in data from %s", source)
	}

	ds := NewDataset(source, ts, entries)
	r.store.Set(ds)
	if r.OnUpdate != nil {
		r.OnUpdate(ds)
	}
	return ds, nil
}

package propagation

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/passover/internal/tle"
)

// propSet holds preinitialised propagators for one TLE dataset.
// Immutable after construction.
type propSet struct {
	props map[int]*SGP4Propagator
	errs  map[int]error
	ds    *tle.TLEDataset
}

// Cache keeps SGP4 propagators for the current TLE dataset so repeated
// searches skip TLE parsing and SGP4 initialisation. It is rebuilt whenever
// a different dataset is passed in. Safe for concurrent use.
type Cache struct {
	current atomic.Pointer[propSet]
	mu      sync.Mutex // serializes rebuilds
	logger  *slog.Logger
}

// NewCache creates an empty propagator cache.
func NewCache(logger *slog.Logger) *Cache {
	return &Cache{logger: logger}
}

// Get returns the propagator for noradID in ds, building the per-dataset
// set on first use (double-checked locking).
func (c *Cache) Get(ds *tle.TLEDataset, noradID int) (*SGP4Propagator, error) {
	set := c.setFor(ds)
	if p, ok := set.props[noradID]; ok {
		return p, nil
	}
	if err, ok := set.errs[noradID]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("NORAD %d not in TLE dataset from %s", noradID, ds.Source)
}

func (c *Cache) setFor(ds *tle.TLEDataset) *propSet {
	if s := c.current.Load(); s != nil && s.ds == ds {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.current.Load(); s != nil && s.ds == ds {
		return s
	}

	s := &propSet{
		props: make(map[int]*SGP4Propagator, len(ds.Satellites)),
		errs:  make(map[int]error),
		ds:    ds,
	}
	for _, entry := range ds.Satellites {
		if _, ok := s.props[entry.NORADID]; ok {
			continue
		}
		p, err := NewSGP4Propagator(entry.Line1, entry.Line2, entry.NORADID)
		if err != nil {
			c.logger.Warn("sgp4 cache init failed", "norad_id", entry.NORADID, "error", err)
			s.errs[entry.NORADID] = err
			continue
		}
		s.props[entry.NORADID] = p
	}

	c.logger.Info("sgp4 propagator cache rebuilt",
		"cached", len(s.props),
		"skipped", len(s.errs),
		"dataset_fetched_at", ds.FetchedAt.UTC().Format(time.RFC3339),
	)
	c.current.Store(s)
	return s
}

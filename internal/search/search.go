// Package search finds the next overhead passes of every tracked object over
// a ground location, growing the search horizon one window at a time until
// each object has at least one rise.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/star/passover/internal/ephemeris"
	"github.com/star/passover/internal/metrics"
)

var (
	// ErrInvalidWindow is returned when the requested window is shorter than a day.
	ErrInvalidWindow = errors.New("window must be at least one day")
	// ErrNoTrackedObjects is returned when the ephemeris source tracks nothing.
	ErrNoTrackedObjects = errors.New("no tracked objects")
)

// NotFoundError is returned when the expansion limit is reached with some
// objects still lacking a rise.
type NotFoundError struct {
	Unsatisfied []string
	Horizon     time.Time
	Windows     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pass found for %s within %d windows (horizon %s)",
		strings.Join(e.Unsatisfied, ", "), e.Windows, e.Horizon.Format(time.RFC3339))
}

// Config bounds the search.
type Config struct {
	// MaxExpansions is how many times the window may grow past the first one.
	MaxExpansions int
}

// DefaultConfig allows 24 expansions.
func DefaultConfig() Config {
	return Config{MaxExpansions: 24}
}

// Result maps each tracked object id to the rise times found in the window
// that first satisfied it, in chronological order.
type Result struct {
	Passes  map[string][]time.Time `json:"passes"`
	Windows int                    `json:"windows"`
	Start   time.Time              `json:"start"`
	End     time.Time              `json:"end"`
}

// Engine runs pass searches against an ephemeris source.
type Engine struct {
	src    ephemeris.Source
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the clock used for the search start.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over src.
func NewEngine(src ephemeris.Source, config Config, logger *slog.Logger, opts ...Option) *Engine {
	if config.MaxExpansions < 0 {
		config.MaxExpansions = 0
	}
	e := &Engine{
		src:    src,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindNextPasses searches [now, now+minWindowDays) for rises of every tracked
// object over loc. Objects still without a rise are re-queried over the next
// window of the same length, up to MaxExpansions times. Any ephemeris error
// aborts the whole search.
func (e *Engine) FindNextPasses(ctx context.Context, loc ephemeris.Location, minWindowDays int) (*Result, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if minWindowDays < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, minWindowDays)
	}

	began := time.Now()
	res, err := e.find(ctx, loc, minWindowDays)
	switch {
	case err == nil:
		metrics.ObserveSearch("ok", res.Windows, time.Since(began))
	case errors.As(err, new(*NotFoundError)):
		metrics.ObserveSearch("not_found", 0, time.Since(began))
	default:
		metrics.ObserveSearch("error", 0, time.Since(began))
	}
	return res, err
}

func (e *Engine) find(ctx context.Context, loc ephemeris.Location, days int) (*Result, error) {
	objs, err := e.src.TrackedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tracked objects: %w", err)
	}
	if len(objs) == 0 {
		return nil, ErrNoTrackedObjects
	}

	// Whole seconds, never earlier than the call.
	now := e.now().UTC()
	if t := now.Truncate(time.Second); t.Before(now) {
		now = t.Add(time.Second)
	}
	step := time.Duration(days) * 24 * time.Hour
	res := &Result{
		Passes: make(map[string][]time.Time, len(objs)),
		Start:  now,
	}

	pending := objs
	start, end := now, now.Add(step)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Windows++

		var remaining []ephemeris.TrackedObject
		for _, obj := range pending {
			rises, err := e.rises(ctx, obj, loc, start, end, now)
			if err != nil {
				return nil, err
			}
			if len(rises) == 0 {
				remaining = append(remaining, obj)
				continue
			}
			res.Passes[obj.ID] = rises
		}

		e.logger.Debug("search window scanned",
			"window", res.Windows,
			"window_start", start.Format(time.RFC3339),
			"window_end", end.Format(time.RFC3339),
			"queried", len(pending),
			"unsatisfied", len(remaining),
		)

		pending = remaining
		res.End = end
		if len(pending) == 0 {
			break
		}
		if res.Windows > e.config.MaxExpansions {
			ids := make([]string, len(pending))
			for i, obj := range pending {
				ids[i] = obj.ID
			}
			return nil, &NotFoundError{Unsatisfied: ids, Horizon: end, Windows: res.Windows}
		}
		start, end = end, end.Add(step)
	}

	e.logger.Info("pass search complete",
		"latitude", loc.Latitude,
		"longitude", loc.Longitude,
		"window_days", days,
		"windows", res.Windows,
		"objects", len(res.Passes),
	)
	return res, nil
}

// rises returns the rise times of obj in [start, end) that are not before
// now, in the order the source emitted them.
func (e *Engine) rises(ctx context.Context, obj ephemeris.TrackedObject, loc ephemeris.Location, start, end, now time.Time) ([]time.Time, error) {
	events, err := e.src.FindEvents(ctx, obj, loc, start, end)
	if err != nil {
		metrics.EphemerisError()
		return nil, fmt.Errorf("find events for %s in [%s, %s): %w",
			obj.ID, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}

	var out []time.Time
	for _, ev := range events {
		if ev.Kind != ephemeris.Rise || ev.Time.Before(now) {
			continue
		}
		out = append(out, ev.Time.UTC())
	}
	return out, nil
}

package ephemeris

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/passover/internal/propagation"
	"github.com/star/passover/internal/tle"
	"github.com/star/passover/internal/transform"
)

// Config holds SGP4 event-finder settings.
type Config struct {
	// Names selects the tracked objects from the TLE dataset (case-insensitive
	// substring match, see tle.Select).
	Names []string
	// MinElevation is the elevation in degrees a satellite must reach for a
	// pass to count.
	MinElevation float64
	CoarseStep   time.Duration // horizon scan step
	FineStep     time.Duration // threshold crossing resolution
}

// DefaultConfig tracks Landsat 8 and 9 at 80 degrees elevation.
func DefaultConfig() Config {
	return Config{
		Names:        []string{"LANDSAT 8", "LANDSAT 9"},
		MinElevation: 80,
		CoarseStep:   30 * time.Second,
		FineStep:     time.Second,
	}
}

// SGP4 finds pass events by propagating the current TLE dataset with SGP4.
type SGP4 struct {
	store  *tle.Store
	props  *propagation.Cache
	config Config
	logger *slog.Logger
}

// NewSGP4 creates an SGP4-backed Source over the TLE store.
func NewSGP4(store *tle.Store, config Config, logger *slog.Logger) *SGP4 {
	def := DefaultConfig()
	if config.CoarseStep <= 0 {
		config.CoarseStep = def.CoarseStep
	}
	if config.FineStep <= 0 {
		config.FineStep = def.FineStep
	}
	return &SGP4{
		store:  store,
		props:  propagation.NewCache(logger),
		config: config,
		logger: logger,
	}
}

// TrackedObjects selects the configured satellites from the current dataset.
func (s *SGP4) TrackedObjects(ctx context.Context) ([]TrackedObject, error) {
	if s.store.Get() == nil {
		return nil, ErrNoData
	}
	entries, err := s.store.Select(s.config.Names)
	if err != nil {
		return nil, err
	}

	objs := make([]TrackedObject, len(entries))
	for i, e := range entries {
		objs[i] = TrackedObject{ID: e.Name, NORADID: e.NORADID, Epoch: e.Epoch}
	}
	return objs, nil
}

// FindEvents scans [start, end) for rise, culmination and set events of obj
// above the configured elevation. A pass already in progress at start yields
// no rise, only its remaining events. A rise exactly at start is reported.
func (s *SGP4) FindEvents(ctx context.Context, obj TrackedObject, loc Location, start, end time.Time) ([]Event, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("empty window [%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	ds := s.store.Get()
	if ds == nil {
		return nil, ErrNoData
	}
	prop, err := s.props.Get(ds, obj.NORADID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", obj.ID, err)
	}

	sc := &scanner{
		prop:   prop,
		site:   transform.NewSite(loc.Latitude, loc.Longitude, 0),
		obj:    obj,
		minEl:  s.config.MinElevation,
		coarse: s.config.CoarseStep,
		fine:   s.config.FineStep,
	}
	events, err := sc.scan(ctx, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", obj.ID, err)
	}

	s.logger.Debug("ephemeris window scanned",
		"object", obj.ID,
		"norad_id", obj.NORADID,
		"window_start", start.UTC().Format(time.RFC3339),
		"window_end", end.UTC().Format(time.RFC3339),
		"events", len(events),
	)
	return events, nil
}

// scanner walks one window. The coarse pass looks for the satellite above the
// geometric horizon; each such window is then fine-scanned for crossings of
// the minimum elevation.
type scanner struct {
	prop   *propagation.SGP4Propagator
	site   transform.Site
	obj    TrackedObject
	minEl  float64
	coarse time.Duration
	fine   time.Duration

	events []Event
}

func (sc *scanner) scan(ctx context.Context, start, end time.Time) ([]Event, error) {
	prev := start
	for t := start; t.Before(end); t = t.Add(sc.coarse) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		el, err := sc.elevation(t)
		if err != nil {
			return nil, err
		}
		if el <= 0 {
			prev = t
			continue
		}

		// Back up to the last below-horizon sample so the rise is found.
		stop, err := sc.refine(prev, start, end)
		if err != nil {
			return nil, err
		}
		prev, t = stop, stop
	}
	return sc.events, nil
}

// refine fine-scans from 'from' until the satellite has risen above and
// dropped back below the horizon, or the window closes, emitting threshold
// events. It returns the time the scan stopped.
func (sc *scanner) refine(from, start, end time.Time) (time.Time, error) {
	var (
		seenUp    bool // above the horizon at some sample
		above     bool // above the threshold at the previous sample
		rose      bool // the current pass rose inside the window
		passStart time.Time
		maxEl     float64
		maxT      time.Time
		lastT     time.Time
	)

	t := from
	for ; t.Before(end); t = t.Add(sc.fine) {
		el, err := sc.elevation(t)
		if err != nil {
			return t, err
		}
		lastT = t

		nowAbove := el >= sc.minEl
		switch {
		case nowAbove && !above:
			rose = true
			if t.Equal(start) {
				if rose, err = sc.crossesAt(start); err != nil {
					return t, err
				}
			}
			if rose {
				sc.emit(Rise, t, el)
			}
			passStart = t
			maxEl, maxT = el, t
		case nowAbove && el > maxEl:
			maxEl, maxT = el, t
		case !nowAbove && above:
			sc.culminate(rose, passStart, maxT, maxEl)
			sc.emit(Set, t, el)
		}
		above = nowAbove

		if el > 0 {
			seenUp = true
		} else if seenUp {
			return t, nil
		}
	}

	// Window closed mid-pass: the culmination counts only if it is behind us.
	if above && maxT.Before(lastT) {
		sc.culminate(rose, passStart, maxT, maxEl)
	}
	return t, nil
}

// crossesAt reports whether the threshold is crossed upward at t, that is
// the satellite was still below it one fine step earlier. A pass that was
// already up before t started in an earlier window.
func (sc *scanner) crossesAt(t time.Time) (bool, error) {
	el, err := sc.elevation(t.Add(-sc.fine))
	if err != nil {
		return false, err
	}
	return el < sc.minEl, nil
}

// culminate emits the culmination of a pass unless the pass was already
// descending when the window opened.
func (sc *scanner) culminate(rose bool, passStart, maxT time.Time, maxEl float64) {
	if rose || maxT.After(passStart) {
		sc.emit(Culmination, maxT, maxEl)
	}
}

func (sc *scanner) emit(kind EventKind, t time.Time, el float64) {
	sc.events = append(sc.events, Event{ObjectID: sc.obj.ID, Kind: kind, Time: t, ElevationDeg: el})
}

func (sc *scanner) elevation(t time.Time) (float64, error) {
	teme, err := sc.prop.Propagate(t)
	if err != nil {
		return 0, err
	}
	return sc.site.LookAt(transform.TEMEToECEF(teme, t)).ElevationDeg, nil
}

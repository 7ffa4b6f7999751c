// Package ephemeris answers "when is this satellite overhead?" for a ground
// location. Source is the contract the pass search depends on; SGP4 is the
// implementation backed by the current TLE dataset.
package ephemeris

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidLocation is returned for coordinates outside the standard ranges.
	ErrInvalidLocation = errors.New("invalid location")
	// ErrNoData is returned when no orbital data has been loaded yet.
	ErrNoData = errors.New("no orbital data loaded")
)

// EventKind is the kind of a pass event.
type EventKind int

const (
	Rise EventKind = iota
	Culmination
	Set
)

func (k EventKind) String() string {
	switch k {
	case Rise:
		return "rise"
	case Culmination:
		return "culmination"
	case Set:
		return "set"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one pass event for a tracked object.
type Event struct {
	ObjectID     string    `json:"object_id"`
	Kind         EventKind `json:"kind"`
	Time         time.Time `json:"time"`
	ElevationDeg float64   `json:"elevation_deg"`
}

// TrackedObject is one satellite whose passes are predicted.
type TrackedObject struct {
	ID      string    `json:"id"` // satellite name, e.g. "LANDSAT 8"
	NORADID int       `json:"norad_id"`
	Epoch   time.Time `json:"epoch"`
}

// Location is a point on the ground in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks that the location lies within [-90, 90] x [-180, 180].
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidLocation, l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidLocation, l.Longitude)
	}
	return nil
}

// Source produces pass events for tracked objects.
type Source interface {
	// TrackedObjects returns the objects currently being tracked.
	TrackedObjects(ctx context.Context) ([]TrackedObject, error)

	// FindEvents returns the events of obj over loc in [start, end), in
	// chronological order.
	FindEvents(ctx context.Context, obj TrackedObject, loc Location, start, end time.Time) ([]Event, error)
}

// Package catalog searches the scene archive for products covering a
// location and keeps a local SQLite index of every scene it has seen.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultDataset is Landsat 8-9 Collection 2 Level-2.
const DefaultDataset = "landsat_ot_c2_l2"

const defaultMaxResults = 100

// ErrInvalidFilters is returned for filters that cannot form a search.
var ErrInvalidFilters = errors.New("invalid catalog filters")

// Filters select scenes covering a point within a date range.
type Filters struct {
	Dataset       string
	Latitude      float64
	Longitude     float64
	StartDate     time.Time
	EndDate       time.Time
	MaxCloudCover float64 // percent; 0 or less means no limit
	MaxResults    int
}

// Normalize fills defaults.
func (f Filters) Normalize() Filters {
	if f.Dataset == "" {
		f.Dataset = DefaultDataset
	}
	if f.MaxCloudCover <= 0 || f.MaxCloudCover > 100 {
		f.MaxCloudCover = 100
	}
	if f.MaxResults <= 0 {
		f.MaxResults = defaultMaxResults
	}
	return f
}

// Validate checks coordinates and the date range.
func (f Filters) Validate() error {
	if math.IsNaN(f.Latitude) || f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidFilters, f.Latitude)
	}
	if math.IsNaN(f.Longitude) || f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidFilters, f.Longitude)
	}
	if f.StartDate.IsZero() || f.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidFilters)
	}
	if f.EndDate.Before(f.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidFilters)
	}
	return nil
}

// Scene is one archived product.
type Scene struct {
	EntityID        string    `json:"entity_id"`
	DisplayID       string    `json:"display_id"`
	Dataset         string    `json:"dataset"`
	AcquisitionDate time.Time `json:"acquisition_date"`
	CloudCover      float64   `json:"cloud_cover"`
	// Footprint is the GeoJSON geometry of the scene.
	Footprint json.RawMessage `json:"spatial_coverage,omitempty"`
}

// Searcher finds scenes matching filters.
type Searcher interface {
	Search(ctx context.Context, f Filters) ([]Scene, error)
}

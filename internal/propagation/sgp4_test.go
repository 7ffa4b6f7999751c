package propagation

import (
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/star/passover/internal/tle"
	"github.com/star/passover/internal/transform"
)

// Landsat 8 style elements: sun-synchronous, ~705 km, 14.57 rev/day.
const (
	landsat8Line1 = "1 39084U 13008A   24100.50000000  .00000500  00000-0  11000-3 0  9005"
	landsat8Line2 = "2 39084  98.2200 170.0000 0001200  90.0000 270.0000 14.57100000    09"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPropagateLandsatAltitude(t *testing.T) {
	prop, err := NewSGP4Propagator(landsat8Line1, landsat8Line2, 39084)
	if err != nil {
		t.Fatalf("NewSGP4Propagator failed: %v", err)
	}

	target := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	teme, err := prop.Propagate(target)
	if err != nil {
		t.Fatalf("Propagate failed: %v", err)
	}

	// ~6378 + 705 km.
	mag := math.Sqrt(teme.X*teme.X + teme.Y*teme.Y + teme.Z*teme.Z)
	if mag < 6950 || mag > 7200 {
		t.Errorf("TEME position magnitude = %.1f km, expected ~7083 km", mag)
	}

	ecef := transform.TEMEToECEF(teme, target)
	if !transform.ValidateECEF(ecef) {
		t.Errorf("ECEF position failed validation: %+v", ecef)
	}
	if diff := math.Abs(ecef.Norm()/1000.0 - mag); diff > 0.01 {
		t.Errorf("ECEF and TEME radii differ by %.3f km", diff)
	}
}

func TestPropagateInvalidTLE(t *testing.T) {
	if _, err := NewSGP4Propagator("invalid line 1", "invalid line 2", 99999); err == nil {
		t.Fatal("expected error for invalid TLE, got nil")
	}

	swapped := strings.Replace(landsat8Line1, "1 ", "3 ", 1)
	if _, err := NewSGP4Propagator(swapped, landsat8Line2, 39084); err == nil {
		t.Fatal("expected error for wrong line number")
	}
}

func TestCacheReusesPropagators(t *testing.T) {
	c := NewCache(testLogger())
	ds := tle.NewDataset("test", time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), []tle.TLEEntry{
		{NORADID: 39084, Name: "LANDSAT 8", Line1: landsat8Line1, Line2: landsat8Line2},
		{NORADID: 99999, Name: "BROKEN", Line1: "1 bad", Line2: "2 bad"},
	})

	p1, err := c.Get(ds, 39084)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p2, err := c.Get(ds, 39084)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p1 != p2 {
		t.Error("expected the same propagator for the same dataset")
	}

	if _, err := c.Get(ds, 99999); err == nil || !strings.Contains(err.Error(), "invalid TLE") {
		t.Errorf("expected init error for broken entry, got %v", err)
	}
	if _, err := c.Get(ds, 12345); err == nil {
		t.Error("expected error for unknown NORAD ID")
	}

	// A refreshed dataset rebuilds the set.
	ds2 := tle.NewDataset("test", ds.FetchedAt.Add(time.Hour), ds.Satellites[:1])
	p3, err := c.Get(ds2, 39084)
	if err != nil {
		t.Fatalf("Get after refresh: %v", err)
	}
	if p3 == p1 {
		t.Error("expected a rebuilt propagator after dataset change")
	}
}

func TestCacheRebuildsForDatasetWithSameFetchTime(t *testing.T) {
	c := NewCache(testLogger())
	fetched := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	first := tle.NewDataset("cache", fetched, []tle.TLEEntry{
		{NORADID: 39084, Name: "LANDSAT 8", Line1: landsat8Line1, Line2: landsat8Line2},
	})
	second := tle.NewDataset("upstream", fetched, []tle.TLEEntry{
		{NORADID: 39084, Name: "LANDSAT 8", Line1: landsat8Line1, Line2: landsat8Line2},
	})

	p1, err := c.Get(first, 39084)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p2, err := c.Get(second, 39084)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p1 == p2 {
		t.Error("expected a new propagator for a different dataset with the same fetch time")
	}
}

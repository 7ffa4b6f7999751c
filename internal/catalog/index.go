package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02T15:04:05Z"

// Index persists scenes in SQLite so earlier search results stay available
// when the catalog service is not.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

// OpenIndex creates or opens the index database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Index{db: db, now: time.Now}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	if x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Upsert stores scenes, replacing earlier records with the same entity id.
func (x *Index) Upsert(ctx context.Context, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert scenes: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scenes
		(entity_id, display_id, dataset, acquisition_date, cloud_cover, footprint,
		 min_lat, max_lat, min_lon, max_lon, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			display_id = excluded.display_id,
			dataset = excluded.dataset,
			acquisition_date = excluded.acquisition_date,
			cloud_cover = excluded.cloud_cover,
			footprint = excluded.footprint,
			min_lat = excluded.min_lat,
			max_lat = excluded.max_lat,
			min_lon = excluded.min_lon,
			max_lon = excluded.max_lon,
			indexed_at = excluded.indexed_at
	`)
	if err != nil {
		return fmt.Errorf("upsert scenes: %w", err)
	}
	defer stmt.Close()

	indexedAt := x.now().UTC().Format(timeLayout)
	for _, s := range scenes {
		if s.EntityID == "" {
			return fmt.Errorf("upsert scenes: scene %q has no entity id", s.DisplayID)
		}

		var footprint, minLat, maxLat, minLon, maxLon any
		if len(s.Footprint) > 0 {
			footprint = string(s.Footprint)
			if b, ok := footprintBounds(s.Footprint); ok {
				minLat, maxLat, minLon, maxLon = b.minLat, b.maxLat, b.minLon, b.maxLon
			}
		}

		if _, err := stmt.ExecContext(ctx,
			s.EntityID,
			s.DisplayID,
			s.Dataset,
			s.AcquisitionDate.UTC().Format(timeLayout),
			s.CloudCover,
			footprint,
			minLat, maxLat, minLon, maxLon,
			indexedAt,
		); err != nil {
			return fmt.Errorf("upsert scene %s: %w", s.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert scenes: %w", err)
	}
	return nil
}

// Search returns indexed scenes whose footprint bounds contain the filter
// point, acquired on a day within [StartDate, EndDate], ordered by
// acquisition date.
func (x *Index) Search(ctx context.Context, f Filters) ([]Scene, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	from := truncateDay(f.StartDate)
	until := truncateDay(f.EndDate).AddDate(0, 0, 1)

	rows, err := x.db.QueryContext(ctx, `
		SELECT entity_id, display_id, dataset, acquisition_date, cloud_cover, footprint
		FROM scenes
		WHERE dataset = ?
		  AND acquisition_date >= ? AND acquisition_date < ?
		  AND cloud_cover <= ?
		  AND min_lat <= ? AND max_lat >= ?
		  AND min_lon <= ? AND max_lon >= ?
		ORDER BY acquisition_date, entity_id
		LIMIT ?
	`,
		f.Dataset,
		from.Format(timeLayout), until.Format(timeLayout),
		f.MaxCloudCover,
		f.Latitude, f.Latitude,
		f.Longitude, f.Longitude,
		f.MaxResults,
	)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer rows.Close()

	var out []Scene
	for rows.Next() {
		var (
			s         Scene
			acquired  string
			footprint sql.NullString
		)
		if err := rows.Scan(&s.EntityID, &s.DisplayID, &s.Dataset, &acquired, &s.CloudCover, &footprint); err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		if s.AcquisitionDate, err = time.Parse(timeLayout, acquired); err != nil {
			return nil, fmt.Errorf("scene %s: bad acquisition date %q: %w", s.EntityID, acquired, err)
		}
		if footprint.Valid {
			s.Footprint = json.RawMessage(footprint.String)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return out, nil
}

// Count returns the number of indexed scenes.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scenes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count scenes: %w", err)
	}
	return n, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type bounds struct {
	minLat, maxLat, minLon, maxLon float64
}

// geometry covers GeoJSON geometries and features.
type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
	Geometry    json.RawMessage `json:"geometry"`
	Geometries  []geometry      `json:"geometries"`
}

// footprintBounds returns the lat/lon bounding box of a GeoJSON geometry.
func footprintBounds(raw json.RawMessage) (bounds, bool) {
	var g geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return bounds{}, false
	}

	b := bounds{minLat: math.Inf(1), maxLat: math.Inf(-1), minLon: math.Inf(1), maxLon: math.Inf(-1)}
	found := b.addGeometry(g)
	return b, found
}

func (b *bounds) addGeometry(g geometry) bool {
	found := false
	if len(g.Geometry) > 0 {
		var inner geometry
		if json.Unmarshal(g.Geometry, &inner) == nil {
			found = b.addGeometry(inner) || found
		}
	}
	for _, sub := range g.Geometries {
		found = b.addGeometry(sub) || found
	}
	if len(g.Coordinates) > 0 {
		var coords any
		if json.Unmarshal(g.Coordinates, &coords) == nil {
			found = b.addCoords(coords) || found
		}
	}
	return found
}

// addCoords walks nested coordinate arrays; a position is [lon, lat, ...].
func (b *bounds) addCoords(v any) bool {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	if lon, ok := arr[0].(float64); ok {
		if len(arr) < 2 {
			return false
		}
		lat, ok := arr[1].(float64)
		if !ok {
			return false
		}
		b.minLat = math.Min(b.minLat, lat)
		b.maxLat = math.Max(b.maxLat, lat)
		b.minLon = math.Min(b.minLon, lon)
		b.maxLon = math.Max(b.maxLon, lon)
		return true
	}

	found := false
	for _, el := range arr {
		found = b.addCoords(el) || found
	}
	return found
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/star/passover/internal/metrics"
)

// CachingClient searches the remote catalog, records every result in the
// index, and answers from the index when the remote search fails.
type CachingClient struct {
	remote Searcher
	index  *Index
	logger *slog.Logger

	// FootprintDir, when set, receives a GeoJSON footprint file for every
	// scene returned by the remote catalog.
	FootprintDir string
}

// NewCachingClient wraps remote with index. remote may be nil, in which case
// only the index is searched.
func NewCachingClient(remote Searcher, index *Index, logger *slog.Logger) *CachingClient {
	return &CachingClient{remote: remote, index: index, logger: logger}
}

// Search implements Searcher.
func (c *CachingClient) Search(ctx context.Context, f Filters) ([]Scene, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	if c.remote != nil {
		scenes, err := c.remote.Search(ctx, f)
		if err == nil {
			if uerr := c.index.Upsert(ctx, scenes); uerr != nil {
				c.logger.Warn("catalog index update failed", "error", uerr)
			}
			c.writeFootprints(scenes)
			metrics.CatalogSearch("remote")
			return scenes, nil
		}
		if errors.Is(err, ErrInvalidFilters) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("remote catalog search failed, using index", "error", err)

		scenes, ierr := c.index.Search(ctx, f)
		if ierr != nil {
			return nil, fmt.Errorf("remote: %w; index: %v", err, ierr)
		}
		metrics.CatalogSearch("index")
		return scenes, nil
	}

	scenes, err := c.index.Search(ctx, f)
	if err != nil {
		return nil, err
	}
	metrics.CatalogSearch("index")
	return scenes, nil
}

func (c *CachingClient) writeFootprints(scenes []Scene) {
	if c.FootprintDir == "" {
		return
	}
	for _, s := range scenes {
		if len(s.Footprint) == 0 {
			continue
		}
		if _, err := WriteFootprint(c.FootprintDir, s); err != nil {
			c.logger.Warn("footprint not written", "display_id", s.DisplayID, "error", err)
		}
	}
}

// WriteFootprint writes the scene footprint to {dir}/{display_id}.geojson
// and returns the path.
func WriteFootprint(dir string, s Scene) (string, error) {
	if s.DisplayID == "" || strings.ContainsAny(s.DisplayID, `/\`) || strings.HasPrefix(s.DisplayID, ".") {
		return "", fmt.Errorf("unusable display id %q", s.DisplayID)
	}
	if len(s.Footprint) == 0 {
		return "", fmt.Errorf("scene %s has no footprint", s.DisplayID)
	}
	if !json.Valid(s.Footprint) {
		return "", fmt.Errorf("scene %s footprint is not valid JSON", s.DisplayID)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, s.DisplayID+".geojson")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.Footprint, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

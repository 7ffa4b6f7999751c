package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBodyBytes caps a single search response.
const maxBodyBytes = 50 << 20

const dateLayout = "2006-01-02"

// searchRequest is the JSON body posted to the catalog service.
type searchRequest struct {
	Dataset       string  `json:"dataset"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	StartDate     string  `json:"start_date"`
	EndDate       string  `json:"end_date"`
	MaxCloudCover float64 `json:"max_cloud_cover"`
	MaxResults    int     `json:"max_results"`
}

type searchResponse struct {
	Scenes []Scene `json:"scenes"`
}

// Client searches a remote catalog service over HTTP.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client posting searches to url. token, when set, is
// sent as a bearer token.
func NewClient(url, token string, logger *slog.Logger) *Client {
	return &Client{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Search posts the filters and decodes the returned scenes.
func (c *Client) Search(ctx context.Context, f Filters) ([]Scene, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchRequest{
		Dataset:       f.Dataset,
		Latitude:      f.Latitude,
		Longitude:     f.Longitude,
		StartDate:     f.StartDate.UTC().Format(dateLayout),
		EndDate:       f.EndDate.UTC().Format(dateLayout),
		MaxCloudCover: f.MaxCloudCover,
		MaxResults:    f.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searching catalog: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("response exceeds %d byte limit", maxBodyBytes)
	}

	var out searchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	for i := range out.Scenes {
		if out.Scenes[i].Dataset == "" {
			out.Scenes[i].Dataset = f.Dataset
		}
	}

	c.logger.Info("catalog search complete",
		"dataset", f.Dataset,
		"scenes", len(out.Scenes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out.Scenes, nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PredictResult mirrors the daemon's predict response.
type PredictResult struct {
	Passes  map[string][]string `json:"passes" yaml:"passes"`
	Windows int                 `json:"windows" yaml:"windows"`
	Start   string              `json:"start" yaml:"start"`
	End     string              `json:"end" yaml:"end"`
}

// CachedResult mirrors the daemon's cached response.
type CachedResult struct {
	ID     string `json:"id" yaml:"id"`
	Cached bool   `json:"cached" yaml:"cached"`
}

// AcquireResult mirrors the daemon's acquire response.
type AcquireResult struct {
	ID        string `json:"id" yaml:"id"`
	Scheduled bool   `json:"scheduled" yaml:"scheduled"`
}

// StatusResult mirrors the daemon's product status response.
type StatusResult struct {
	ID          string `json:"id" yaml:"id"`
	Known       bool   `json:"known" yaml:"known"`
	InProgress  bool   `json:"in_progress" yaml:"in_progress"`
	Status      string `json:"status,omitempty" yaml:"status,omitempty"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
	Extracted   bool   `json:"extracted,omitempty" yaml:"extracted,omitempty"`
	Files       int    `json:"files,omitempty" yaml:"files,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty" yaml:"from_cache,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Scene is one catalog entry as printed by the CLI.
type Scene struct {
	EntityID        string  `json:"entity_id" yaml:"entity_id"`
	DisplayID       string  `json:"display_id" yaml:"display_id"`
	Dataset         string  `json:"dataset" yaml:"dataset"`
	AcquisitionDate string  `json:"acquisition_date" yaml:"acquisition_date"`
	CloudCover      float64 `json:"cloud_cover" yaml:"cloud_cover"`
}

// ScenesResult mirrors the daemon's scenes response.
type ScenesResult struct {
	Scenes []Scene `json:"scenes" yaml:"scenes"`
	Count  int     `json:"count" yaml:"count"`
}

// TLEResult mirrors the daemon's TLE metadata response.
type TLEResult struct {
	Source     string  `json:"source" yaml:"source"`
	FetchedAt  string  `json:"fetched_at" yaml:"fetched_at"`
	AgeSeconds float64 `json:"age_seconds" yaml:"age_seconds"`
	Satellites int     `json:"satellites" yaml:"satellites"`
	EpochMin   string  `json:"epoch_min" yaml:"epoch_min"`
	EpochMax   string  `json:"epoch_max" yaml:"epoch_max"`
}

// ScenesQuery holds the scene search parameters.
type ScenesQuery struct {
	Latitude, Longitude float64
	Start, End          string
	MaxCloud            float64
	Limit               int
	Dataset             string
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a passoverd instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a daemon client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Predict runs a pass search.
func (c *Client) Predict(ctx context.Context, lat, lon float64, days int) (*PredictResult, error) {
	q := url.Values{}
	q.Set("lat", formatFloat(lat))
	q.Set("lon", formatFloat(lon))
	q.Set("days", strconv.Itoa(days))
	return call[PredictResult](ctx, c, http.MethodGet, "/api/v1/predict?"+q.Encode())
}

// Cached reports whether a product is already extracted.
func (c *Client) Cached(ctx context.Context, id string) (*CachedResult, error) {
	return call[CachedResult](ctx, c, http.MethodGet, productPath(id, "cached"))
}

// Acquire schedules a product acquisition.
func (c *Client) Acquire(ctx context.Context, id string) (*AcquireResult, error) {
	return call[AcquireResult](ctx, c, http.MethodPost, productPath(id, "acquire"))
}

// Status reports a product's acquisition state.
func (c *Client) Status(ctx context.Context, id string) (*StatusResult, error) {
	return call[StatusResult](ctx, c, http.MethodGet, productPath(id, "status"))
}

// Scenes searches the scene catalog.
func (c *Client) Scenes(ctx context.Context, sq ScenesQuery) (*ScenesResult, error) {
	q := url.Values{}
	q.Set("lat", formatFloat(sq.Latitude))
	q.Set("lon", formatFloat(sq.Longitude))
	if sq.Start != "" {
		q.Set("start", sq.Start)
	}
	if sq.End != "" {
		q.Set("end", sq.End)
	}
	if sq.MaxCloud > 0 {
		q.Set("max_cloud", formatFloat(sq.MaxCloud))
	}
	if sq.Limit > 0 {
		q.Set("limit", strconv.Itoa(sq.Limit))
	}
	if sq.Dataset != "" {
		q.Set("dataset", sq.Dataset)
	}
	return call[ScenesResult](ctx, c, http.MethodGet, "/api/v1/scenes?"+q.Encode())
}

// FetchTLE asks the daemon to refresh its TLE dataset.
func (c *Client) FetchTLE(ctx context.Context) (*TLEResult, error) {
	return call[TLEResult](ctx, c, http.MethodPost, "/api/v1/tle/fetch")
}

// TLEMetadata returns the daemon's current TLE dataset metadata.
func (c *Client) TLEMetadata(ctx context.Context) (*TLEResult, error) {
	return call[TLEResult](ctx, c, http.MethodGet, "/api/v1/tle/metadata")
}

func call[T any](ctx context.Context, c *Client, method, path string) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func productPath(id, action string) string {
	return "/api/v1/products/" + url.PathEscape(id) + "/" + action
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

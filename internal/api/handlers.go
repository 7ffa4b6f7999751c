package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/star/passover/internal/acquisition"
	"github.com/star/passover/internal/catalog"
	"github.com/star/passover/internal/ephemeris"
	"github.com/star/passover/internal/search"
	"github.com/star/passover/internal/tle"
)

const defaultPredictDays = 2

type handlers struct {
	deps    Deps
	maxDays int
	logger  *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, extra ...any) {
	body := map[string]any{"error": msg}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			body[k] = extra[i+1]
		}
	}
	writeJSON(w, status, body)
}

// parseCoord reads a required float query parameter.
func parseCoord(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return f, nil
}

func parseLocation(r *http.Request) (ephemeris.Location, error) {
	lat, err := parseCoord(r, "lat")
	if err != nil {
		return ephemeris.Location{}, err
	}
	lon, err := parseCoord(r, "lon")
	if err != nil {
		return ephemeris.Location{}, err
	}
	loc := ephemeris.Location{Latitude: lat, Longitude: lon}
	return loc, loc.Validate()
}

type predictResponse struct {
	Passes  map[string][]string `json:"passes"`
	Windows int                 `json:"windows"`
	Start   string              `json:"start"`
	End     string              `json:"end"`
}

func (h *handlers) predict(w http.ResponseWriter, r *http.Request) {
	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	days := defaultPredictDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > h.maxDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be an integer in [1, %d]", h.maxDays))
			return
		}
		days = n
	}

	res, err := h.deps.Passes.FindNextPasses(r.Context(), loc, days)
	if err != nil {
		var nf *search.NotFoundError
		switch {
		case errors.Is(err, ephemeris.ErrInvalidLocation), errors.Is(err, search.ErrInvalidWindow):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &nf):
			writeError(w, http.StatusNotFound, err.Error(),
				"unsatisfied", nf.Unsatisfied,
				"horizon", nf.Horizon.Format(time.RFC3339))
		case errors.Is(err, ephemeris.ErrNoData), errors.Is(err, search.ErrNoTrackedObjects):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("pass search failed", "request_id", RequestID(r.Context()), "error", err)
			writeError(w, http.StatusBadGateway, "pass search failed: "+err.Error())
		}
		return
	}

	resp := predictResponse{
		Passes:  make(map[string][]string, len(res.Passes)),
		Windows: res.Windows,
		Start:   res.Start.Format(time.RFC3339),
		End:     res.End.Format(time.RFC3339),
	}
	for id, times := range res.Passes {
		out := make([]string, len(times))
		for i, t := range times {
			out[i] = t.UTC().Format(time.RFC3339)
		}
		resp.Passes[id] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

// productID extracts and validates the {id} path value, writing a 400 on
// failure.
func productID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := acquisition.ValidateProductID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *handlers) cached(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cached": h.deps.Acquisitions.IsCached(id)})
}

func (h *handlers) acquire(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}

	scheduled, err := h.deps.Acquisitions.StartAcquisition(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !scheduled {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "acquisition queue unavailable", "scheduled", false)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "scheduled": true})
}

type statusResponse struct {
	ID         string `json:"id"`
	Known      bool   `json:"known"`
	InProgress bool   `json:"in_progress"`
	*acquisition.Task
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}

	p := h.deps.Acquisitions.PollStatus(id)
	resp := statusResponse{ID: id, Known: p.Known, InProgress: p.InProgress}
	if p.Known {
		if task, ok := h.deps.Acquisitions.Task(id); ok {
			resp.Task = &task
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

const dateLayout = "2006-01-02"

func (h *handlers) scenes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scenes == nil {
		writeError(w, http.StatusServiceUnavailable, "scene catalog not configured")
		return
	}

	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	f := catalog.Filters{
		Dataset:   q.Get("dataset"),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		EndDate:   time.Now().UTC(),
	}
	if v := q.Get("end"); v != "" {
		if f.EndDate, err = time.Parse(dateLayout, v); err != nil {
			writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
			return
		}
	}
	f.StartDate = f.EndDate.AddDate(0, 0, -30)
	if v := q.Get("start"); v != "" {
		if f.StartDate, err = time.Parse(dateLayout, v); err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return
		}
	}
	if v := q.Get("max_cloud"); v != "" {
		if f.MaxCloudCover, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "max_cloud must be a number")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.MaxResults, err = strconv.Atoi(v); err != nil || f.MaxResults < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	scenes, err := h.deps.Scenes.Search(r.Context(), f)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidFilters) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("scene search failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "scene search failed: "+err.Error())
		return
	}
	if scenes == nil {
		scenes = []catalog.Scene{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": scenes, "count": len(scenes)})
}

type tleMetadata struct {
	Source     string    `json:"source"`
	FetchedAt  time.Time `json:"fetched_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Satellites int       `json:"satellites"`
	EpochMin   time.Time `json:"epoch_min"`
	EpochMax   time.Time `json:"epoch_max"`
}

func metadataOf(ds *tle.TLEDataset) tleMetadata {
	age := time.Since(ds.FetchedAt)
	return tleMetadata{
		Source:     ds.Source,
		FetchedAt:  ds.FetchedAt.UTC(),
		AgeSeconds: math.Round(age.Seconds()),
		Satellites: len(ds.Satellites),
		EpochMin:   ds.EpochRange.Min.UTC(),
		EpochMax:   ds.EpochRange.Max.UTC(),
	}
}

func (h *handlers) tleMetadata(w http.ResponseWriter, r *http.Request) {
	ds := h.deps.TLE.Get()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "no TLE data loaded")
		return
	}
	writeJSON(w, http.StatusOK, metadataOf(ds))
}

func (h *handlers) tleFetch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "TLE fetching is disabled")
		return
	}

	ds, err := h.deps.Refresher.Refresh(r.Context())
	if err != nil {
		h.logger.Warn("manual TLE fetch failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, http.StatusBadGateway, "TLE fetch failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metadataOf(ds))
}

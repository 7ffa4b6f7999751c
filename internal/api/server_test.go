package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/star/passover/internal/acquisition"
	"github.com/star/passover/internal/auth"
	"github.com/star/passover/internal/catalog"
	"github.com/star/passover/internal/ephemeris"
	"github.com/star/passover/internal/search"
	"github.com/star/passover/internal/tle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const landsatTLEs = "LANDSAT 8\n1 39084U 13008A   24100.50000000  .00000500  00000-0  11000-3 0  9005\n2 39084  98.2200 170.0000 0001200  90.0000 270.0000 14.57100000    09\n" +
	"LANDSAT 9\n1 49260U 21088A   24100.50000000  .00000500  00000-0  11000-3 0  9005\n2 49260  98.2200 170.0000 0001200  90.0000  90.0000 14.57100000    09\n"

var t0 = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)

type fakePasses struct {
	res     *search.Result
	err     error
	gotLoc  ephemeris.Location
	gotDays int
}

func (f *fakePasses) FindNextPasses(ctx context.Context, loc ephemeris.Location, days int) (*search.Result, error) {
	f.gotLoc, f.gotDays = loc, days
	return f.res, f.err
}

type fakeAcq struct {
	cached    map[string]bool
	tasks     map[string]acquisition.Task
	rejectAll bool
	starts    []string
}

func newFakeAcq() *fakeAcq {
	return &fakeAcq{cached: map[string]bool{}, tasks: map[string]acquisition.Task{}}
}

func (f *fakeAcq) IsCached(id string) bool { return f.cached[id] }

func (f *fakeAcq) StartAcquisition(id string) (bool, error) {
	if err := acquisition.ValidateProductID(id); err != nil {
		return false, err
	}
	f.starts = append(f.starts, id)
	if f.rejectAll {
		return false, nil
	}
	if _, ok := f.tasks[id]; !ok {
		f.tasks[id] = acquisition.Task{ID: id, Status: acquisition.Running}
	}
	return true, nil
}

func (f *fakeAcq) PollStatus(id string) acquisition.Progress {
	t, ok := f.tasks[id]
	if !ok {
		return acquisition.Progress{}
	}
	return acquisition.Progress{Known: true, InProgress: t.Status.InProgress()}
}

func (f *fakeAcq) Task(id string) (acquisition.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

type stubScenes struct {
	scenes []catalog.Scene
	err    error
	got    catalog.Filters
}

func (s *stubScenes) Search(ctx context.Context, f catalog.Filters) ([]catalog.Scene, error) {
	s.got = f
	return s.scenes, s.err
}

type testEnv struct {
	passes *fakePasses
	acq    *fakeAcq
	scenes *stubScenes
	store  *tle.Store
	deps   Deps
}

func newTestEnv() *testEnv {
	env := &testEnv{
		passes: &fakePasses{res: &search.Result{
			Passes: map[string][]time.Time{
				"LANDSAT 8": {t0.Add(3 * time.Hour), t0.Add(27 * time.Hour)},
				"LANDSAT 9": {t0.Add(40 * time.Hour)},
			},
			Windows: 1,
			Start:   t0,
			End:     t0.Add(48 * time.Hour),
		}},
		acq:    newFakeAcq(),
		scenes: &stubScenes{},
		store:  tle.NewStore(),
	}
	env.deps = Deps{
		Passes:       env.passes,
		Acquisitions: env.acq,
		Scenes:       env.scenes,
		TLE:          env.store,
	}
	return env
}

func (env *testEnv) handler(cfg Config) http.Handler {
	return NewServer(cfg, env.deps, testLogger()).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return w, body
}

func TestPredict(t *testing.T) {
	env := newTestEnv()
	h := env.handler(Config{})

	w, body := do(t, h, "GET", "/api/v1/predict?lat=42.59&lon=-83.2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if env.passes.gotDays != defaultPredictDays {
		t.Errorf("days = %d, want default %d", env.passes.gotDays, defaultPredictDays)
	}
	if env.passes.gotLoc != (ephemeris.Location{Latitude: 42.59, Longitude: -83.2}) {
		t.Errorf("location = %+v", env.passes.gotLoc)
	}

	passes := body["passes"].(map[string]any)
	l8 := passes["LANDSAT 8"].([]any)
	if len(l8) != 2 || l8[0] != "2024-04-09T15:00:00Z" || l8[1] != "2024-04-10T15:00:00Z" {
		t.Errorf("LANDSAT 8 passes = %v", l8)
	}
	if body["windows"].(float64) != 1 {
		t.Errorf("windows = %v", body["windows"])
	}
}

func TestPredictBadInput(t *testing.T) {
	env := newTestEnv()
	h := env.handler(Config{MaxDays: 10})

	for _, target := range []string{
		"/api/v1/predict",
		"/api/v1/predict?lat=42",
		"/api/v1/predict?lat=abc&lon=1",
		"/api/v1/predict?lat=91&lon=1",
		"/api/v1/predict?lat=1&lon=-181",
		"/api/v1/predict?lat=1&lon=1&days=0",
		"/api/v1/predict?lat=1&lon=1&days=11",
		"/api/v1/predict?lat=1&lon=1&days=two",
	} {
		w, body := do(t, h, "GET", target)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
		if body["error"] == nil {
			t.Errorf("%s: expected error field", target)
		}
	}
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &search.NotFoundError{Unsatisfied: []string{"LANDSAT 9"}, Horizon: t0, Windows: 25}, http.StatusNotFound},
		{"no data", ephemeris.ErrNoData, http.StatusServiceUnavailable},
		{"no objects", search.ErrNoTrackedObjects, http.StatusServiceUnavailable},
		{"ephemeris failure", errors.New("sgp4 diverged"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.passes.res, env.passes.err = nil, tt.err

			w, body := do(t, env.handler(Config{}), "GET", "/api/v1/predict?lat=1&lon=2")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if body["error"] == nil {
				t.Error("expected error field")
			}
			if tt.want == http.StatusNotFound && body["unsatisfied"] == nil {
				t.Error("expected unsatisfied field")
			}
		})
	}
}

func TestProductRoutes(t *testing.T) {
	env := newTestEnv()
	env.acq.cached["LC08_A"] = true
	h := env.handler(Config{})

	_, body := do(t, h, "GET", "/api/v1/products/LC08_A/cached")
	if body["cached"] != true {
		t.Errorf("cached = %v, want true", body["cached"])
	}
	_, body = do(t, h, "GET", "/api/v1/products/LC08_B/cached")
	if body["cached"] != false {
		t.Errorf("cached = %v, want false", body["cached"])
	}

	w, body := do(t, h, "GET", "/api/v1/products/LC08_B/status")
	if w.Code != http.StatusOK || body["known"] != false || body["in_progress"] != false {
		t.Errorf("unknown product status: %d %v", w.Code, body)
	}
	if _, ok := body["status"]; ok {
		t.Error("unknown product should not carry a task status")
	}

	w, body = do(t, h, "POST", "/api/v1/products/LC08_B/acquire")
	if w.Code != http.StatusAccepted || body["scheduled"] != true {
		t.Errorf("acquire: %d %v", w.Code, body)
	}

	_, body = do(t, h, "GET", "/api/v1/products/LC08_B/status")
	if body["known"] != true || body["in_progress"] != true || body["status"] != "running" {
		t.Errorf("running product status: %v", body)
	}
}

func TestAcquireRejected(t *testing.T) {
	env := newTestEnv()
	env.acq.rejectAll = true

	w, body := do(t, env.handler(Config{}), "POST", "/api/v1/products/LC08_B/acquire")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body["scheduled"] != false {
		t.Errorf("scheduled = %v, want false", body["scheduled"])
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestProductInvalidID(t *testing.T) {
	env := newTestEnv()
	h := env.handler(Config{})

	for _, target := range []string{
		"/api/v1/products/.hidden/cached",
		"/api/v1/products/.hidden/status",
	} {
		if w, _ := do(t, h, "GET", target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
	if w, _ := do(t, h, "POST", "/api/v1/products/.hidden/acquire"); w.Code != http.StatusBadRequest {
		t.Errorf("acquire: status = %d, want 400", w.Code)
	}
	if len(env.acq.starts) != 0 {
		t.Errorf("acquisition started for invalid id: %v", env.acq.starts)
	}
}

func TestScenes(t *testing.T) {
	env := newTestEnv()
	env.scenes.scenes = []catalog.Scene{{EntityID: "E1", DisplayID: "LC08_X", AcquisitionDate: t0}}
	h := env.handler(Config{})

	w, body := do(t, h, "GET", "/api/v1/scenes?lat=42.59&lon=-83.2&start=2024-09-01&end=2024-10-18&max_cloud=20")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v", body["count"])
	}
	got := env.scenes.got
	if got.MaxCloudCover != 20 || got.StartDate.Format(dateLayout) != "2024-09-01" || got.EndDate.Format(dateLayout) != "2024-10-18" {
		t.Errorf("filters = %+v", got)
	}

	if w, _ := do(t, h, "GET", "/api/v1/scenes?lat=1&lon=1&start=yesterday"); w.Code != http.StatusBadRequest {
		t.Errorf("bad start: status = %d, want 400", w.Code)
	}

	env.scenes.err = errors.New("catalog down")
	if w, _ := do(t, h, "GET", "/api/v1/scenes?lat=1&lon=1"); w.Code != http.StatusBadGateway {
		t.Errorf("catalog failure: status = %d, want 502", w.Code)
	}

	env.deps.Scenes = nil
	if w, _ := do(t, env.handler(Config{}), "GET", "/api/v1/scenes?lat=1&lon=1"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no catalog: status = %d, want 503", w.Code)
	}
}

func TestTLEMetadataAndFetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(landsatTLEs))
	}))
	defer upstream.Close()

	env := newTestEnv()
	h := env.handler(Config{})

	if w, _ := do(t, h, "GET", "/api/v1/tle/metadata"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("empty store: status = %d, want 503", w.Code)
	}
	if w, _ := do(t, h, "POST", "/api/v1/tle/fetch"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no refresher: status = %d, want 503", w.Code)
	}

	env.deps.Refresher = tle.NewRefresher(tle.NewFetcher(upstream.URL, testLogger()), tle.NewCache(t.TempDir(), 3), env.store, testLogger())
	h = env.handler(Config{})

	w, body := do(t, h, "POST", "/api/v1/tle/fetch")
	if w.Code != http.StatusOK {
		t.Fatalf("fetch: status = %d, body %s", w.Code, w.Body.String())
	}
	if body["satellites"].(float64) != 2 {
		t.Errorf("satellites = %v", body["satellites"])
	}

	w, body = do(t, h, "GET", "/api/v1/tle/metadata")
	if w.Code != http.StatusOK || body["source"] != upstream.URL {
		t.Errorf("metadata: %d %v", w.Code, body)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv()
	var notReady error = errors.New("no tracked objects loaded")
	env.deps.Ready = func() error { return notReady }
	h := env.handler(Config{})

	if w, _ := do(t, h, "GET", "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	notReady = nil
	if w, _ := do(t, h, "GET", "/readyz"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthOnServer(t *testing.T) {
	env := newTestEnv()
	h := env.handler(Config{Auth: auth.Config{Enabled: true, Token: "s3cret", PublicReads: true}})

	if w, _ := do(t, h, "POST", "/api/v1/products/LC08_B/acquire"); w.Code != http.StatusUnauthorized {
		t.Errorf("acquire without token: status = %d, want 401", w.Code)
	}
	if w, _ := do(t, h, "GET", "/api/v1/products/LC08_B/status"); w.Code != http.StatusOK {
		t.Errorf("public read: status = %d, want 200", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/products/LC08_B/acquire", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("acquire with token: status = %d, want 202", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	h := newTestEnv().handler(Config{})

	w, _ := do(t, h, "GET", "/healthz")
	if id := w.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("generated request id %q is not a UUID", id)
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-123" {
		t.Errorf("request id = %q, want upstream value", got)
	}
}

func TestClientIPRemoteAddr(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:12345", "192.168.1.1"},
		{"[::1]:12345", "::1"},
		{"192.168.1.1", "192.168.1.1"},
	}
	for _, tt := range tests {
		r := &http.Request{RemoteAddr: tt.remoteAddr}
		got := clientIP(r, false)
		if got != tt.want {
			t.Errorf("clientIP(%q, false) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestClientIPTrustProxy(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"XFF single IP", "1.2.3.4", "", "10.0.0.1:1234", "1.2.3.4"},
		{"XFF multiple IPs takes first", "1.2.3.4, 10.0.0.1, 10.0.0.2", "", "10.0.0.3:1234", "1.2.3.4"},
		{"X-Real-IP fallback", "", "5.6.7.8", "10.0.0.1:1234", "5.6.7.8"},
		{"XFF takes precedence over X-Real-IP", "1.2.3.4", "5.6.7.8", "10.0.0.1:1234", "1.2.3.4"},
		{"garbage XFF falls through", "not-an-ip", "5.6.7.8", "10.0.0.1:1234", "5.6.7.8"},
		{"no proxy headers falls back to RemoteAddr", "", "", "10.0.0.1:1234", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: http.Header{}}
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := clientIP(r, true); got != tt.want {
				t.Errorf("clientIP(trustProxy=true) = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPIgnoresHeadersWhenNotTrusted(t *testing.T) {
	r := &http.Request{RemoteAddr: "10.0.0.1:1234", Header: http.Header{}}
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	r.Header.Set("X-Real-IP", "5.6.7.8")

	if got := clientIP(r, false); got != "10.0.0.1" {
		t.Errorf("clientIP(trustProxy=false) = %q, want %q", got, "10.0.0.1")
	}
}

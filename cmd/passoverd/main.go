package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/star/passover/internal/acquisition"
	"github.com/star/passover/internal/api"
	"github.com/star/passover/internal/archive"
	"github.com/star/passover/internal/auth"
	"github.com/star/passover/internal/catalog"
	"github.com/star/passover/internal/ephemeris"
	"github.com/star/passover/internal/metrics"
	"github.com/star/passover/internal/search"
	"github.com/star/passover/internal/tle"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	httpCfg, err := loadHTTPConfig(logger)
	if err != nil {
		logger.Error("invalid HTTP configuration", "error", err)
		os.Exit(1)
	}

	tleCfg := loadTLEConfig(logger)
	store := tle.NewStore()
	var fetcher *tle.Fetcher
	if tleCfg.EnableFetch {
		fetcher = tle.NewFetcher(tleCfg.SourceURL, logger, tleCfg.ExtraSourceURLs...)
	}
	refresher := tle.NewRefresher(fetcher, tle.NewCache(tleCfg.CacheDir, tleCfg.MaxFiles), store, logger)
	refresher.OnUpdate = func(ds *tle.TLEDataset) {
		metrics.SetTLEDataset(time.Since(ds.FetchedAt).Seconds(), len(ds.Satellites))
	}

	if ds, err := refresher.LoadCached(); err != nil {
		logger.Info("no TLE cache found, starting without TLE data", "error", err)
	} else {
		logger.Info("loaded TLE data from cache", "count", len(ds.Satellites), "cached_at", ds.FetchedAt.Format(time.RFC3339))
	}

	ephCfg := loadEphemerisConfig(logger)
	eph := ephemeris.NewSGP4(store, ephCfg, logger)
	engine := search.NewEngine(eph, loadSearchConfig(logger), logger)

	acqCfg, dl, err := loadAcquisitionConfig(logger)
	if err != nil {
		logger.Error("invalid acquisition configuration", "error", err)
		os.Exit(1)
	}
	manager, err := acquisition.NewManager(acqCfg, dl, logger)
	if err != nil {
		logger.Error("failed to start acquisition manager", "error", err)
		os.Exit(1)
	}

	scenes, closeCatalog, err := openCatalog(logger)
	if err != nil {
		logger.Error("failed to open scene catalog", "error", err)
		os.Exit(1)
	}
	defer closeCatalog()

	deps := api.Deps{
		Passes:       engine,
		Acquisitions: manager,
		Scenes:       scenes,
		TLE:          store,
		Ready: func() error {
			_, err := eph.TrackedObjects(context.Background())
			return err
		},
	}
	if tleCfg.EnableFetch {
		deps.Refresher = refresher
	}
	srv := api.NewServer(httpCfg, deps, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if tleCfg.EnableFetch {
		go refresher.Run(ctx, tleCfg.RefreshInterval, tleCfg.MaxAge)
	}

	// Background goroutine to update TLE dataset age gauge.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if age, ok := store.Age(time.Now()); ok {
					metrics.SetTLEDataset(age.Seconds(), len(store.Get().Satellites))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server",
			"addr", httpCfg.Addr,
			"auth_enabled", httpCfg.Auth.Enabled,
			"tle_fetch_enabled", tleCfg.EnableFetch,
			"catalog_enabled", scenes != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("acquisitions interrupted by shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("PASSOVER_LOG_LEVEL"))); err != nil {
		return slog.LevelDebug
	}
	return level
}

func envBool(logger *slog.Logger, name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", def)
		return def
	}
	return b
}

func envPositiveInt(logger *slog.Logger, name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", def)
		return def
	}
	return n
}

// envSeconds reads a duration given in whole seconds.
func envSeconds(logger *slog.Logger, name string, def time.Duration) time.Duration {
	return time.Duration(envPositiveInt(logger, name, int(def.Seconds()))) * time.Second
}

func loadHTTPConfig(logger *slog.Logger) (api.Config, error) {
	cfg := api.Config{
		Addr:    ":8080",
		MaxDays: 30,
	}
	if v := os.Getenv("PASSOVER_HTTP_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.TrustProxy = envBool(logger, "PASSOVER_TRUST_PROXY", false)
	cfg.MaxDays = envPositiveInt(logger, "PASSOVER_MAX_DAYS", cfg.MaxDays)

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		return cfg, err
	}
	cfg.Auth = authCfg
	return cfg, nil
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{PublicReads: true}

	if v := os.Getenv("PASSOVER_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.New("PASSOVER_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}
	cfg.Token = os.Getenv("PASSOVER_AUTH_TOKEN")
	cfg.PublicReads = envBool(logger, "PASSOVER_AUTH_PUBLIC_READS", cfg.PublicReads)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Enabled {
		logger.Info("auth enabled", "public_reads", cfg.PublicReads)
	}
	return cfg, nil
}

type tleConfig struct {
	EnableFetch     bool
	SourceURL       string
	ExtraSourceURLs []string
	CacheDir        string
	MaxFiles        int
	MaxAge          time.Duration
	RefreshInterval time.Duration
}

func loadTLEConfig(logger *slog.Logger) tleConfig {
	cfg := tleConfig{
		EnableFetch:     true,
		CacheDir:        "/tmp/passover/tle",
		MaxFiles:        5,
		MaxAge:          24 * time.Hour,
		RefreshInterval: time.Hour,
	}

	cfg.EnableFetch = envBool(logger, "PASSOVER_TLE_FETCH_ENABLED", cfg.EnableFetch)
	cfg.SourceURL = os.Getenv("PASSOVER_TLE_SOURCE_URL")
	if v := os.Getenv("PASSOVER_TLE_EXTRA_URLS"); v != "" {
		cfg.ExtraSourceURLs = splitList(v)
	}
	if v := os.Getenv("PASSOVER_TLE_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	cfg.MaxFiles = envPositiveInt(logger, "PASSOVER_TLE_CACHE_FILES", cfg.MaxFiles)
	cfg.MaxAge = envSeconds(logger, "PASSOVER_TLE_MAX_AGE", cfg.MaxAge)
	cfg.RefreshInterval = envSeconds(logger, "PASSOVER_TLE_REFRESH_INTERVAL", cfg.RefreshInterval)

	logger.Info("TLE config",
		"fetch_enabled", cfg.EnableFetch,
		"source_url", cfg.SourceURL,
		"extra_urls", cfg.ExtraSourceURLs,
		"cache_dir", cfg.CacheDir,
		"max_age_seconds", cfg.MaxAge.Seconds(),
	)
	return cfg
}

func loadEphemerisConfig(logger *slog.Logger) ephemeris.Config {
	cfg := ephemeris.DefaultConfig()

	if v := os.Getenv("PASSOVER_TRACKED_NAMES"); v != "" {
		if names := splitList(v); len(names) > 0 {
			cfg.Names = names
		}
	}
	if v := os.Getenv("PASSOVER_MIN_ELEVATION"); v != "" {
		el, err := strconv.ParseFloat(v, 64)
		if err != nil || el < 0 || el > 90 {
			logger.Warn("invalid PASSOVER_MIN_ELEVATION value, using default", "value", v, "default", cfg.MinElevation)
		} else {
			cfg.MinElevation = el
		}
	}

	logger.Info("ephemeris config",
		"tracked_names", cfg.Names,
		"min_elevation_deg", cfg.MinElevation,
	)
	return cfg
}

func loadSearchConfig(logger *slog.Logger) search.Config {
	cfg := search.DefaultConfig()
	cfg.MaxExpansions = envPositiveInt(logger, "PASSOVER_SEARCH_MAX_EXPANSIONS", cfg.MaxExpansions)
	logger.Info("search config", "max_expansions", cfg.MaxExpansions)
	return cfg
}

func loadAcquisitionConfig(logger *slog.Logger) (acquisition.Config, acquisition.Downloader, error) {
	root := os.Getenv("PASSOVER_ACQ_ROOT")
	if root == "" {
		root = "/tmp/passover/products"
	}
	cfg := acquisition.DefaultConfig(root)

	cfg.Workers = envPositiveInt(logger, "PASSOVER_ACQ_WORKERS", cfg.Workers)
	cfg.QueueSize = envPositiveInt(logger, "PASSOVER_ACQ_QUEUE", cfg.QueueSize)
	if v := os.Getenv("PASSOVER_ACQ_ARCHIVE_EXT"); v != "" {
		cfg.ArchiveExt = v
	}
	cfg.RetryFailed = envBool(logger, "PASSOVER_ACQ_RETRY_FAILED", false)
	if v := os.Getenv("PASSOVER_ACQ_TASK_TTL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, nil, fmt.Errorf("PASSOVER_ACQ_TASK_TTL must be a non-negative number of seconds, got %q", v)
		}
		cfg.TaskTTL = time.Duration(n) * time.Second
	}

	var dl acquisition.Downloader = archive.Preplaced{}
	source := "preplaced"
	if u := os.Getenv("PASSOVER_ARCHIVE_URL"); u != "" {
		dl = archive.NewHTTPDownloader(u, os.Getenv("PASSOVER_ARCHIVE_TOKEN"), cfg.ArchiveExt, logger)
		source = u
	}

	logger.Info("acquisition config",
		"root", cfg.Root,
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"archive_ext", cfg.ArchiveExt,
		"retry_failed", cfg.RetryFailed,
		"task_ttl_seconds", cfg.TaskTTL.Seconds(),
		"archive_source", source,
	)
	return cfg, dl, nil
}

// openCatalog builds the scene searcher. Without PASSOVER_CATALOG_DB the
// remote client is used directly; without PASSOVER_CATALOG_URL only the index
// answers. With neither, the scenes route is disabled.
func openCatalog(logger *slog.Logger) (catalog.Searcher, func(), error) {
	remoteURL := os.Getenv("PASSOVER_CATALOG_URL")
	dbPath := os.Getenv("PASSOVER_CATALOG_DB")

	var remote catalog.Searcher
	if remoteURL != "" {
		remote = catalog.NewClient(remoteURL, os.Getenv("PASSOVER_CATALOG_TOKEN"), logger)
	}
	if dbPath == "" {
		if remote == nil {
			logger.Info("scene catalog disabled")
		}
		return remote, func() {}, nil
	}

	index, err := catalog.OpenIndex(dbPath)
	if err != nil {
		return nil, nil, err
	}
	cc := catalog.NewCachingClient(remote, index, logger)
	cc.FootprintDir = os.Getenv("PASSOVER_CATALOG_FOOTPRINT_DIR")

	logger.Info("catalog config",
		"remote_url", remoteURL,
		"index", dbPath,
		"footprint_dir", cc.FootprintDir,
	)
	return cc, func() {
		if err := index.Close(); err != nil {
			logger.Warn("closing catalog index", "error", err)
		}
	}, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

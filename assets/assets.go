// Package assets implements the static asset cache: a single store
// populated from a fixed manifest at install time and served cache-first.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultStoreName is the generation label of the static store.
	DefaultStoreName = "pce-ut-cache-v3"

	// DefaultOfflinePage is the manifest entry served to navigations when
	// neither the store nor the network can answer.
	DefaultOfflinePage = "offline.html"

	// DefaultConcurrency bounds parallel fetches during Populate.
	DefaultConcurrency = 4

	strategy = "cache_first"
)

// DefaultManifest lists the assets precached at install time.
var DefaultManifest = []string{
	"index.html",
	"login.html",
	"registro.html",
	"css/styles.css",
	"css/login.css",
	"css/registro.css",
	"js/app.js",
	"js/manifest.json",
	"img/Logo2.png",
	DefaultOfflinePage,
}

// ErrBadStatus is recorded for manifest assets the origin answered with a
// non-2xx status.
var ErrBadStatus = errors.New("unexpected status")

// Fetcher performs network requests against the origin.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
	Get(ctx context.Context, ref string) (*http.Response, error)
}

// Cache serves static assets cache-first from its store.
type Cache struct {
	store       store.Store
	fetcher     Fetcher
	offlinePage string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithOfflinePage sets the manifest path of the offline placeholder document.
func WithOfflinePage(path string) Option {
	return func(c *Cache) {
		c.offlinePage = path
	}
}

// WithConcurrency sets how many manifest assets are fetched at once.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a static asset cache over s.
func New(s store.Store, f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		store:       s,
		fetcher:     f,
		offlinePage: DefaultOfflinePage,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StoreName returns the generation label of the backing store.
func (c *Cache) StoreName() string {
	return c.store.Name()
}

// AssetResult is the outcome of precaching one manifest entry.
type AssetResult struct {
	Path string
	Key  string
	Err  error
}

// PopulateResult summarises a Populate run. Results are in manifest order.
type PopulateResult struct {
	Assets []AssetResult
}

// Cached returns the paths that were stored.
func (r *PopulateResult) Cached() []string {
	var out []string
	for _, a := range r.Assets {
		if a.Err == nil {
			out = append(out, a.Path)
		}
	}
	return out
}

// Failed returns the assets that could not be stored.
func (r *PopulateResult) Failed() []AssetResult {
	var out []AssetResult
	for _, a := range r.Assets {
		if a.Err != nil {
			out = append(out, a)
		}
	}
	return out
}

// Populate fetches every manifest path and stores the 2xx responses.
// A failing asset is recorded and never stops the others.
func (c *Cache) Populate(ctx context.Context, manifest []string) *PopulateResult {
	result := &PopulateResult{Assets: make([]AssetResult, len(manifest))}
	ctx = telemetry.WithFetchReason(ctx, telemetry.ReasonPrecache)

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, path := range manifest {
		g.Go(func() error {
			key := ManifestKey(path)
			err := c.precache(ctx, path, key)

			outcome := "success"
			if err != nil {
				outcome = "error"
				c.logger.Warn("precache failed", "path", path, "error", err)
			}
			telemetry.RecordPrecacheAsset(ctx, outcome)

			result.Assets[i] = AssetResult{Path: path, Key: key, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("static store populated",
		"store", c.store.Name(),
		"cached", len(result.Cached()),
		"failed", len(result.Failed()),
	)
	return result
}

func (c *Cache) precache(ctx context.Context, path, key string) error {
	resp, err := c.fetcher.Get(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	snap, err := store.Capture(resp, c.now())
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, key, snap); err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}
	return nil
}

// Serve resolves r cache-first. It always returns a response.
func (c *Cache) Serve(ctx context.Context, r *http.Request) *http.Response {
	key := store.Key(r)
	logger := c.logger.With("key", key)

	snap, err := c.store.Get(ctx, key)
	if err == nil {
		logger.Debug("cache hit")
		c.result(ctx, telemetry.CacheHit)
		return snap.Response(r)
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("cache read failed", "error", err)
	}

	resp, err := c.fetcher.Fetch(ctx, r)
	if err == nil {
		logger.Debug("cache miss, served from network")
		c.result(ctx, telemetry.CacheMiss)
		return resp
	}
	logger.Debug("network fetch failed", "error", err)

	c.result(ctx, telemetry.CacheOffline)
	if IsNavigation(r) {
		offline, err := c.store.Get(ctx, ManifestKey(c.offlinePage))
		if err == nil {
			return offline.Response(r)
		}
		logger.Warn("offline page unavailable", "path", c.offlinePage, "error", err)
	}
	return Unavailable(r)
}

func (c *Cache) result(ctx context.Context, result telemetry.CacheResult) {
	telemetry.SetCacheResult(ctx, result)
	telemetry.RecordServe(ctx, strategy, result)
}

// ManifestKey returns the store key for a manifest path.
func ManifestKey(path string) string {
	u, err := url.Parse("/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		u = &url.URL{Path: "/" + strings.TrimPrefix(path, "/")}
	}
	return store.KeyFor(http.MethodGet, u)
}

// IsNavigation reports whether r loads a full page document.
// Sec-Fetch-Mode is authoritative when present; otherwise a GET that
// accepts HTML is treated as a navigation.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Unavailable returns the synthetic response for a static request that
// neither the store nor the network could answer: 503, no body, no headers.
func Unavailable(r *http.Request) *http.Response {
	return &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    r,
	}
}

// Package apicache implements the API response cache: network-first with a
// best-effort write-back of every fetched response, falling back to the last
// stored snapshot when the network is unreachable.
package apicache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultStoreName is the generation label of the API store.
	DefaultStoreName = "pce-ut-api-cache-v1"

	// DefaultOfflineMessage is the error returned when there is neither
	// connectivity nor a stored snapshot.
	DefaultOfflineMessage = "Sin conexión y sin datos en caché"

	strategy = "network_first"
)

// Fetcher performs network requests against the origin.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// Cache serves API requests network-first.
type Cache struct {
	store   store.Store
	fetcher Fetcher
	message string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithOfflineMessage sets the error message of the synthetic offline response.
func WithOfflineMessage(msg string) Option {
	return func(c *Cache) {
		c.message = msg
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an API response cache over s.
func New(s store.Store, f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		store:   s,
		fetcher: f,
		message: DefaultOfflineMessage,
		logger:  slog.Default(),
		now:     time.Now,
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

// Serve resolves r network-first. It always returns a response.
func (c *Cache) Serve(ctx context.Context, r *http.Request) *http.Response {
	key := store.Key(r)
	logger := c.logger.With("key", key)

	resp, err := c.fetcher.Fetch(ctx, r)
	if err == nil {
		if err = c.persist(ctx, key, resp, logger); err == nil {
			c.result(ctx, telemetry.CacheNetwork)
			return resp
		}
		// A body that fails mid-read is a failed fetch.
		_ = resp.Body.Close()
	}
	logger.Debug("network fetch failed, trying store", "error", err)

	snap, err := c.store.Get(ctx, key)
	if err == nil {
		logger.Debug("served stored snapshot", "cached_at", snap.CachedAt)
		c.result(ctx, telemetry.CacheFallback)
		return snap.Response(r)
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("cache read failed", "error", err)
	}

	c.result(ctx, telemetry.CacheOffline)
	return c.offline(r)
}

// persist stores a snapshot of resp under key, whatever its status.
// Oversized bodies and store failures are logged and never affect the
// response returned to the caller. A body read error is returned.
func (c *Cache) persist(ctx context.Context, key string, resp *http.Response, logger *slog.Logger) error {
	snap, err := store.Capture(resp, c.now())
	if errors.Is(err, store.ErrPayloadTooLarge) {
		logger.Warn("response not cached", "error", err)
		telemetry.RecordCacheWrite(ctx, c.store.Name(), "skipped")
		return nil
	}
	if err != nil {
		telemetry.RecordCacheWrite(ctx, c.store.Name(), "error")
		return err
	}

	if err := c.store.Put(ctx, key, snap); err != nil {
		logger.Error("failed to cache response", "error", err)
		telemetry.RecordCacheWrite(ctx, c.store.Name(), "error")
		return nil
	}
	logger.Debug("cached response", "status", snap.StatusCode, "bytes", len(snap.Body))
	telemetry.RecordCacheWrite(ctx, c.store.Name(), "success")
	return nil
}

func (c *Cache) result(ctx context.Context, result telemetry.CacheResult) {
	telemetry.SetCacheResult(ctx, result)
	telemetry.RecordServe(ctx, strategy, result)
}

// offline builds the 503 JSON response for a request with neither
// connectivity nor a stored snapshot.
func (c *Cache) offline(r *http.Request) *http.Response {
	body, _ := json.Marshal(map[string]string{"error": c.message})

	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

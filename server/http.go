// Package server provides the HTTP server hosting the offline cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/apicache"
	"github.com/wolfeidau/offline-cache/assets"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/router"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/store/boltstore"
	"github.com/wolfeidau/offline-cache/store/memstore"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

const (
	// StorageBolt keeps stores in a bbolt database under StoragePath.
	StorageBolt = "bolt"
	// StorageMemory keeps stores in memory. Nothing survives a restart.
	StorageMemory = "memory"

	dbFileName = "offline-cache.db"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the URL of the dashboard origin.
	Origin string

	// StoragePath is the directory holding the store database.
	StoragePath string

	// StorageDriver is "bolt" (default) or "memory".
	StorageDriver string

	// StaticStore is the generation label of the static asset store.
	StaticStore string

	// APIStore is the generation label of the API response store.
	APIStore string

	// Manifest lists the assets precached at install.
	Manifest []string

	// OfflinePage is the manifest entry served to offline navigations.
	OfflinePage string

	// OfflineMessage is the error text of the offline API response.
	OfflineMessage string

	// APIPrefix is the path prefix of API requests.
	APIPrefix string

	// MetricsSegment marks dynamic metrics paths served as API requests.
	MetricsSegment string

	// ExcludedSchemes are URL schemes never intercepted.
	ExcludedSchemes []string

	// ScriptURL is the controller script compared by update checks.
	ScriptURL string

	// UpdateInterval is how often update checks run.
	// Default is 60 seconds.
	UpdateInterval time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the offline cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	// Components
	manager    store.Manager
	upstream   *upstream.Upstream
	assets     *assets.Cache
	api        *apicache.Cache
	router     *router.Router
	controller *lifecycle.Controller

	// ctx is cancelled by Shutdown and bounds the lifecycle goroutines.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageBolt
	}
	if cfg.StaticStore == "" {
		cfg.StaticStore = assets.DefaultStoreName
	}
	if cfg.APIStore == "" {
		cfg.APIStore = apicache.DefaultStoreName
	}
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = assets.DefaultManifest
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = assets.DefaultOfflinePage
	}
	if cfg.OfflineMessage == "" {
		cfg.OfflineMessage = apicache.DefaultOfflineMessage
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = router.DefaultAPIPrefix
	}
	if cfg.MetricsSegment == "" {
		cfg.MetricsSegment = router.DefaultMetricsSegment
	}
	if len(cfg.ExcludedSchemes) == 0 {
		cfg.ExcludedSchemes = router.DefaultExcludedSchemes
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = lifecycle.DefaultUpdateInterval
	}
	if cfg.Origin == "" {
		return nil, fmt.Errorf("origin URL is required")
	}

	manager, err := openManager(cfg)
	if err != nil {
		return nil, err
	}

	up, err := upstream.New(cfg.Origin)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("creating upstream: %w", err)
	}

	ctx := context.Background()
	staticStore, err := manager.Open(ctx, cfg.StaticStore)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("opening static store: %w", err)
	}
	apiStore, err := manager.Open(ctx, cfg.APIStore)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("opening api store: %w", err)
	}

	assetCache := assets.New(staticStore, up,
		assets.WithOfflinePage(cfg.OfflinePage),
		assets.WithLogger(cfg.Logger.With("component", "assets")),
	)
	apiCache := apicache.New(apiStore, up,
		apicache.WithOfflineMessage(cfg.OfflineMessage),
		apicache.WithLogger(cfg.Logger.With("component", "apicache")),
	)

	controller := lifecycle.New(manager, assetCache, up, lifecycle.Config{
		Manifest:       cfg.Manifest,
		Keep:           []string{cfg.StaticStore, cfg.APIStore},
		ScriptURL:      cfg.ScriptURL,
		UpdateInterval: cfg.UpdateInterval,
		Logger:         cfg.Logger,
	})

	passthrough := router.NewPassthrough(up.BaseURL(), up.Client().Transport, cfg.Logger.With("component", "passthrough"))
	rt := router.New(assetCache, apiCache, passthrough,
		router.WithGate(controller),
		router.WithAPIPrefix(cfg.APIPrefix),
		router.WithMetricsSegment(cfg.MetricsSegment),
		router.WithExcludedSchemes(cfg.ExcludedSchemes...),
		router.WithLogger(cfg.Logger.With("component", "router")),
	)

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		manager:    manager,
		upstream:   up,
		assets:     assetCache,
		api:        apiCache,
		router:     rt,
		controller: controller,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func openManager(cfg Config) (store.Manager, error) {
	switch cfg.StorageDriver {
	case StorageMemory:
		return store.NewInstrumentedManager(memstore.New(), StorageMemory), nil
	case StorageBolt:
		if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		m, err := boltstore.Open(filepath.Join(cfg.StoragePath, dbFileName),
			boltstore.WithLogger(cfg.Logger.With("component", "boltstore")),
		)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return store.NewInstrumentedManager(m, StorageBolt), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Store stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Everything else is intercepted by the caching layer.
	mux.Handle("/", s.router)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type storeStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type statsResponse struct {
	State        lifecycle.State    `json:"state"`
	Controlling  bool               `json:"controlling"`
	ScriptDigest *offlinecache.Hash `json:"script_digest,omitempty"`
	Stores       []storeStats       `json:"stores"`
}

// handleStats reports the lifecycle state and every store with its entry count.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names, err := s.manager.Names(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statsResponse{
		State:       s.controller.State(),
		Controlling: s.controller.Controlling(),
		Stores:      make([]storeStats, 0, len(names)),
	}
	if digest := s.controller.ScriptDigest(); !digest.IsZero() {
		resp.ScriptDigest = &digest
	}
	for _, name := range names {
		st, err := s.manager.Lookup(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted since Names.
			continue
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys, err := st.Keys(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Stores = append(resp.Stores, storeStats{Name: name, Entries: len(keys)})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so the router and caches can set route and cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		if isInternal(r.URL.Path) {
			tags.Route = "internal"
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Handler returns the root HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Controller returns the lifecycle controller.
func (s *Server) Controller() *lifecycle.Controller {
	return s.controller
}

// Activate runs install and activation, then begins update checks.
// Start calls it before listening.
func (s *Server) Activate(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(s.ctx, cancel)

	s.logger.Info("starting lifecycle",
		"static_store", s.config.StaticStore,
		"api_store", s.config.APIStore,
		"origin", s.config.Origin,
		"update_interval", s.config.UpdateInterval,
	)
	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("starting lifecycle: %w", err)
	}
	return nil
}

// Start activates the caching layer and starts the server.
func (s *Server) Start() error {
	if err := s.Activate(context.Background()); err != nil {
		return err
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.cancel()
	s.controller.Stop()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.manager.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing stores: %w", cerr)
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func isInternal(path string) bool {
	return path == "/health" || path == "/stats" || path == "/metrics"
}

// Package router classifies intercepted requests and dispatches them to the
// static asset cache, the API response cache, or straight through to the
// origin.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultAPIPrefix is the path namespace of API traffic.
	DefaultAPIPrefix = "/api/"

	// DefaultMetricsSegment marks dynamic metrics resources. Any path
	// containing it is treated as API traffic.
	DefaultMetricsSegment = "/valores"
)

// DefaultExcludedSchemes are URL schemes never intercepted.
var DefaultExcludedSchemes = []string{"chrome-extension"}

// Route is the classification of an intercepted request.
type Route string

const (
	// RoutePassthrough requests reach the origin with no caching at all.
	RoutePassthrough Route = "passthrough"
	// RouteAPI requests are served network-first.
	RouteAPI Route = "api"
	// RouteStatic requests are served cache-first.
	RouteStatic Route = "static"
)

// Strategy resolves a request into a response. Implementations never fail:
// every outcome, including total failure, is expressed as a response.
type Strategy interface {
	Serve(ctx context.Context, r *http.Request) *http.Response
}

// Gate reports whether the caching layer currently controls requests.
type Gate interface {
	Controlling() bool
}

type alwaysControlling struct{}

func (alwaysControlling) Controlling() bool { return true }

// Router dispatches requests by Route.
type Router struct {
	static         Strategy
	api            Strategy
	passthrough    http.Handler
	gate           Gate
	apiPrefix      string
	metricsSegment string
	excluded       []string
	logger         *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		rt.logger = logger
	}
}

// WithAPIPrefix sets the API path prefix.
func WithAPIPrefix(prefix string) Option {
	return func(rt *Router) {
		rt.apiPrefix = prefix
	}
}

// WithMetricsSegment sets the dynamic metrics path segment.
func WithMetricsSegment(segment string) Option {
	return func(rt *Router) {
		rt.metricsSegment = segment
	}
}

// WithExcludedSchemes sets the URL schemes that are never intercepted.
func WithExcludedSchemes(schemes ...string) Option {
	return func(rt *Router) {
		rt.excluded = schemes
	}
}

// WithGate sets the gate consulted before intercepting. While the gate
// reports false every request is passed through.
func WithGate(g Gate) Option {
	return func(rt *Router) {
		rt.gate = g
	}
}

// New creates a router. passthrough handles every request that is not
// intercepted.
func New(static, api Strategy, passthrough http.Handler, opts ...Option) *Router {
	rt := &Router{
		static:         static,
		api:            api,
		passthrough:    passthrough,
		gate:           alwaysControlling{},
		apiPrefix:      DefaultAPIPrefix,
		metricsSegment: DefaultMetricsSegment,
		excluded:       DefaultExcludedSchemes,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Classify returns the route for r. Rules are evaluated in order:
// non-GET methods and excluded schemes pass through, API-shaped paths go to
// the API cache, everything else to the static cache.
func (rt *Router) Classify(r *http.Request) Route {
	if r.Method != http.MethodGet {
		return RoutePassthrough
	}
	if slices.Contains(rt.excluded, requestScheme(r)) {
		return RoutePassthrough
	}

	path := r.URL.Path
	if strings.HasPrefix(path, rt.apiPrefix) {
		return RouteAPI
	}
	// Substring match: any path containing the segment is API traffic.
	if rt.metricsSegment != "" && strings.Contains(path, rt.metricsSegment) {
		return RouteAPI
	}
	return RouteStatic
}

// Resolve returns the cached-layer response for r, or false when r must be
// passed through to the origin untouched.
func (rt *Router) Resolve(ctx context.Context, r *http.Request) (*http.Response, bool) {
	route := rt.Classify(r)
	telemetry.SetRoute(ctx, string(route))

	if route == RoutePassthrough || !rt.gate.Controlling() {
		return nil, false
	}

	switch route {
	case RouteAPI:
		return rt.api.Serve(ctx, r), true
	default:
		return rt.static.Serve(ctx, r), true
	}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, ok := rt.Resolve(r.Context(), r)
	if !ok {
		telemetry.SetCacheResult(r.Context(), telemetry.CacheBypass)
		rt.passthrough.ServeHTTP(w, r)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if err := WriteResponse(w, resp); err != nil {
		rt.logger.Warn("failed to write response", "path", r.URL.Path, "error", err)
	}
}

// hopHeaders are connection-level headers that are never copied from a
// resolved response.
var hopHeaders = []string{
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// WriteResponse copies resp onto w.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	header := w.Header()
	for name, values := range resp.Header {
		if slices.Contains(hopHeaders, http.CanonicalHeaderKey(name)) {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}
	_, err := io.Copy(w, resp.Body)
	return err
}

// NewPassthrough returns a reverse proxy that forwards requests to origin
// without any caching.
func NewPassthrough(origin *url.URL, transport http.RoundTripper, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("passthrough failed", "method", r.Method, "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// requestScheme returns the URL scheme of r. Origin-form requests carry no
// scheme, so it is derived from the connection.
func requestScheme(r *http.Request) string {
	if r.URL.Scheme != "" {
		return strings.ToLower(r.URL.Scheme)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

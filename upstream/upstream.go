// Package upstream fetches resources from the dashboard origin.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for origin requests.
	DefaultTimeout = 30 * time.Second
)

// ErrNetwork is returned when the origin could not be reached at all
// (DNS, refused connection, timeout, cancellation). An HTTP error status is
// not a network failure: it is returned as a normal response.
var ErrNetwork = errors.New("network unreachable")

// skipHeaders are request headers never forwarded to the origin.
// Conditional and range headers would produce 304/206 responses that
// cannot be replayed from a snapshot.
var skipHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Host",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Range",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream fetches resources relative to an origin base URL.
type Upstream struct {
	baseURL *url.URL
	client  *http.Client
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Upstream) {
		u.client = client
	}
}

// New creates a new origin client for baseURL.
func New(baseURL string, opts ...Option) (*Upstream, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing origin URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("origin URL must be http or https: %q", baseURL)
	}

	u := &Upstream{
		baseURL: parsed,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, parsed.Host),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// BaseURL returns the origin base URL.
func (u *Upstream) BaseURL() *url.URL {
	return u.baseURL
}

// Client returns the HTTP client used for origin requests.
func (u *Upstream) Client() *http.Client {
	return u.client
}

// Resolve maps a request path (absolute or manifest-relative) onto the origin.
func (u *Upstream) Resolve(ref string) *url.URL {
	rel, err := url.Parse(ref)
	if err != nil {
		rel = &url.URL{Path: ref}
	}
	out := *u.baseURL
	out.Path = u.baseURL.Path + "/" + strings.TrimPrefix(rel.Path, "/")
	out.RawPath = ""
	out.RawQuery = rel.RawQuery
	out.Fragment = ""
	return &out
}

// Fetch performs r against the origin. Any HTTP response, whatever its
// status, is returned with a nil error. Transport failures are wrapped in
// ErrNetwork. The caller must close the response body.
func (u *Upstream) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := u.Resolve(r.URL.RequestURI())

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, h := range skipHeaders {
		req.Header.Del(h)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

// Get fetches ref (relative to the origin) with a plain GET.
func (u *Upstream) Get(ctx context.Context, ref string) (*http.Response, error) {
	target := u.Resolve(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return resp, nil
}

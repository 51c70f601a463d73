package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/store/memstore"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/upstream"
)

// testOrigin is a fake dashboard origin that can be switched offline.
type testOrigin struct {
	srv     *httptest.Server
	up      *upstream.Upstream
	hits    atomic.Int64
	offline atomic.Bool
	files   map[string]string
	reason  atomic.Value
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{files: files}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		body, ok := o.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".html") {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.srv.Close)

	up, err := upstream.New(o.srv.URL)
	require.NoError(t, err)
	o.up = up
	return o
}

func (o *testOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if o.offline.Load() {
		return nil, fmt.Errorf("%w: offline", upstream.ErrNetwork)
	}
	return o.up.Fetch(ctx, r)
}

func (o *testOrigin) Get(ctx context.Context, ref string) (*http.Response, error) {
	o.reason.Store(telemetry.FetchReason(ctx))
	if o.offline.Load() {
		return nil, fmt.Errorf("%w: offline", upstream.ErrNetwork)
	}
	return o.up.Get(ctx, ref)
}

func newTestCache(t *testing.T, o *testOrigin) (*Cache, store.Store) {
	t.Helper()
	s, err := memstore.New().Open(context.Background(), DefaultStoreName)
	require.NoError(t, err)
	return New(s, o), s
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func navigation(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

var dashboardFiles = map[string]string{
	"/index.html":       "<html>panel</html>",
	"/login.html":       "<html>login</html>",
	"/css/styles.css":   "body{}",
	"/offline.html":     "<html>sin conexión</html>",
	"/img/Logo2.png":    "\x89PNG",
	"/js/app.js":        "console.log('app')",
	"/js/manifest.json": `{"name":"panel"}`,
}

func TestPopulateTolerantOfFailures(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, s := newTestCache(t, o)

	manifest := []string{"index.html", "login.html", "registro.html", "css/styles.css", "offline.html"}
	result := c.Populate(ctx, manifest)

	require.Len(t, result.Assets, len(manifest))
	require.ElementsMatch(t, []string{"index.html", "login.html", "css/styles.css", "offline.html"}, result.Cached())

	failed := result.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "registro.html", failed[0].Path)
	require.ErrorIs(t, failed[0].Err, ErrBadStatus)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"GET /index.html", "GET /login.html", "GET /css/styles.css", "GET /offline.html",
	}, keys)
}

func TestPopulateTagsFetchReason(t *testing.T) {
	o := newTestOrigin(t, dashboardFiles)
	c, _ := newTestCache(t, o)

	_ = c.Populate(context.Background(), []string{"index.html"})
	require.Equal(t, telemetry.ReasonPrecache, o.reason.Load())
}

func TestPopulateOffline(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	o.offline.Store(true)
	c, s := newTestCache(t, o)

	result := c.Populate(ctx, DefaultManifest)
	require.Empty(t, result.Cached())
	require.Len(t, result.Failed(), len(DefaultManifest))
	for _, a := range result.Failed() {
		require.ErrorIs(t, a.Err, upstream.ErrNetwork)
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestServeHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, _ := newTestCache(t, o)
	c.Populate(ctx, []string{"index.html"})

	// The origin changes, but the cached copy is served as stored.
	o.files = map[string]string{"/index.html": "<html>changed</html>"}
	before := o.hits.Load()

	resp := c.Serve(ctx, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, "<html>panel</html>", readBody(t, resp))
	require.Equal(t, before, o.hits.Load(), "a hit must not touch the network")
}

func TestServeMissFetchesWithoutWriteThrough(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, s := newTestCache(t, o)

	resp := c.Serve(ctx, httptest.NewRequest(http.MethodGet, "/js/app.js", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "console.log('app')", readBody(t, resp))

	_, err := s.Get(ctx, "GET /js/app.js")
	require.ErrorIs(t, err, store.ErrNotFound, "static misses are not written through")
}

func TestServeMissReturnsErrorStatusAsIs(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, _ := newTestCache(t, o)

	resp := c.Serve(ctx, httptest.NewRequest(http.MethodGet, "/missing.css", nil))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestServeOfflineNavigationGetsPlaceholder(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, _ := newTestCache(t, o)
	c.Populate(ctx, []string{"offline.html"})
	o.offline.Store(true)

	resp := c.Serve(ctx, navigation("/reportes.html"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>sin conexión</html>", readBody(t, resp))
}

func TestServeOfflineSubresourceGets503(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	c, _ := newTestCache(t, o)
	c.Populate(ctx, []string{"offline.html"})
	o.offline.Store(true)

	resp := c.Serve(ctx, httptest.NewRequest(http.MethodGet, "/css/nuevo.css", nil))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Empty(t, resp.Header)
	require.Empty(t, readBody(t, resp))
}

func TestServeOfflineNavigationWithoutPlaceholder(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, dashboardFiles)
	o.offline.Store(true)
	c, _ := newTestCache(t, o)

	resp := c.Serve(ctx, navigation("/index.html"))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Empty(t, readBody(t, resp))
}

func TestServeCustomOfflinePage(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, map[string]string{"/fuera.html": "fuera de línea"})
	s, err := memstore.New().Open(ctx, DefaultStoreName)
	require.NoError(t, err)
	c := New(s, o, WithOfflinePage("fuera.html"), WithConcurrency(1))
	c.Populate(ctx, []string{"fuera.html"})
	o.offline.Store(true)

	resp := c.Serve(ctx, navigation("/"))
	require.Equal(t, "fuera de línea", readBody(t, resp))
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		mode   string
		accept string
		want   bool
	}{
		{"navigate mode", http.MethodGet, "navigate", "", true},
		{"no-cors mode wins over accept", http.MethodGet, "no-cors", "text/html", false},
		{"html accept without mode", http.MethodGet, "", "text/html,*/*", true},
		{"css accept without mode", http.MethodGet, "", "text/css", false},
		{"post with html accept", http.MethodPost, "", "text/html", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", nil)
			if tt.mode != "" {
				r.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			require.Equal(t, tt.want, IsNavigation(r))
		})
	}
}

func TestManifestKey(t *testing.T) {
	require.Equal(t, "GET /index.html", ManifestKey("index.html"))
	require.Equal(t, "GET /css/styles.css", ManifestKey("/css/styles.css"))
	require.Equal(t, store.Key(httptest.NewRequest(http.MethodGet, "/offline.html", nil)), ManifestKey("offline.html"))
}

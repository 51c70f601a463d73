package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/store"
)

type testOrigin struct {
	srv   *httptest.Server
	posts atomic.Int64
	down  atomic.Bool
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.down.Load() {
			// Drop the connection to simulate an unreachable origin.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			return
		}
		if r.Method == http.MethodPost {
			o.posts.Add(1)
			w.WriteHeader(http.StatusCreated)
			return
		}
		switch r.URL.Path {
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>panel</html>"))
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>offline</html>"))
		case "/api/casos":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":1}]`))
		case "/serviceworker.js":
			_, _ = w.Write([]byte("// v3"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newTestServer(t *testing.T, o *testOrigin, driver string) *Server {
	t.Helper()
	s, err := New(Config{
		Origin:        o.srv.URL,
		StorageDriver: driver,
		StoragePath:   t.TempDir(),
		Manifest:      []string{"index.html", "offline.html"},
		ScriptURL:     "serviceworker.js",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNewRequiresOrigin(t *testing.T) {
	_, err := New(Config{StorageDriver: StorageMemory})
	require.Error(t, err)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Origin: "http://origin.test", StorageDriver: "redis"})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newTestOrigin(t), StorageMemory)
	w := do(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestPassThroughBeforeActivation(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageMemory)

	w := do(t, s.Handler(), http.MethodGet, "/index.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<html>panel</html>", w.Body.String())
	require.False(t, s.Controller().Controlling())
}

func TestOfflineAfterActivation(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageBolt)
	require.NoError(t, s.Activate(context.Background()))
	require.True(t, s.Controller().Controlling())

	h := s.Handler()

	// Warm the API store while online.
	w := do(t, h, http.MethodGet, "/api/casos", nil)
	require.Equal(t, http.StatusOK, w.Code)

	o.down.Store(true)

	// Precached asset is served from the static store.
	w = do(t, h, http.MethodGet, "/index.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<html>panel</html>", w.Body.String())

	// API falls back to the stored snapshot.
	w = do(t, h, http.MethodGet, "/api/casos", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"id":1}]`, w.Body.String())

	// Unknown API resource gets the offline JSON error.
	w = do(t, h, http.MethodGet, "/api/usuarios", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"Sin conexión y sin datos en caché"}`, w.Body.String())

	// Navigation to an uncached page gets the offline placeholder.
	w = do(t, h, http.MethodGet, "/reportes.html", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<html>offline</html>", w.Body.String())

	// Uncached subresource gets an empty 503.
	w = do(t, h, http.MethodGet, "/css/nuevo.css", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Empty(t, w.Body.String())
}

func TestPostIsPassedThrough(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageMemory)
	require.NoError(t, s.Activate(context.Background()))

	r := httptest.NewRequest(http.MethodPost, "/api/casos", strings.NewReader(`{"id":2}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	require.EqualValues(t, 1, o.posts.Load())

	// The API store was not touched.
	w = do(t, s.Handler(), http.MethodGet, "/stats", nil)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	for _, st := range stats.Stores {
		if st.Name == "pce-ut-api-cache-v1" {
			require.Zero(t, st.Entries)
		}
	}
}

func TestStats(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageMemory)
	require.NoError(t, s.Activate(context.Background()))

	w := do(t, s.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, lifecycle.StateActivated, stats.State)
	require.True(t, stats.Controlling)
	require.NotNil(t, stats.ScriptDigest)
	require.Equal(t, offlinecache.HashBytes([]byte("// v3")), *stats.ScriptDigest)
	require.Contains(t, w.Body.String(), `"script_digest":"`+stats.ScriptDigest.String()+`"`)
	require.ElementsMatch(t, []storeStats{
		{Name: "pce-ut-api-cache-v1", Entries: 0},
		{Name: "pce-ut-cache-v3", Entries: 2},
	}, stats.Stores)
}

func TestBoltDatabaseCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		Origin:        newTestOrigin(t).srv.URL,
		StorageDriver: StorageBolt,
		StoragePath:   filepath.Join(dir, "nested"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	_, err = os.Stat(filepath.Join(dir, "nested", dbFileName))
	require.NoError(t, err)
}

func TestMetricsNotEnabled(t *testing.T) {
	s := newTestServer(t, newTestOrigin(t), StorageMemory)
	w := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// vanishingManager deletes a store right after listing it, as an
// activation running alongside a stats request would.
type vanishingManager struct {
	store.Manager
	victim string
}

func (m *vanishingManager) Names(ctx context.Context) ([]string, error) {
	names, err := m.Manager.Names(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.Manager.Delete(ctx, m.victim); err != nil {
		return nil, err
	}
	return names, nil
}

func TestStatsDoesNotRecreateDeletedStore(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageMemory)
	require.NoError(t, s.Activate(ctx))

	_, err := s.manager.Open(ctx, "pce-ut-cache-v2")
	require.NoError(t, err)
	inner := s.manager
	s.manager = &vanishingManager{Manager: inner, victim: "pce-ut-cache-v2"}

	w := do(t, s.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	for _, st := range stats.Stores {
		require.NotEqual(t, "pce-ut-cache-v2", st.Name)
	}

	names, err := inner.Names(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "pce-ut-cache-v2")
}

func TestShutdownBeforeActivate(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o, StorageMemory)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Activate(context.Background()))

	require.Equal(t, lifecycle.StateParsed, s.Controller().State())
	require.False(t, s.Controller().Controlling())
}

// Command offline-cache is an offline-capable caching layer in front of a
// dashboard origin.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address     string `help:"Address to listen on." default:":8080" env:"OFFLINE_CACHE_ADDRESS"`
	Origin      string `help:"Dashboard origin URL." required:"" env:"OFFLINE_CACHE_ORIGIN"`
	Storage     string `help:"Storage directory path." default:"./cache" env:"OFFLINE_CACHE_STORAGE"`
	StorageType string `name:"storage-driver" help:"Storage driver." enum:"bolt,memory" default:"bolt" env:"OFFLINE_CACHE_STORAGE_DRIVER"`

	StaticStore     string   `help:"Generation label of the static asset store." default:"pce-ut-cache-v3" env:"OFFLINE_CACHE_STATIC_STORE"`
	APIStore        string   `name:"api-store" help:"Generation label of the API response store." default:"pce-ut-api-cache-v1" env:"OFFLINE_CACHE_API_STORE"`
	Manifest        []string `help:"Assets precached at install (default: built-in manifest)." env:"OFFLINE_CACHE_MANIFEST"`
	OfflinePage     string   `help:"Manifest entry served to offline navigations." default:"offline.html" env:"OFFLINE_CACHE_OFFLINE_PAGE"`
	OfflineMessage  string   `help:"Error message of the offline API response." env:"OFFLINE_CACHE_OFFLINE_MESSAGE"`
	APIPrefix       string   `name:"api-prefix" help:"Path prefix of API requests." default:"/api/" env:"OFFLINE_CACHE_API_PREFIX"`
	MetricsSegment  string   `help:"Path segment marking dynamic metrics requests." default:"/valores" env:"OFFLINE_CACHE_METRICS_SEGMENT"`
	ExcludedSchemes []string `help:"URL schemes never intercepted." default:"chrome-extension" env:"OFFLINE_CACHE_EXCLUDED_SCHEMES"`
	ScriptURL       string   `name:"script-url" help:"Controller script checked for updates (empty disables)." default:"serviceworker.js" env:"OFFLINE_CACHE_SCRIPT_URL"`

	UpdateInterval time.Duration `help:"How often to check for controller updates." default:"60s" env:"OFFLINE_CACHE_UPDATE_INTERVAL"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"OFFLINE_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"OFFLINE_CACHE_LOG_FORMAT"`

	OTLPEndpoint   string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics (empty disables)." env:"OFFLINE_CACHE_OTLP_ENDPOINT"`
	MetricInterval time.Duration `help:"OTLP export interval." default:"10s" env:"OFFLINE_CACHE_METRIC_INTERVAL"`
	Prometheus     bool          `help:"Expose Prometheus metrics on /metrics." env:"OFFLINE_CACHE_PROMETHEUS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("offline-cache"),
		kong.Description("Offline-capable caching layer for the dashboard."),
		kong.Vars{"version": version},
	)

	if err := run(c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c cli) error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		FlushInterval:    c.MetricInterval,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:         c.Address,
		Origin:          c.Origin,
		StoragePath:     c.Storage,
		StorageDriver:   c.StorageType,
		StaticStore:     c.StaticStore,
		APIStore:        c.APIStore,
		Manifest:        c.Manifest,
		OfflinePage:     c.OfflinePage,
		OfflineMessage:  c.OfflineMessage,
		APIPrefix:       c.APIPrefix,
		MetricsSegment:  c.MetricsSegment,
		ExcludedSchemes: c.ExcludedSchemes,
		ScriptURL:       c.ScriptURL,
		UpdateInterval:  c.UpdateInterval,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", c.Origin,
		"storage", c.StorageType,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

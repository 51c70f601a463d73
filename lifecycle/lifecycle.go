// Package lifecycle drives the caching layer through install, activation and
// claim, and periodically checks the origin for a newer controller script.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/assets"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultUpdateInterval is how often the controller script is rechecked.
	DefaultUpdateInterval = 60 * time.Second

	// DefaultScriptURL is the controller script fetched by update checks.
	DefaultScriptURL = "serviceworker.js"
)

// State is the lifecycle state of a Controller.
type State string

const (
	// StateParsed is a new controller that has not started installing.
	StateParsed State = "parsed"
	// StateInstalling is populating the static store.
	StateInstalling State = "installing"
	// StateInstalled has a populated static store and awaits activation.
	StateInstalled State = "installed"
	// StateActivating is deleting obsolete stores.
	StateActivating State = "activating"
	// StateActivated has cleaned up old generations and controls requests.
	StateActivated State = "activated"
	// StateRedundant failed to install and never controls requests.
	StateRedundant State = "redundant"
)

// ErrInvalidState is returned when an operation is called out of order.
var ErrInvalidState = errors.New("invalid lifecycle state")

// Populator fills the static store from a manifest.
type Populator interface {
	Populate(ctx context.Context, manifest []string) *assets.PopulateResult
	StoreName() string
}

// ScriptFetcher retrieves the controller script from the origin.
type ScriptFetcher interface {
	Get(ctx context.Context, ref string) (*http.Response, error)
}

// Config holds lifecycle configuration.
type Config struct {
	// Manifest is the asset list precached at install.
	Manifest []string

	// Keep is the whitelist of generation labels that survive activation.
	// Every other store is deleted.
	Keep []string

	// ScriptURL is fetched by update checks. Empty disables them.
	ScriptURL string

	// UpdateInterval is how often update checks run. Default is 60s.
	UpdateInterval time.Duration

	// Logger for lifecycle events.
	Logger *slog.Logger
}

// Controller owns the lifecycle state machine.
type Controller struct {
	config  Config
	manager store.Manager
	static  Populator
	fetcher ScriptFetcher
	logger  *slog.Logger

	controlling atomic.Bool

	stateMu sync.RWMutex
	state   State
	digest  offlinecache.Hash

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a controller in the parsed state.
func New(m store.Manager, static Populator, fetcher ScriptFetcher, cfg Config) *Controller {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = assets.DefaultManifest
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		config:  cfg,
		manager: m,
		static:  static,
		fetcher: fetcher,
		logger:  cfg.Logger.With("component", "lifecycle"),
		state:   StateParsed,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.logger.Debug("lifecycle state changed", "state", s)
}

// ScriptDigest returns the digest of the controller script seen at install.
// It is zero when no script URL is configured or the fetch failed.
func (c *Controller) ScriptDigest() offlinecache.Hash {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.digest
}

// Controlling reports whether requests are routed through the caches.
func (c *Controller) Controlling() bool {
	return c.controlling.Load()
}

// Install opens the static store and populates it from the manifest.
// Individual asset failures do not fail the install; only an unusable
// store does, which leaves the controller redundant.
func (c *Controller) Install(ctx context.Context) (*assets.PopulateResult, error) {
	if s := c.State(); s != StateParsed {
		return nil, fmt.Errorf("%w: install from %s", ErrInvalidState, s)
	}
	c.setState(StateInstalling)

	if _, err := c.manager.Open(ctx, c.static.StoreName()); err != nil {
		c.setState(StateRedundant)
		telemetry.RecordLifecycleEvent(ctx, "install", "error")
		return nil, fmt.Errorf("opening static store: %w", err)
	}

	result := c.static.Populate(ctx, c.config.Manifest)

	if c.config.ScriptURL != "" {
		if digest, err := c.fetchScriptDigest(ctx); err != nil {
			c.logger.Warn("controller script digest unavailable", "url", c.config.ScriptURL, "error", err)
		} else {
			c.stateMu.Lock()
			c.digest = digest
			c.stateMu.Unlock()
		}
	}

	c.setState(StateInstalled)
	telemetry.RecordLifecycleEvent(ctx, "install", "success")
	c.logger.Info("installed",
		"store", c.static.StoreName(),
		"cached", len(result.Cached()),
		"failed", len(result.Failed()),
	)
	return result, nil
}

// Activate deletes every store whose name is not whitelisted, then claims
// control. It returns the names that were deleted. A failed deletion is
// logged and reported but does not prevent the claim.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	if s := c.State(); s != StateInstalled {
		return nil, fmt.Errorf("%w: activate from %s", ErrInvalidState, s)
	}
	c.setState(StateActivating)

	names, err := c.manager.Names(ctx)
	if err != nil {
		c.setState(StateInstalled)
		telemetry.RecordLifecycleEvent(ctx, "activate", "error")
		return nil, fmt.Errorf("listing stores: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if slices.Contains(c.config.Keep, name) {
			continue
		}
		existed, err := c.manager.Delete(ctx, name)
		if err != nil {
			c.logger.Error("failed to delete obsolete store", "store", name, "error", err)
			errs = append(errs, fmt.Errorf("deleting %s: %w", name, err))
			continue
		}
		if existed {
			c.logger.Info("deleted obsolete store", "store", name)
			deleted = append(deleted, name)
		}
	}
	telemetry.RecordStoresDeleted(ctx, len(deleted))

	c.Claim()
	c.setState(StateActivated)

	outcome := "success"
	if len(errs) > 0 {
		outcome = "partial"
	}
	telemetry.RecordLifecycleEvent(ctx, "activate", outcome)
	return deleted, errors.Join(errs...)
}

// Claim takes control of every current and future request without a
// restart.
func (c *Controller) Claim() {
	if !c.controlling.Swap(true) {
		c.logger.Info("controller claimed clients")
	}
}

// Start installs, activates and begins periodic update checks.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	if _, err := c.Install(ctx); err != nil {
		c.markDone()
		return err
	}
	if _, err := c.Activate(ctx); err != nil && !c.Controlling() {
		c.markDone()
		return err
	}

	if c.config.ScriptURL == "" {
		c.markDone()
		return nil
	}
	go c.run(ctx)
	return nil
}

// Stop stops periodic update checks. A controller stopped before Start
// never starts.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	running := c.running
	c.mu.Unlock()

	if !running {
		return
	}

	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) markDone() {
	close(c.doneCh)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			_, _ = c.CheckForUpdate(ctx)
		}
	}
}

// CheckForUpdate fetches the controller script and reports whether it
// differs from the one seen at install. The check is advisory and never
// touches the stores.
func (c *Controller) CheckForUpdate(ctx context.Context) (bool, error) {
	digest, err := c.fetchScriptDigest(ctx)
	if err != nil {
		c.logger.Debug("update check failed", "error", err)
		telemetry.RecordUpdateCheck(ctx, "error")
		return false, err
	}

	c.stateMu.Lock()
	if c.digest.IsZero() {
		c.digest = digest
	}
	installed := c.digest
	c.stateMu.Unlock()

	if digest == installed {
		telemetry.RecordUpdateCheck(ctx, "unchanged")
		return false, nil
	}

	c.logger.Info("controller update available",
		"installed", installed.ShortString(),
		"latest", digest.ShortString(),
	)
	telemetry.RecordUpdateCheck(ctx, "available")
	return true, nil
}

func (c *Controller) fetchScriptDigest(ctx context.Context) (offlinecache.Hash, error) {
	ctx = telemetry.WithFetchReason(ctx, telemetry.ReasonUpdateCheck)
	resp, err := c.fetcher.Get(ctx, c.config.ScriptURL)
	if err != nil {
		return offlinecache.Hash{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return offlinecache.Hash{}, fmt.Errorf("fetching %s: status %d", c.config.ScriptURL, resp.StatusCode)
	}

	digest, _, err := offlinecache.HashReader(resp.Body)
	if err != nil {
		return offlinecache.Hash{}, fmt.Errorf("reading %s: %w", c.config.ScriptURL, err)
	}
	return digest, nil
}

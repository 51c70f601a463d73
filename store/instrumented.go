package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// InstrumentedManager wraps a Manager with metrics recording.
type InstrumentedManager struct {
	manager Manager
	driver  string
}

// NewInstrumentedManager creates a new instrumented manager wrapper.
// driver names the implementation in metric attributes (e.g. "bolt").
func NewInstrumentedManager(m Manager, driver string) *InstrumentedManager {
	return &InstrumentedManager{manager: m, driver: driver}
}

func (im *InstrumentedManager) Open(ctx context.Context, name string) (Store, error) {
	start := time.Now()
	s, err := im.manager.Open(ctx, name)
	telemetry.RecordStoreOp(ctx, im.driver, name, "open", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedStore{store: s, driver: im.driver}, nil
}

func (im *InstrumentedManager) Lookup(ctx context.Context, name string) (Store, error) {
	start := time.Now()
	s, err := im.manager.Lookup(ctx, name)
	telemetry.RecordStoreOp(ctx, im.driver, name, "lookup", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedStore{store: s, driver: im.driver}, nil
}

func (im *InstrumentedManager) Names(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := im.manager.Names(ctx)
	telemetry.RecordStoreOp(ctx, im.driver, "", "names", outcomeFromError(err), time.Since(start), 0)
	return names, err
}

func (im *InstrumentedManager) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	existed, err := im.manager.Delete(ctx, name)
	telemetry.RecordStoreOp(ctx, im.driver, name, "delete_store", outcomeFromError(err), time.Since(start), 0)
	return existed, err
}

func (im *InstrumentedManager) Close() error {
	return im.manager.Close()
}

// Unwrap returns the underlying manager.
func (im *InstrumentedManager) Unwrap() Manager {
	return im.manager
}

type instrumentedStore struct {
	store  Store
	driver string
}

func (is *instrumentedStore) Name() string {
	return is.store.Name()
}

func (is *instrumentedStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	start := time.Now()
	snap, err := is.store.Get(ctx, key)
	var n int64
	if snap != nil {
		n = int64(len(snap.Body))
	}
	telemetry.RecordStoreOp(ctx, is.driver, is.store.Name(), "get", outcomeFromError(err), time.Since(start), n)
	return snap, err
}

func (is *instrumentedStore) Put(ctx context.Context, key string, snap *Snapshot) error {
	start := time.Now()
	err := is.store.Put(ctx, key, snap)
	telemetry.RecordStoreOp(ctx, is.driver, is.store.Name(), "put", outcomeFromError(err), time.Since(start), int64(len(snap.Body)))
	return err
}

func (is *instrumentedStore) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	existed, err := is.store.Delete(ctx, key)
	telemetry.RecordStoreOp(ctx, is.driver, is.store.Name(), "delete", outcomeFromError(err), time.Since(start), 0)
	return existed, err
}

func (is *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := is.store.Keys(ctx)
	telemetry.RecordStoreOp(ctx, is.driver, is.store.Name(), "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreDeleted):
		return "deleted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Manager = (*InstrumentedManager)(nil)
	_ Store   = (*instrumentedStore)(nil)
)

// Package store provides the durable stores backing the offline cache.
//
// A store is a named key-value cache of response snapshots. Its name is a
// generation label; rotating the label is how cached data is invalidated.
//
// Single-key writes are atomic: a reader observes either the previous
// snapshot for a key or the new one, never a partial write. A write against
// a store that has been deleted fails with ErrStoreDeleted and never
// recreates the store.
package store

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrNotFound is returned when a key does not exist in a store.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreDeleted is returned when writing to a store that was deleted
	// after the handle was opened.
	ErrStoreDeleted = errors.New("store: deleted")

	// ErrInvalidName is returned when opening a store with an empty name.
	ErrInvalidName = errors.New("store: invalid name")
)

// Manager creates, enumerates and deletes named stores.
// Implementations must be safe for concurrent use.
type Manager interface {
	// Open returns the store for name, creating it if absent.
	// Errors only on storage failure (exhaustion, closed database).
	Open(ctx context.Context, name string) (Store, error)

	// Lookup returns the store for name without creating it.
	// Returns ErrNotFound if no such store exists.
	Lookup(ctx context.Context, name string) (Store, error)

	// Names returns the names of all existing stores.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a store and all its entries.
	// Returns whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Close releases resources held by the manager.
	Close() error
}

// Store is a single named cache of response snapshots.
// Implementations must be safe for concurrent use.
type Store interface {
	// Name returns the generation label of the store.
	Name() string

	// Get returns the snapshot stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Snapshot, error)

	// Put stores snap under key, replacing any previous snapshot.
	Put(ctx context.Context, key string, snap *Snapshot) error

	// Delete removes the snapshot stored under key.
	// Returns whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns every key in the store.
	Keys(ctx context.Context) ([]string, error)
}

// Key returns the cache key for a request: the method followed by the
// request URI (path and query, fragment dropped).
// Stores front a single origin, so the host is not part of the key.
func Key(r *http.Request) string {
	return KeyFor(r.Method, r.URL)
}

// KeyFor returns the cache key for method and u.
func KeyFor(method string, u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return method + " " + uri
}

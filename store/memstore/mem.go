// Package memstore implements an in-memory store.Manager.
// Stores do not survive a restart; use it for tests and ephemeral deployments.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/wolfeidau/offline-cache/store"
)

// Manager is an in-memory store.Manager.
type Manager struct {
	mutex  sync.RWMutex
	stores map[string]*memStore
}

// New creates an empty in-memory manager.
func New() *Manager {
	return &Manager{stores: make(map[string]*memStore)}
}

func (m *Manager) Open(ctx context.Context, name string) (store.Store, error) {
	if name == "" {
		return nil, store.ErrInvalidName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.stores[name]
	if !ok {
		s = &memStore{name: name, data: make(map[string]*store.Snapshot)}
		m.stores[name] = s
	}
	return s, nil
}

func (m *Manager) Lookup(ctx context.Context, name string) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.stores[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *Manager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return slices.Sorted(maps.Keys(m.stores)), nil
}

func (m *Manager) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)

	// Mark the handle dead so writers holding it cannot resurrect entries.
	s.mutex.Lock()
	s.deleted = true
	s.data = nil
	s.mutex.Unlock()
	return true, nil
}

func (m *Manager) Close() error {
	return nil
}

type memStore struct {
	name    string
	mutex   sync.RWMutex
	data    map[string]*store.Snapshot
	deleted bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Get(ctx context.Context, key string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snap, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *memStore) Put(ctx context.Context, key string, snap *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(snap.Body) > store.MaxPayloadSize {
		return store.ErrPayloadTooLarge
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return store.ErrStoreDeleted
	}
	s.data[key] = snap.Clone()
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *memStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

var _ store.Manager = (*Manager)(nil)

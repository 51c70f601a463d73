// Package boltstore implements a durable store.Manager on bbolt.
//
// Each store is a top-level bucket named by its generation label. Every Put
// runs in its own read-write transaction, which makes single-key writes
// atomic and serializes them against bucket deletion.
package boltstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-cache/store"
)

// Manager implements store.Manager using bbolt.
type Manager struct {
	db     *bbolt.DB
	codec  *store.Codec
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(m *Manager) {
		m.noSync = noSync
	}
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Manager, error) {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  m.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	codec, err := store.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating snapshot codec: %w", err)
	}

	m.db = db
	m.codec = codec
	m.logger.Debug("opened store database", "path", path, "noSync", m.noSync)
	return m, nil
}

// Open returns the store for name, creating its bucket if absent.
func (m *Manager) Open(ctx context.Context, name string) (store.Store, error) {
	if name == "" {
		return nil, store.ErrInvalidName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := m.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltStore{db: m.db, codec: m.codec, name: name}, nil
}

// Lookup returns the store for name if its bucket exists.
func (m *Manager) Lookup(ctx context.Context, name string) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := m.db.View(func(tx *bbolt.Tx) error {
		if name == "" || tx.Bucket([]byte(name)) == nil {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &boltStore{db: m.db, codec: m.codec, name: name}, nil
}

// Names returns every store (top-level bucket) name.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	return names, nil
}

// Delete removes the store bucket and every snapshot in it.
func (m *Manager) Delete(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var existed bool
	err := m.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("deleting store %s: %w", name, err)
	}
	return existed, nil
}

// Close closes the database and releases resources.
func (m *Manager) Close() error {
	if m.codec != nil {
		m.codec.Close()
		m.codec = nil
	}
	if m.db == nil {
		return nil
	}
	m.logger.Debug("closing store database")
	return m.db.Close()
}

type boltStore struct {
	db    *bbolt.DB
	codec *store.Codec
	name  string
}

func (s *boltStore) Name() string {
	return s.name
}

func (s *boltStore) Get(ctx context.Context, key string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(s.name))
		if bucket == nil {
			return store.ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return store.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s in %s: %w", key, s.name, err)
	}
	return snap, nil
}

func (s *boltStore) Put(ctx context.Context, key string, snap *store.Snapshot) error {
	data, err := s.codec.Encode(snap)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(s.name))
		if bucket == nil {
			return store.ErrStoreDeleted
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

func (s *boltStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(s.name))
		if bucket == nil {
			return nil
		}
		if bucket.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(key))
	})
	return existed, err
}

func (s *boltStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(s.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

var _ store.Manager = (*Manager)(nil)

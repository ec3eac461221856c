package state

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/developerabhi01/ic/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixCanister is the prefix for canister records.
	// Key format: prefixCanister + canister id (32 bytes)
	prefixCanister = []byte{0x01}

	// prefixStable is the prefix for stable memory content.
	// Key format: prefixStable + canister id (32 bytes)
	prefixStable = []byte{0x02}

	// prefixMeta is the prefix for store metadata.
	prefixMeta = []byte{0x03}

	metaCanisterCount = append(prefixMeta, []byte("count")...)
)

// Store is the canister state store interface.
type Store interface {
	GetCanister(id types.CanisterID) (*Canister, error)
	PutCanister(c *Canister) error
	DeleteCanister(id types.CanisterID) error
	HasCanister(id types.CanisterID) (bool, error)
	IterateCanisters(fn func(c *Canister) error) error
	CanisterCount() (uint64, error)

	GetStableMemory(id types.CanisterID) ([]byte, error)
	PutStableMemory(id types.CanisterID, content []byte) error

	NewBatchWriter() *BatchWriter

	Sync() error
	Close() error
}

// BadgerConfig contains configuration for the state database.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns the default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: false,
	}
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB

	canisterCount atomic.Uint64

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewBadgerStore creates a new BadgerDB-backed canister store.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func (s *BadgerStore) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCanisterCount)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.canisterCount.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

func canisterKey(id types.CanisterID) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixCanister[0]
	copy(key[1:], id.Bytes())
	return key
}

func stableKey(id types.CanisterID) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixStable[0]
	copy(key[1:], id.Bytes())
	return key
}

// GetCanister retrieves a canister record by id.
func (s *BadgerStore) GetCanister(id types.CanisterID) (*Canister, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var c *Canister
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(canisterKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrCanisterNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := DeserializeCanister(val)
			if err != nil {
				return err
			}
			decoded.ID = id
			c = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PutCanister stores a canister record.
func (s *BadgerStore) PutCanister(c *Canister) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(c.Controller) > MaxControllerSize {
		return ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.hasCanisterLocked(c.ID)
	if err != nil {
		return err
	}

	data := c.Serialize()
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(canisterKey(c.ID), data)
	})
	if err != nil {
		return err
	}

	if !exists {
		s.canisterCount.Add(1)
	}
	return nil
}

// DeleteCanister removes a canister record and its stable memory.
func (s *BadgerStore) DeleteCanister(id types.CanisterID) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.hasCanisterLocked(id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(canisterKey(id)); err != nil {
			return err
		}
		return txn.Delete(stableKey(id))
	})
	if err != nil {
		return err
	}

	s.canisterCount.Add(^uint64(0))
	return nil
}

// HasCanister checks if a canister exists.
func (s *BadgerStore) HasCanister(id types.CanisterID) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasCanisterLocked(id)
}

func (s *BadgerStore) hasCanisterLocked(id types.CanisterID) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(canisterKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// IterateCanisters iterates over all canisters in id order. Returning an
// error from the callback stops iteration.
func (s *BadgerStore) IterateCanisters(fn func(c *Canister) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCanister
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 33 {
				continue
			}
			id, err := types.CanisterIDFromBytes(key[1:])
			if err != nil {
				continue
			}

			err = item.Value(func(val []byte) error {
				c, err := DeserializeCanister(val)
				if err != nil {
					return err
				}
				c.ID = id
				return fn(c)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CanisterCount returns the number of canisters stored.
func (s *BadgerStore) CanisterCount() (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.canisterCount.Load(), nil
}

// GetStableMemory returns the stored stable memory content for a
// canister. A canister with no stable memory yields an empty slice.
func (s *BadgerStore) GetStableMemory(id types.CanisterID) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var content []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stableKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// PutStableMemory stores the stable memory content for a canister.
func (s *BadgerStore) PutStableMemory(id types.CanisterID, content []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if len(content) == 0 {
			return txn.Delete(stableKey(id))
		}
		return txn.Set(stableKey(id), content)
	})
}

// Sync ensures all writes are persisted to disk.
func (s *BadgerStore) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close persists metadata and closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}

	// Best effort metadata persist; the count is recountable.
	_ = s.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, s.canisterCount.Load())
		return txn.Set(metaCanisterCount, buf)
	})
	return s.db.Close()
}

// BatchWriter batches canister and stable memory writes so one
// execution's outcome lands atomically.
type BatchWriter struct {
	store *BadgerStore
	batch *badger.WriteBatch
	added int64
}

// NewBatchWriter creates a batch writer.
func (s *BadgerStore) NewBatchWriter() *BatchWriter {
	return &BatchWriter{
		store: s,
		batch: s.db.NewWriteBatch(),
	}
}

// PutCanister adds a canister record write to the batch.
func (bw *BatchWriter) PutCanister(c *Canister) error {
	if len(c.Controller) > MaxControllerSize {
		return ErrInvalidData
	}
	exists, _ := bw.store.HasCanister(c.ID)
	if err := bw.batch.Set(canisterKey(c.ID), c.Serialize()); err != nil {
		return err
	}
	if !exists {
		bw.added++
	}
	return nil
}

// PutStableMemory adds a stable memory write to the batch.
func (bw *BatchWriter) PutStableMemory(id types.CanisterID, content []byte) error {
	if len(content) == 0 {
		return bw.batch.Delete(stableKey(id))
	}
	return bw.batch.Set(stableKey(id), append([]byte(nil), content...))
}

// Flush writes all batched operations.
func (bw *BatchWriter) Flush() error {
	if err := bw.batch.Flush(); err != nil {
		return err
	}
	bw.store.canisterCount.Add(uint64(bw.added))
	bw.added = 0
	return nil
}

// Cancel discards the batch without writing.
func (bw *BatchWriter) Cancel() {
	bw.batch.Cancel()
	bw.added = 0
}

// Verify interface compliance.
var _ Store = (*BadgerStore)(nil)

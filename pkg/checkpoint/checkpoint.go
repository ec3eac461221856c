// Package checkpoint persists page map versions. Each committed version
// stores only the pages its execution dirtied; loading a version replays
// the delta chain from the beginning, which reproduces exactly the
// structural sharing the in-memory page map maintains.
//
// Pages are zstd-compressed on disk and carry a blake3 digest that is
// verified on every load.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
)

var (
	// ErrVersionNotFound is returned when a version doesn't exist.
	ErrVersionNotFound = errors.New("checkpoint version not found")

	// ErrCorruptPage is returned when a stored page fails digest
	// verification.
	ErrCorruptPage = errors.New("checkpoint page digest mismatch")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("checkpoint store closed")
)

// Bucket names for BoltDB.
var (
	// bucketPages stores compressed page content keyed by
	// canister||version||page index.
	bucketPages = []byte("pages")

	// bucketManifests stores version manifests keyed by
	// canister||version.
	bucketManifests = []byte("manifests")

	// bucketMeta stores per-canister metadata such as the latest
	// committed version.
	bucketMeta = []byte("meta")
)

// Manifest describes one committed version.
type Manifest struct {
	Version   uint64
	HeapPages uint64

	// NumPages is the number of delta pages in this version.
	NumPages uint64

	// Root is the blake3 digest over the version's page digests in
	// index order.
	Root [32]byte

	CreatedAt time.Time
}

// Store persists page map versions in BoltDB.
type Store struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a checkpoint store at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPages, bucketManifests, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func versionKey(id types.CanisterID, version uint64) []byte {
	key := make([]byte, 40)
	copy(key, id.Bytes())
	binary.BigEndian.PutUint64(key[32:], version)
	return key
}

func pageKey(id types.CanisterID, version uint64, index types.PageIndex) []byte {
	key := make([]byte, 48)
	copy(key, id.Bytes())
	binary.BigEndian.PutUint64(key[32:], version)
	binary.BigEndian.PutUint64(key[40:], uint64(index))
	return key
}

// Commit stores one version's page delta and returns its manifest.
// Versions must be committed in increasing order per canister.
func (s *Store) Commit(id types.CanisterID, version uint64, delta memory.PageDelta, heapPages uint64) (*Manifest, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	manifest := &Manifest{
		Version:   version,
		HeapPages: heapPages,
		NumPages:  uint64(len(delta)),
		CreatedAt: time.Now().UTC(),
	}

	root := blake3.New()
	err := s.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		for _, entry := range delta {
			digest := blake3.Sum256(entry.Data)
			root.Write(digest[:])

			value := make([]byte, 32, 32+len(entry.Data)/2)
			copy(value, digest[:])
			value = s.enc.EncodeAll(entry.Data, value)

			if err := pages.Put(pageKey(id, version, entry.Index), value); err != nil {
				return err
			}
		}
		root.Sum(manifest.Root[:0])

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(manifest); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := tx.Bucket(bucketManifests).Put(versionKey(id, version), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(id.Bytes(), versionKey(id, version)[32:])
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// LatestVersion returns the most recently committed version for a
// canister. The second result is false when nothing has been committed.
func (s *Store) LatestVersion(id types.CanisterID) (uint64, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, false, ErrClosed
	}
	s.mu.RUnlock()

	var version uint64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(id.Bytes()); v != nil {
			version = binary.BigEndian.Uint64(v)
			found = true
		}
		return nil
	})
	return version, found, err
}

// Manifest returns the manifest of one committed version.
func (s *Store) Manifest(id types.CanisterID, version uint64) (*Manifest, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	var manifest Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get(versionKey(id, version))
		if data == nil {
			return ErrVersionNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&manifest)
	})
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Load reconstructs the page map at a version by replaying the delta
// chain up to and including it. Every page is digest-verified as it is
// read back.
func (s *Store) Load(id types.CanisterID, version uint64) (*memory.PageMap, *Manifest, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	s.mu.RUnlock()

	manifest, err := s.Manifest(id, version)
	if err != nil {
		return nil, nil, err
	}

	pm := memory.NewPageMap()
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPages).Cursor()
		prefix := id.Bytes()

		var delta memory.PageDelta
		current := uint64(0)
		flush := func() {
			if len(delta) > 0 {
				pm = pm.Update(delta)
				delta = nil
			}
		}

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ver := binary.BigEndian.Uint64(k[32:40])
			if ver > version {
				break
			}
			if ver != current {
				flush()
				current = ver
			}

			if len(v) < 32 {
				return fmt.Errorf("%w: truncated value for page %x", ErrCorruptPage, k[40:])
			}
			data, err := s.dec.DecodeAll(v[32:], nil)
			if err != nil {
				return fmt.Errorf("decompress page %x: %w", k[40:], err)
			}
			if digest := blake3.Sum256(data); !bytes.Equal(digest[:], v[:32]) {
				return fmt.Errorf("%w: page %x", ErrCorruptPage, k[40:])
			}

			index := types.PageIndex(binary.BigEndian.Uint64(k[40:48]))
			delta = append(delta, memory.PageEntry{Index: index, Data: data})
		}
		flush()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pm, manifest, nil
}

// Sync forces a sync of the database to disk.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close shuts down the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

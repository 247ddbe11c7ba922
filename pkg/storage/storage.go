package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

var (
	ErrDatabase      = errors.New("database error")
	ErrSerialization = errors.New("serialization error")
	ErrBlockNotFound = errors.New("block not found")
	ErrStateNotFound = errors.New("state not found")
	ErrInvalidData   = errors.New("invalid data")
)

// Logical columns map to key prefixes: Pebble has no column families, so the
// blocks/states/metadata tables each get a two-byte prefix, with the byte-exact
// column keys (32-byte hash, 8-byte LE height, literal metadata names) after it.
func kBlock(h crypto.Hash) []byte { return append([]byte("b:"), h[:]...) }
func kState(height uint64) []byte { return append([]byte("s:"), heightKey(height)...) }
func kHeight(height uint64) []byte {
	return append([]byte("h:"), heightKey(height)...)
}

var (
	kLatestBlockHash   = []byte("m:latest_block_hash")
	kLatestBlockHeight = []byte("m:latest_block_height")
)

func heightKey(height uint64) []byte {
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], height)
	return k[:]
}

// Store is the durable block/state store. The latest-block pointer is
// monotone non-decreasing in height; its read-modify-write is serialized by
// mu, everything else is left to Pebble's own writer discipline.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StoreBlock persists the block by hash, indexes its height, and advances the
// latest-block pointer iff the height exceeds the current latest.
func (s *Store) StoreBlock(block *hotstuff.Block) error {
	hash := block.Hash()
	val, err := encodeBlock(block)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(kBlock(hash), val, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if err := batch.Set(kHeight(block.Height), hash[:], nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	latest, ok, err := s.latestHeightLocked()
	if err != nil {
		return err
	}
	if !ok || block.Height > latest {
		if err := batch.Set(kLatestBlockHash, hash[:], nil); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		if err := batch.Set(kLatestBlockHeight, heightKey(block.Height), nil); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// GetBlock returns the block by hash, or nil when absent.
func (s *Store) GetBlock(hash crypto.Hash) (*hotstuff.Block, error) {
	val, closer, err := s.db.Get(kBlock(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer closer.Close()
	return decodeBlock(val)
}

// GetBlockByHeight resolves the height index, then the block.
func (s *Store) GetBlockByHeight(height uint64) (*hotstuff.Block, error) {
	val, closer, err := s.db.Get(kHeight(height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	hash, herr := crypto.HashFromSlice(val)
	closer.Close()
	if herr != nil {
		return nil, fmt.Errorf("%w: height index entry: %v", ErrInvalidData, herr)
	}
	return s.GetBlock(hash)
}

// GetLatestBlock returns the block at the latest pointer, or nil when the
// store is empty.
func (s *Store) GetLatestBlock() (*hotstuff.Block, error) {
	val, closer, err := s.db.Get(kLatestBlockHash)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	hash, herr := crypto.HashFromSlice(val)
	closer.Close()
	if herr != nil {
		return nil, fmt.Errorf("%w: latest block hash: %v", ErrInvalidData, herr)
	}
	return s.GetBlock(hash)
}

// GetLatestBlockHeight returns the latest height and whether any block has
// been stored.
func (s *Store) GetLatestBlockHeight() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestHeightLocked()
}

func (s *Store) latestHeightLocked() (uint64, bool, error) {
	val, closer, err := s.db.Get(kLatestBlockHeight)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: latest height has %d bytes", ErrInvalidData, len(val))
	}
	return binary.LittleEndian.Uint64(val), true, nil
}

// StoreState persists the application state snapshot at height.
func (s *Store) StoreState(height uint64, state *State) error {
	val, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := s.db.Set(kState(height), val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// GetState returns the state snapshot at height, or nil when absent.
func (s *Store) GetState(height uint64) (*State, error) {
	val, closer, err := s.db.Get(kState(height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer closer.Close()
	return decodeState(val)
}

func (s *Store) DeleteBlock(hash crypto.Hash) error {
	if err := s.db.Delete(kBlock(hash), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

func (s *Store) DeleteState(height uint64) error {
	if err := s.db.Delete(kState(height), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// Batch collects writes that commit atomically through BatchWrite.
type Batch struct {
	inner *pebble.Batch
}

func (b *Batch) PutBlock(block *hotstuff.Block) error {
	hash := block.Hash()
	val, err := encodeBlock(block)
	if err != nil {
		return err
	}
	if err := b.inner.Set(kBlock(hash), val, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	if err := b.inner.Set(kHeight(block.Height), hash[:], nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

func (b *Batch) PutState(height uint64, state *State) error {
	val, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := b.inner.Set(kState(height), val, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

func (b *Batch) DeleteBlock(hash crypto.Hash) error {
	if err := b.inner.Delete(kBlock(hash), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

func (b *Batch) DeleteState(height uint64) error {
	if err := b.inner.Delete(kState(height), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// DeleteHeightIndex drops the height->hash entry; pruning uses it so a
// removed block cannot be resolved through a stale index.
func (b *Batch) DeleteHeightIndex(height uint64) error {
	if err := b.inner.Delete(kHeight(height), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// BatchWrite runs fn over a batch and commits it atomically: either every
// write in the closure lands or none do. Batch puts do not touch the
// latest-block pointer; use StoreBlock for pointer maintenance.
func (s *Store) BatchWrite(fn func(*Batch) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(&Batch{inner: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

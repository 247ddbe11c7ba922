package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/storage"
	"github.com/officialnico/openliquid/pkg/util"
)

var (
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Config bounds periodic snapshotting.
type Config struct {
	CheckpointInterval uint64
	MaxCheckpoints     int
	AutoCheckpoint     bool
}

func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 100,
		MaxCheckpoints:     10,
		AutoCheckpoint:     true,
	}
}

// Manager takes bounded-retention snapshots of application state at block
// heights. Pruning drops only index entries; the durable state blob stays in
// storage for the storage pruner to reclaim.
type Manager struct {
	store  *storage.Store
	config Config
	clock  util.Clock

	mu         sync.RWMutex
	index      map[uint64]Metadata
	lastHeight uint64

	Logger *zap.SugaredLogger
}

func NewManager(store *storage.Store, config Config, clock util.Clock) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		store:  store,
		config: config,
		clock:  clock,
		index:  make(map[uint64]Metadata),
		Logger: zap.NewNop().Sugar(),
	}
}

func NewManagerDefault(store *storage.Store) *Manager {
	return NewManager(store, DefaultConfig(), util.RealClock{})
}

// ShouldCheckpoint reports whether height is due for an automatic snapshot.
func (m *Manager) ShouldCheckpoint(height uint64) bool {
	if !m.config.AutoCheckpoint {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return height > 0 && height >= m.lastHeight+m.config.CheckpointInterval
}

// CreateCheckpoint validates the snapshot, persists its state, indexes the
// metadata, and prunes the index beyond MaxCheckpoints (oldest first).
func (m *Manager) CreateCheckpoint(height, view uint64, state *storage.State, blockHash crypto.Hash) (*Checkpoint, error) {
	cp := New(height, view, state, blockHash, m.clock.Now())
	if !cp.Verify() {
		return nil, fmt.Errorf("%w: state hash mismatch", ErrInvalidCheckpoint)
	}

	if err := m.store.StoreState(height, state); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.index[height] = metadataOf(cp)
	m.lastHeight = height
	for len(m.index) > m.config.MaxCheckpoints {
		oldest := uint64(0)
		first := true
		for h := range m.index {
			if first || h < oldest {
				oldest = h
				first = false
			}
		}
		delete(m.index, oldest)
	}
	m.mu.Unlock()

	m.Logger.Infow("checkpoint_created", "height", height, "view", view, "hash", blockHash.String())
	return cp, nil
}

// RestoreFromCheckpoint re-validates and re-persists the snapshot state.
func (m *Manager) RestoreFromCheckpoint(cp *Checkpoint) error {
	if !cp.Verify() {
		return fmt.Errorf("%w: verification failed", ErrInvalidCheckpoint)
	}
	return m.store.StoreState(cp.Height, cp.State)
}

// GetCheckpoint reconstructs a checkpoint from the persisted state and the
// block at that height (via the height index). Returns nil when either piece
// is missing.
func (m *Manager) GetCheckpoint(height uint64) (*Checkpoint, error) {
	state, err := m.store.GetState(height)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	block, err := m.store.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}

	view := block.View
	createdAt := m.clock.Now()
	m.mu.RLock()
	if meta, ok := m.index[height]; ok {
		view = meta.View
		createdAt = meta.CreatedAt
	}
	m.mu.RUnlock()

	return New(height, view, state, block.Hash(), createdAt), nil
}

// GetLatestCheckpoint returns the most recent checkpoint, or nil before the
// first one.
func (m *Manager) GetLatestCheckpoint() (*Checkpoint, error) {
	m.mu.RLock()
	last := m.lastHeight
	m.mu.RUnlock()
	if last == 0 {
		return nil, nil
	}
	return m.GetCheckpoint(last)
}

// ListCheckpoints returns index metadata ordered by height.
func (m *Manager) ListCheckpoints() []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, 0, len(m.index))
	for _, meta := range m.index {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// GetMetadata returns the index entry at height, if present.
func (m *Manager) GetMetadata(height uint64) (Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.index[height]
	return meta, ok
}

// DeleteCheckpoint drops both the index entry and the durable state blob.
func (m *Manager) DeleteCheckpoint(height uint64) error {
	m.mu.Lock()
	delete(m.index, height)
	m.mu.Unlock()
	return m.store.DeleteState(height)
}

// Stats summarizes retention.
type Stats struct {
	TotalCheckpoints     int
	LastCheckpointHeight uint64
	OldestHeight         uint64
	NewestHeight         uint64
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalCheckpoints:     len(m.index),
		LastCheckpointHeight: m.lastHeight,
	}
	first := true
	for h := range m.index {
		if first {
			stats.OldestHeight, stats.NewestHeight = h, h
			first = false
			continue
		}
		if h < stats.OldestHeight {
			stats.OldestHeight = h
		}
		if h > stats.NewestHeight {
			stats.NewestHeight = h
		}
	}
	return stats
}

package checkpoint

import (
	"time"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/storage"
)

const checkpointVersion = 1

// Checkpoint is a durable snapshot of application state at a block height.
type Checkpoint struct {
	Height    uint64
	View      uint64
	State     *storage.State
	BlockHash crypto.Hash
	CreatedAt time.Time
	Version   uint32
}

func New(height, view uint64, state *storage.State, blockHash crypto.Hash, createdAt time.Time) *Checkpoint {
	return &Checkpoint{
		Height:    height,
		View:      view,
		State:     state,
		BlockHash: blockHash,
		CreatedAt: createdAt,
		Version:   checkpointVersion,
	}
}

// Verify checks the snapshot's integrity: the recorded root must equal the
// recomputed one.
func (c *Checkpoint) Verify() bool {
	return c.State != nil && c.State.RootHash == c.State.ComputeHash()
}

// Metadata is the lightweight index entry for a checkpoint.
type Metadata struct {
	Height    uint64
	View      uint64
	BlockHash crypto.Hash
	CreatedAt time.Time
}

func metadataOf(c *Checkpoint) Metadata {
	return Metadata{
		Height:    c.Height,
		View:      c.View,
		BlockHash: c.BlockHash,
		CreatedAt: c.CreatedAt,
	}
}

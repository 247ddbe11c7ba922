package storage

// Retention policies for block/state history. Validators keep deeper history
// than observer nodes so they can serve sync windows.

type RetentionPolicy interface {
	// ShouldPrune reports whether a block at blockHeight is outside the
	// retention window given the current chain height.
	ShouldPrune(blockHeight, currentHeight uint64) bool
}

// KeepAll never prunes.
type KeepAll struct{}

func (KeepAll) ShouldPrune(uint64, uint64) bool { return false }

// KeepRecent retains the last N heights: at height H, blocks in
// [H-N+1, H] stay.
type KeepRecent struct{ N uint64 }

func (p KeepRecent) ShouldPrune(blockHeight, currentHeight uint64) bool {
	if currentHeight < p.N {
		return false
	}
	return blockHeight <= currentHeight-p.N
}

// KeepAfterHeight retains everything at or above a fixed height.
type KeepAfterHeight struct{ MinHeight uint64 }

func (p KeepAfterHeight) ShouldPrune(blockHeight, _ uint64) bool {
	return blockHeight < p.MinHeight
}

// PruningConfig pairs a policy with the node role.
type PruningConfig struct {
	Policy      RetentionPolicy
	IsValidator bool
}

func DefaultPruningConfig() PruningConfig {
	return PruningConfig{Policy: KeepRecent{N: 100}}
}

// Pruner removes blocks and states outside the retention window.
type Pruner struct {
	config PruningConfig
}

func NewPruner(config PruningConfig) *Pruner {
	return &Pruner{config: config}
}

// ForValidator keeps deep history (serves sync).
func ForValidator() *Pruner {
	return &Pruner{config: PruningConfig{Policy: KeepRecent{N: 1000}, IsValidator: true}}
}

// ForNonValidator keeps a short tail.
func ForNonValidator() *Pruner {
	return &Pruner{config: PruningConfig{Policy: KeepRecent{N: 100}}}
}

func (p *Pruner) ShouldPrune(blockHeight, currentHeight uint64) bool {
	return p.config.Policy.ShouldPrune(blockHeight, currentHeight)
}

// PruneStats counts what a prune pass removed.
type PruneStats struct {
	BlocksPruned uint64
	StatesPruned uint64
}

// Prune walks heights below the retention window via the height index and
// deletes the blocks and states found there. Genesis (height 0) is never
// pruned. Deletions go through one atomic batch.
func (p *Pruner) Prune(store *Store, currentHeight uint64) (PruneStats, error) {
	var stats PruneStats
	if _, ok := p.config.Policy.(KeepAll); ok {
		return stats, nil
	}

	err := store.BatchWrite(func(batch *Batch) error {
		for height := uint64(1); height < currentHeight; height++ {
			if !p.ShouldPrune(height, currentHeight) {
				continue
			}
			block, err := store.GetBlockByHeight(height)
			if err != nil {
				return err
			}
			if block == nil {
				continue
			}
			if err := batch.DeleteBlock(block.Hash()); err != nil {
				return err
			}
			if err := batch.DeleteHeightIndex(height); err != nil {
				return err
			}
			stats.BlocksPruned++
			if err := batch.DeleteState(height); err != nil {
				return err
			}
			stats.StatesPruned++
		}
		return nil
	})
	if err != nil {
		return PruneStats{}, err
	}
	return stats, nil
}

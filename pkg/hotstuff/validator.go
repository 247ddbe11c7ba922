package hotstuff

import (
	"fmt"

	"github.com/officialnico/openliquid/pkg/crypto"
)

// Validator holds the block tree and the safety-critical protocol state for
// one replica. It is owned by the engine task; callers outside the engine see
// read-only clones.
type Validator struct {
	State     ValidatorState
	KeyPair   crypto.KeyPair
	Blocks    map[crypto.Hash]Block
	Committed []Block

	N          int // total validators, n = 3f+1
	F          int // max Byzantine faults
	QuorumSize int // n - f
}

// NewValidator builds a validator for an n=3f+1 network. The genesis block is
// installed immediately so the tree is never empty.
func NewValidator(kp crypto.KeyPair, validatorIndex, n int) (*Validator, error) {
	if n < 4 {
		return nil, fmt.Errorf("need at least n=4 validators, got %d", n)
	}
	if n%3 != 1 {
		return nil, fmt.Errorf("n must be 3f+1, got %d", n)
	}
	f := (n - 1) / 3

	blocks := make(map[crypto.Hash]Block)
	genesis := GenesisBlock(kp.PublicKey)
	blocks[genesis.Hash()] = genesis

	return &Validator{
		State:      NewValidatorState(kp.PublicKey, validatorIndex),
		KeyPair:    kp,
		Blocks:     blocks,
		N:          n,
		F:          f,
		QuorumSize: n - f,
	}, nil
}

// SafeNode decides whether a proposal is safe to vote for. Accepts when there
// is no lock, when the proposal extends the locked branch (safety rule), or
// when its justify carries a higher view than the lock (liveness rule). A
// missing ancestor counts as "does not extend".
func (v *Validator) SafeNode(proposal *Block) bool {
	locked := v.State.LockedQC
	if locked == nil {
		return true
	}

	if lockedBlock, ok := v.Blocks[locked.BlockHash]; ok {
		if v.extendsFromBranch(proposal, &lockedBlock) {
			return true
		}
	}

	if proposal.Justify != nil && proposal.Justify.View > locked.View {
		return true
	}

	return false
}

// extendsFromBranch walks parent links from block down to ancestor's height.
func (v *Validator) extendsFromBranch(block, ancestor *Block) bool {
	ancestorHash := ancestor.Hash()
	current := *block
	for {
		if current.Hash() == ancestorHash {
			return true
		}
		if current.Height <= ancestor.Height {
			return false
		}
		parent, ok := v.Blocks[current.Parent]
		if !ok {
			return false
		}
		current = parent
	}
}

// CreateLeaf builds the next proposal on parent, justified by the current
// prepare QC.
func (v *Validator) CreateLeaf(parent *Block, txs [][]byte) Block {
	return NewBlock(
		parent.Hash(),
		parent.Height+1,
		v.State.ViewNumber,
		v.State.PrepareQC,
		txs,
		v.KeyPair.PublicKey,
	)
}

// Vote partial-signs (block_hash || view) for the given phase.
func (v *Validator) Vote(msgType MessageType, block *Block) Vote {
	blockHash := block.Hash()
	partial := crypto.ThresholdSign(v.KeyPair.SecretKey, VotePreimage(blockHash, v.State.ViewNumber))
	return Vote{
		MsgType:    msgType,
		BlockHash:  blockHash,
		View:       v.State.ViewNumber,
		Voter:      v.KeyPair.PublicKey,
		PartialSig: partial,
	}
}

// FormQC combines n-f votes into a quorum certificate.
func (v *Validator) FormQC(msgType MessageType, blockHash crypto.Hash, view uint64, votes []Vote) (*QuorumCertificate, error) {
	if len(votes) < v.QuorumSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientVotes, len(votes), v.QuorumSize)
	}
	partials := make([]crypto.PartialSignature, len(votes))
	for i, vote := range votes {
		partials[i] = vote.PartialSig
	}
	sig, err := crypto.ThresholdCombine(VotePreimage(blockHash, view), partials, v.QuorumSize)
	if err != nil {
		return nil, fmt.Errorf("combine signatures: %w", err)
	}
	return NewQC(msgType, blockHash, view, sig), nil
}

// CheckCommit applies the three-chain rule to a newly added block: walking
// justify pointers b3 -> b2 -> b1 -> b0, b1 commits when the three views are
// consecutive. Idempotent; re-committing an already committed block is a
// no-op returning nil.
func (v *Validator) CheckCommit(block *Block) *Block {
	qc := block.Justify
	if qc == nil {
		return nil
	}
	b2, ok := v.Blocks[qc.BlockHash]
	if !ok {
		return nil
	}
	if b2.Justify == nil {
		return nil
	}
	b1, ok := v.Blocks[b2.Justify.BlockHash]
	if !ok {
		return nil
	}
	if b1.Justify == nil {
		return nil
	}
	if _, ok := v.Blocks[b1.Justify.BlockHash]; !ok {
		return nil
	}

	if block.View != b2.View+1 || b2.View != b1.View+1 {
		return nil
	}

	committedHash := b1.Hash()
	for _, c := range v.Committed {
		if c.Hash() == committedHash {
			return nil
		}
	}
	committed := b1
	v.Committed = append(v.Committed, committed)
	return &committed
}

// AddBlock inserts a block into the tree.
func (v *Validator) AddBlock(block Block) {
	v.Blocks[block.Hash()] = block
}

// HasBlock reports whether the hash is in the tree.
func (v *Validator) HasBlock(h crypto.Hash) bool {
	_, ok := v.Blocks[h]
	return ok
}

// HighestQC returns the greater-view of {prepare_qc, locked_qc}; ties go to
// the prepare QC.
func (v *Validator) HighestQC() *QuorumCertificate {
	prepare, locked := v.State.PrepareQC, v.State.LockedQC
	switch {
	case prepare != nil && locked != nil:
		if prepare.View >= locked.View {
			return prepare
		}
		return locked
	case prepare != nil:
		return prepare
	case locked != nil:
		return locked
	}
	return nil
}

// GenesisBlock returns the height-0 block from the tree.
func (v *Validator) GenesisBlock() (Block, bool) {
	for _, b := range v.Blocks {
		if b.Height == 0 {
			return b, true
		}
	}
	return Block{}, false
}

package hotstuff

import (
	"encoding/binary"

	"github.com/officialnico/openliquid/pkg/crypto"
)

// MessageType labels a protocol phase.
type MessageType uint8

const (
	MsgNewView MessageType = iota
	MsgPrepare
	MsgPreCommit
	MsgCommit
	MsgDecide
)

func (m MessageType) String() string {
	switch m {
	case MsgNewView:
		return "new_view"
	case MsgPrepare:
		return "prepare"
	case MsgPreCommit:
		return "pre_commit"
	case MsgCommit:
		return "commit"
	case MsgDecide:
		return "decide"
	}
	return "unknown"
}

// Block is a proposal in the chain. Identity is its content hash; the parent
// link is by hash, so the tree has no pointer cycles.
type Block struct {
	Parent       crypto.Hash
	Height       uint64
	View         uint64
	Justify      *QuorumCertificate
	Transactions [][]byte
	Proposer     crypto.PublicKey
}

func NewBlock(parent crypto.Hash, height, view uint64, justify *QuorumCertificate, txs [][]byte, proposer crypto.PublicKey) Block {
	return Block{
		Parent:       parent,
		Height:       height,
		View:         view,
		Justify:      justify,
		Transactions: txs,
		Proposer:     proposer,
	}
}

// GenesisBlock is the height-0 block with a zero parent and no justify.
func GenesisBlock(proposer crypto.PublicKey) Block {
	return Block{
		Parent:   crypto.GenesisHash(),
		Height:   0,
		View:     0,
		Proposer: proposer,
	}
}

// Hash computes the block's content hash over
// parent || height (LE) || view (LE) || justify.block_hash? || transactions.
// The justify signature and proposer are excluded so equal content under
// different certificates hashes identically.
func (b *Block) Hash() crypto.Hash {
	size := crypto.HashSize + 8 + 8
	if b.Justify != nil {
		size += crypto.HashSize
	}
	for _, tx := range b.Transactions {
		size += len(tx)
	}
	data := make([]byte, 0, size)
	data = append(data, b.Parent[:]...)
	data = binary.LittleEndian.AppendUint64(data, b.Height)
	data = binary.LittleEndian.AppendUint64(data, b.View)
	if b.Justify != nil {
		data = append(data, b.Justify.BlockHash[:]...)
	}
	for _, tx := range b.Transactions {
		data = append(data, tx...)
	}
	return crypto.HashData(data)
}

// ExtendsFrom reports whether b's parent link points at other.
func (b *Block) ExtendsFrom(other *Block) bool {
	return b.Parent == other.Hash()
}

// QuorumCertificate aggregates n-f partial signatures over
// (block_hash, view) under a phase label.
type QuorumCertificate struct {
	MsgType   MessageType
	BlockHash crypto.Hash
	View      uint64
	Signature []byte
}

func NewQC(msgType MessageType, blockHash crypto.Hash, view uint64, sig []byte) *QuorumCertificate {
	return &QuorumCertificate{
		MsgType:   msgType,
		BlockHash: blockHash,
		View:      view,
		Signature: sig,
	}
}

// Verify checks the aggregate signature against the signer set.
func (qc *QuorumCertificate) Verify(pks []crypto.PublicKey) (bool, error) {
	return crypto.ThresholdVerify(VotePreimage(qc.BlockHash, qc.View), qc.Signature, pks)
}

// Vote is a single validator's contribution toward a QC.
type Vote struct {
	MsgType    MessageType
	BlockHash  crypto.Hash
	View       uint64
	Voter      crypto.PublicKey
	PartialSig crypto.PartialSignature
}

// VotePreimage is the signing preimage for votes and QCs:
// block_hash (32) || view (8, LE).
func VotePreimage(blockHash crypto.Hash, view uint64) []byte {
	data := make([]byte, 0, crypto.HashSize+8)
	data = append(data, blockHash[:]...)
	return binary.LittleEndian.AppendUint64(data, view)
}

// ValidatorState tracks one replica's protocol position.
type ValidatorState struct {
	ViewNumber     uint64
	LockedQC       *QuorumCertificate // highest QC for which PreCommit formed
	PrepareQC      *QuorumCertificate // highest Prepare QC seen
	PublicKey      crypto.PublicKey
	ValidatorIndex int
}

func NewValidatorState(pk crypto.PublicKey, index int) ValidatorState {
	return ValidatorState{
		ViewNumber:     1,
		PublicKey:      pk,
		ValidatorIndex: index,
	}
}

// UpdateLockedQC installs qc as the lock (PreCommit phase).
func (s *ValidatorState) UpdateLockedQC(qc *QuorumCertificate) { s.LockedQC = qc }

// UpdatePrepareQC installs qc as the highest Prepare QC.
func (s *ValidatorState) UpdatePrepareQC(qc *QuorumCertificate) { s.PrepareQC = qc }

// AdvanceView increments the view (timeout or decide).
func (s *ValidatorState) AdvanceView() { s.ViewNumber++ }

package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
	"github.com/officialnico/openliquid/pkg/pacemaker"
	"github.com/officialnico/openliquid/pkg/storage"
)

var (
	ErrNotLeader         = errors.New("not leader for view")
	ErrInvalidBlock      = errors.New("invalid block")
	ErrBlockNotFound     = errors.New("block not found")
	ErrStorage           = errors.New("storage error")
	ErrStateMachine      = errors.New("state machine error")
	ErrInsufficientVotes = hotstuff.ErrInsufficientVotes
)

// Engine drives one validator's participation: it validates and applies
// proposals, aggregates votes into QCs, runs the three-chain commit rule, and
// keeps the pacemaker in step. Block processing is strictly serialized;
// apply -> commit -> insert -> vote runs on one path so any failure reports
// to the caller.
type Engine struct {
	mu sync.Mutex

	store        *storage.Store
	stateMachine storage.StateMachine
	validator    *hotstuff.Validator
	pm           *pacemaker.Pacemaker

	prepareVotes   *hotstuff.VoteCollector
	precommitVotes *hotstuff.VoteCollector
	commitVotes    *hotstuff.VoteCollector

	started bool

	Logger  *zap.SugaredLogger
	Verbose bool
}

func NewEngine(store *storage.Store, sm storage.StateMachine, kp crypto.KeyPair, validatorIndex, totalValidators int) (*Engine, error) {
	validator, err := hotstuff.NewValidator(kp, validatorIndex, totalValidators)
	if err != nil {
		return nil, err
	}
	pm, err := pacemaker.New(totalValidators, 0)
	if err != nil {
		return nil, err
	}
	quorum := validator.QuorumSize
	return &Engine{
		store:          store,
		stateMachine:   sm,
		validator:      validator,
		pm:             pm,
		prepareVotes:   hotstuff.NewVoteCollector(quorum),
		precommitVotes: hotstuff.NewVoteCollector(quorum),
		commitVotes:    hotstuff.NewVoteCollector(quorum),
		Logger:         zap.NewNop().Sugar(),
	}, nil
}

// Start recovers from storage and marks the engine active. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.recoverLocked(); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Recover reloads protocol state from storage: with no persisted blocks it
// creates and persists genesis; otherwise it reinstalls genesis, walks parent
// hashes from the latest block back through storage to rebuild the chain,
// and resumes at latest.view + 1 with locked/prepare QCs taken from the
// latest block's justify.
func (e *Engine) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoverLocked()
}

func (e *Engine) recoverLocked() error {
	latest, err := e.store.GetLatestBlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if latest == nil {
		genesis := hotstuff.GenesisBlock(e.validator.KeyPair.PublicKey)
		if err := e.store.StoreBlock(&genesis); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		e.validator.AddBlock(genesis)
		return nil
	}

	genesis := hotstuff.GenesisBlock(e.validator.KeyPair.PublicKey)
	e.validator.AddBlock(genesis)

	// Reinstall the whole stored ancestor chain, newest to oldest.
	for block := latest; block != nil && block.Height > 0; {
		e.validator.AddBlock(*block)
		parentHash := block.Parent
		if parentHash.IsGenesis() {
			break
		}
		parent, err := e.store.GetBlock(parentHash)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		block = parent
	}

	e.validator.State.ViewNumber = latest.View + 1
	if latest.Justify != nil {
		switch latest.Justify.MsgType {
		case hotstuff.MsgPreCommit:
			e.validator.State.UpdateLockedQC(latest.Justify)
		case hotstuff.MsgPrepare:
			e.validator.State.UpdatePrepareQC(latest.Justify)
		}
	}
	if err := e.pm.UpdateView(latest.View + 1); err != nil {
		return fmt.Errorf("update pacemaker view: %w", err)
	}
	return nil
}

// IsLeader reports whether this validator leads the current view.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pm.IsLeader(e.validator.State.ValidatorIndex)
}

// ProposeBlock builds the next leaf on the block referenced by the highest
// QC, or on the height-0 block before any QC exists. Leader-only; the block
// is not persisted here — it comes back through ProcessBlock, where the
// proposer votes on it like every other replica.
func (e *Engine) ProposeBlock(txs [][]byte) (*hotstuff.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pm.IsLeader(e.validator.State.ValidatorIndex) {
		return nil, ErrNotLeader
	}

	var parent hotstuff.Block
	if qc := e.validator.HighestQC(); qc != nil {
		p, ok := e.validator.Blocks[qc.BlockHash]
		if !ok {
			return nil, fmt.Errorf("%w: QC parent", ErrBlockNotFound)
		}
		parent = p
	} else {
		p, ok := e.validator.GenesisBlock()
		if !ok {
			return nil, fmt.Errorf("%w: genesis", ErrBlockNotFound)
		}
		parent = p
	}

	block := e.validator.CreateLeaf(&parent, txs)
	return &block, nil
}

// ProcessBlock validates, persists, applies and votes on a proposal. A block
// already in the tree is a no-op success. On a state machine failure the
// persisted block remains so reprocessing stays idempotent.
func (e *Engine) ProcessBlock(block *hotstuff.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if block.Height == 0 {
		return fmt.Errorf("%w: cannot process genesis", ErrInvalidBlock)
	}
	blockHash := block.Hash()
	if e.validator.HasBlock(blockHash) {
		return nil
	}

	parentExists := false
	if block.Parent.IsGenesis() {
		_, parentExists = e.validator.GenesisBlock()
	} else {
		parentExists = e.validator.HasBlock(block.Parent)
	}
	if !parentExists {
		return fmt.Errorf("%w: parent not found", ErrInvalidBlock)
	}

	if !e.validator.SafeNode(block) {
		return fmt.Errorf("%w: SafeNode rejected proposal", ErrInvalidBlock)
	}

	if err := e.store.StoreBlock(block); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	transition, err := e.stateMachine.ApplyBlock(block)
	if err != nil {
		return fmt.Errorf("%w: apply: %v", ErrStateMachine, err)
	}
	if _, err := e.stateMachine.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStateMachine, err)
	}
	if err := e.store.StoreState(block.Height, transition.NewState); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	e.validator.AddBlock(*block)

	if committed := e.validator.CheckCommit(block); committed != nil {
		e.pm.ResetTimeout()
		e.Logger.Infow("block_committed",
			"height", committed.Height,
			"view", committed.View,
			"hash", committed.Hash().String(),
		)
	}

	vote := e.validator.Vote(hotstuff.MsgPrepare, block)
	if e.Verbose {
		e.Logger.Debugw("vote_cast", "phase", vote.MsgType.String(), "height", block.Height, "view", block.View)
	}
	return e.receiveVoteLocked(vote)
}

// OnReceiveVote routes the vote to its phase collector and forms a QC at
// quorum. NewView and Decide votes are ignored.
func (e *Engine) OnReceiveVote(vote hotstuff.Vote) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveVoteLocked(vote)
}

func (e *Engine) receiveVoteLocked(vote hotstuff.Vote) error {
	var collector *hotstuff.VoteCollector
	switch vote.MsgType {
	case hotstuff.MsgPrepare:
		collector = e.prepareVotes
	case hotstuff.MsgPreCommit:
		collector = e.precommitVotes
	case hotstuff.MsgCommit:
		collector = e.commitVotes
	default:
		return nil
	}

	quorum := collector.AddVote(vote)
	if quorum == nil {
		return nil
	}

	qc, err := e.validator.FormQC(vote.MsgType, vote.BlockHash, vote.View, quorum)
	if err != nil {
		return err
	}

	switch vote.MsgType {
	case hotstuff.MsgPrepare:
		e.validator.State.UpdatePrepareQC(qc)
	case hotstuff.MsgPreCommit:
		e.validator.State.UpdateLockedQC(qc)
	case hotstuff.MsgCommit:
		// Voting on this block is finished; Decide is a notification only.
	}

	collector.Clear(vote.BlockHash)
	if e.Verbose {
		e.Logger.Debugw("qc_formed", "phase", vote.MsgType.String(), "view", vote.View, "hash", vote.BlockHash.String())
	}
	return nil
}

// OnTimeout advances the pacemaker and validator views in lockstep. Emitting
// the NewView message to the next leader is the network collaborator's job.
func (e *Engine) OnTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pm.AdvanceView()
	e.validator.State.AdvanceView()
	if e.Verbose {
		e.Logger.Debugw("view_timeout", "new_view", e.validator.State.ViewNumber)
	}
}

func (e *Engine) CurrentView() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validator.State.ViewNumber
}

func (e *Engine) CurrentHeight() uint64 {
	height, _, err := e.store.GetLatestBlockHeight()
	if err != nil {
		return 0
	}
	return height
}

// CommittedBlocks returns a copy of the committed chain, oldest first.
func (e *Engine) CommittedBlocks() []hotstuff.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]hotstuff.Block, len(e.validator.Committed))
	copy(out, e.validator.Committed)
	return out
}

// NextViewTimeout is the advisory duration the scheduler should arm before
// calling OnTimeout.
func (e *Engine) NextViewTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pm.NextViewTimeout()
}

func (e *Engine) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Validator exposes a read-only clone of the protocol core for tests and
// observers; the engine keeps the live block tree to itself.
func (e *Engine) Validator() *hotstuff.Validator {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := *e.validator
	clone.Blocks = make(map[crypto.Hash]hotstuff.Block, len(e.validator.Blocks))
	for h, b := range e.validator.Blocks {
		clone.Blocks[h] = b
	}
	clone.Committed = append([]hotstuff.Block(nil), e.validator.Committed...)
	return &clone
}

// Pacemaker exposes the view/timeout state.
func (e *Engine) Pacemaker() *pacemaker.Pacemaker { return e.pm }

// Storage exposes the durable store shared with sync and checkpointing.
func (e *Engine) Storage() *storage.Store { return e.store }

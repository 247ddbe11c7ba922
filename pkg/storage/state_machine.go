package storage

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

var (
	ErrNoPendingState = errors.New("no pending state")
	ErrQueryFailed    = errors.New("query failed")
)

// State is the application state at a height: an opaque byte-key map with a
// deterministic root hash over sorted keys plus the height.
type State struct {
	RootHash crypto.Hash
	Height   uint64
	Data     map[string][]byte
}

func NewState(rootHash crypto.Hash) *State {
	return &State{RootHash: rootHash, Data: make(map[string][]byte)}
}

// GenesisState is the empty state with the zero root.
func GenesisState() *State {
	return NewState(crypto.GenesisHash())
}

func (s *State) Set(key, value []byte) {
	s.Data[string(key)] = value
}

func (s *State) Get(key []byte) ([]byte, bool) {
	v, ok := s.Data[string(key)]
	return v, ok
}

// ComputeHash derives the root from sorted key/value concatenation plus the
// height, so insertion order never matters.
func (s *State) ComputeHash() crypto.Hash {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var data []byte
	for _, k := range keys {
		data = append(data, k...)
		data = append(data, s.Data[k]...)
	}
	data = binary.LittleEndian.AppendUint64(data, s.Height)
	return crypto.HashData(data)
}

// Clone returns a deep copy; ApplyBlock builds each new state on a clone of
// the current one, so the committed history is never mutated in place.
func (s *State) Clone() *State {
	data := make(map[string][]byte, len(s.Data))
	for k, v := range s.Data {
		cp := make([]byte, len(v))
		copy(cp, v)
		data[k] = cp
	}
	return &State{RootHash: s.RootHash, Height: s.Height, Data: data}
}

// StateTransition is the result of applying a block.
type StateTransition struct {
	OldState  *State
	NewState  *State
	BlockHash crypto.Hash
	Height    uint64
}

// QueryKind selects a state machine query.
type QueryKind uint8

const (
	QueryGet QueryKind = iota
	QueryStateHash
	QueryExists
)

type Query struct {
	Kind   QueryKind
	Key    []byte
	Height uint64
}

type QueryResponse struct {
	Value  []byte
	Hash   crypto.Hash
	Exists bool
}

// StateMachine is the replica's view of the application: apply a block to get
// a pending state, then commit or roll it back. ApplyBlock is deterministic;
// at most one pending state exists at a time.
type StateMachine interface {
	ApplyBlock(block *hotstuff.Block) (*StateTransition, error)
	Commit() (crypto.Hash, error)
	Rollback() error
	Query(q *Query) (*QueryResponse, error)
}

// SimpleStateMachine is the reference key/value state machine. Transactions
// are length-prefixed pairs: first byte is the key length, then key, then
// value.
type SimpleStateMachine struct {
	current *State
	pending *State
	history []*State
}

func NewSimpleStateMachine() *SimpleStateMachine {
	genesis := GenesisState()
	return &SimpleStateMachine{
		current: genesis,
		history: []*State{genesis},
	}
}

func (m *SimpleStateMachine) CurrentState() *State { return m.current }

// StateAtHeight returns the committed state for a height, if retained.
func (m *SimpleStateMachine) StateAtHeight(height uint64) (*State, bool) {
	for _, s := range m.history {
		if s.Height == height {
			return s, true
		}
	}
	return nil, false
}

func (m *SimpleStateMachine) ApplyBlock(block *hotstuff.Block) (*StateTransition, error) {
	next := m.current.Clone()
	next.Height = block.Height

	for _, tx := range block.Transactions {
		if len(tx) < 2 {
			continue
		}
		keyLen := int(tx[0])
		if len(tx) <= keyLen+1 {
			continue
		}
		next.Set(tx[1:1+keyLen], tx[1+keyLen:])
	}
	next.RootHash = next.ComputeHash()

	transition := &StateTransition{
		OldState:  m.current,
		NewState:  next,
		BlockHash: block.Hash(),
		Height:    block.Height,
	}
	m.pending = next
	return transition, nil
}

func (m *SimpleStateMachine) Commit() (crypto.Hash, error) {
	if m.pending == nil {
		return crypto.Hash{}, ErrNoPendingState
	}
	committed := m.pending
	m.pending = nil
	m.history = append(m.history, committed)
	m.current = committed
	return committed.RootHash, nil
}

func (m *SimpleStateMachine) Rollback() error {
	if m.pending == nil {
		return ErrNoPendingState
	}
	m.pending = nil
	return nil
}

func (m *SimpleStateMachine) Query(q *Query) (*QueryResponse, error) {
	switch q.Kind {
	case QueryGet:
		v, _ := m.current.Get(q.Key)
		return &QueryResponse{Value: v}, nil
	case QueryStateHash:
		if s, ok := m.StateAtHeight(q.Height); ok {
			return &QueryResponse{Hash: s.RootHash}, nil
		}
		return nil, ErrStateNotFound
	case QueryExists:
		_, ok := m.current.Get(q.Key)
		return &QueryResponse{Exists: ok}, nil
	}
	return nil, ErrQueryFailed
}

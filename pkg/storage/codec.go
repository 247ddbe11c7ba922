package storage

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/officialnico/openliquid/pkg/crypto"
	"github.com/officialnico/openliquid/pkg/hotstuff"
)

// Persisted records are RLP: deterministic, length-prefixed, and independent
// of in-memory layout. Blocks and states go through flat intermediate structs
// because public keys carry opaque curve points and RLP has no map encoding.

type qcRecord struct {
	MsgType   uint8
	BlockHash crypto.Hash
	View      uint64
	Signature []byte
}

type blockRecord struct {
	Parent       crypto.Hash
	Height       uint64
	View         uint64
	Justify      *qcRecord `rlp:"nil"`
	Transactions [][]byte
	ProposerKey  []byte
	ProposerID   uint64
}

type kvRecord struct {
	Key   []byte
	Value []byte
}

type stateRecord struct {
	RootHash crypto.Hash
	Height   uint64
	Pairs    []kvRecord
}

func encodeBlock(b *hotstuff.Block) ([]byte, error) {
	rec := blockRecord{
		Parent:       b.Parent,
		Height:       b.Height,
		View:         b.View,
		Transactions: b.Transactions,
		ProposerKey:  b.Proposer.Bytes(),
		ProposerID:   b.Proposer.ValidatorID,
	}
	if b.Justify != nil {
		rec.Justify = &qcRecord{
			MsgType:   uint8(b.Justify.MsgType),
			BlockHash: b.Justify.BlockHash,
			View:      b.Justify.View,
			Signature: b.Justify.Signature,
		}
	}
	out, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

func decodeBlock(data []byte) (*hotstuff.Block, error) {
	var rec blockRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	proposer, err := crypto.PublicKeyFromBytes(rec.ProposerKey, rec.ProposerID)
	if err != nil {
		return nil, fmt.Errorf("%w: proposer key: %v", ErrSerialization, err)
	}
	block := &hotstuff.Block{
		Parent:       rec.Parent,
		Height:       rec.Height,
		View:         rec.View,
		Transactions: rec.Transactions,
		Proposer:     proposer,
	}
	if rec.Justify != nil {
		block.Justify = hotstuff.NewQC(
			hotstuff.MessageType(rec.Justify.MsgType),
			rec.Justify.BlockHash,
			rec.Justify.View,
			rec.Justify.Signature,
		)
	}
	return block, nil
}

func encodeState(s *State) ([]byte, error) {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := stateRecord{
		RootHash: s.RootHash,
		Height:   s.Height,
		Pairs:    make([]kvRecord, 0, len(keys)),
	}
	for _, k := range keys {
		rec.Pairs = append(rec.Pairs, kvRecord{Key: []byte(k), Value: s.Data[k]})
	}
	out, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

func decodeState(data []byte) (*State, error) {
	var rec stateRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	st := &State{
		RootHash: rec.RootHash,
		Height:   rec.Height,
		Data:     make(map[string][]byte, len(rec.Pairs)),
	}
	for _, p := range rec.Pairs {
		st.Data[string(p.Key)] = p.Value
	}
	return st, nil
}

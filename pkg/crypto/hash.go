package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

const HashSize = 32

var ErrInvalidHashSize = errors.New("invalid hash size")

// Hash is a 32-byte content digest. The zero value denotes genesis.
type Hash [HashSize]byte

func NewHash(b [HashSize]byte) Hash { return Hash(b) }

func HashFromSlice(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, ErrInvalidHashSize
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// GenesisHash is the all-zero hash.
func GenesisHash() Hash { return Hash{} }

func (h Hash) IsGenesis() bool { return h == Hash{} }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return hex.EncodeToString(h[:8]) }

// HashFunction selects the content-hash algorithm.
type HashFunction int

const (
	// Blake3 is the default: 3-10x faster than SHA-256 on large payloads.
	Blake3 HashFunction = iota
	Sha256
)

// HashData hashes with the default function (BLAKE3).
func HashData(data []byte) Hash {
	return HashDataWith(data, Blake3)
}

func HashDataWith(data []byte, fn HashFunction) Hash {
	switch fn {
	case Sha256:
		return Hash(sha256.Sum256(data))
	default:
		return Hash(blake3.Sum256(data))
	}
}

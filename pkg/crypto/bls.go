package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/ecc/bls12381"
	bls "github.com/cloudflare/circl/sign/bls"
)

// Keys live in G1 (48 bytes compressed), signatures in G2 (96 bytes
// compressed). The same-message aggregate of n-f partial signatures is the
// quorum certificate signature; it stays 96 bytes regardless of n.
type scheme = bls.KeyG1SigG2

const (
	PublicKeySize = 48
	SignatureSize = 96
)

var (
	ErrInvalidKey             = errors.New("invalid key")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrInvalidThreshold       = errors.New("invalid threshold parameters")
	ErrVerificationFailed     = errors.New("signature verification failed")
)

// PublicKey is a validator's BLS public key tagged with its index.
type PublicKey struct {
	raw         []byte // compressed G1 point
	ValidatorID uint64
}

func PublicKeyFromBytes(b []byte, validatorID uint64) (PublicKey, error) {
	pk := new(bls.PublicKey[scheme])
	if err := pk.UnmarshalBinary(b); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return PublicKey{raw: raw, ValidatorID: validatorID}, nil
}

func (p PublicKey) Bytes() []byte { return p.raw }

func (p PublicKey) Equal(o PublicKey) bool { return bytes.Equal(p.raw, o.raw) }

// SecretKey is a validator's BLS secret key.
type SecretKey struct {
	inner       *bls.PrivateKey[scheme]
	ValidatorID uint64
}

// KeyPair bundles a validator's secret and public key.
type KeyPair struct {
	SecretKey SecretKey
	PublicKey PublicKey
}

// Generate creates a fresh random key pair for the validator.
func Generate(validatorID uint64) (KeyPair, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return GenerateKeyPair(seed, validatorID)
}

// GenerateKeyPair derives a key pair for the validator from a 32-byte seed.
// Deterministic per seed so fixtures are reproducible.
func GenerateKeyPair(seed []byte, validatorID uint64) (KeyPair, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	raw, err := sk.PublicKey().MarshalBinary()
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyPair{
		SecretKey: SecretKey{inner: sk, ValidatorID: validatorID},
		PublicKey: PublicKey{raw: raw, ValidatorID: validatorID},
	}, nil
}

// PartialSignature is one validator's contribution toward a quorum
// certificate signature.
type PartialSignature struct {
	Sig         []byte
	ValidatorID uint64
}

// ThresholdSign produces a partial signature over msg. Deterministic per
// (secret key, msg).
func ThresholdSign(sk SecretKey, msg []byte) PartialSignature {
	return PartialSignature{
		Sig:         bls.Sign(sk.inner, msg),
		ValidatorID: sk.ValidatorID,
	}
}

// ThresholdCombine aggregates the first k partial signatures into a
// constant-size signature. Aggregation is commutative over the partials.
func ThresholdCombine(msg []byte, partials []PartialSignature, k int) ([]byte, error) {
	if k <= 0 {
		return nil, ErrInvalidThreshold
	}
	if len(partials) < k {
		return nil, fmt.Errorf("%w: need %d, got %d", ErrInsufficientSignatures, k, len(partials))
	}
	sigs := make([]bls.Signature, 0, k)
	for _, p := range partials[:k] {
		if len(p.Sig) == 0 {
			return nil, ErrInvalidSignature
		}
		sigs = append(sigs, bls.Signature(p.Sig))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return agg, nil
}

// ThresholdVerify checks an aggregate signature against the supplied signer
// set: the public keys are summed in G1, then a single pairing check runs
// against the aggregated key. O(n) key aggregation, O(1) verification.
func ThresholdVerify(msg []byte, sig []byte, pks []PublicKey) (bool, error) {
	if len(pks) == 0 {
		return false, ErrInvalidThreshold
	}
	agg, err := aggregatePublicKeys(pks)
	if err != nil {
		return false, err
	}
	return bls.Verify(agg, msg, bls.Signature(sig)), nil
}

func aggregatePublicKeys(pks []PublicKey) (*bls.PublicKey[scheme], error) {
	acc := new(bls12381.G1)
	acc.SetIdentity()
	for _, pk := range pks {
		p := new(bls12381.G1)
		if err := p.SetBytes(pk.raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		acc.Add(acc, p)
	}
	out := new(bls.PublicKey[scheme])
	if err := out.UnmarshalBinary(acc.BytesCompressed()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return out, nil
}

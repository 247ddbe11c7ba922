package crypto

import (
	"errors"
	"fmt"
	"testing"
)

func testKeyPair(t *testing.T, id uint64) KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, fmt.Sprintf("bls-test-seed-%d", id))
	kp, err := GenerateKeyPair(seed, id)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return kp
}

func TestThresholdSignCombineVerify(t *testing.T) {
	// n=4, f=1, k=3
	msg := []byte("test block hash")
	var partials []PartialSignature
	var pks []PublicKey
	for i := uint64(0); i < 3; i++ {
		kp := testKeyPair(t, i)
		partials = append(partials, ThresholdSign(kp.SecretKey, msg))
		pks = append(pks, kp.PublicKey)
	}

	sig, err := ThresholdCombine(msg, partials, 3)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("aggregate signature size = %d, want %d", len(sig), SignatureSize)
	}

	ok, err := ThresholdVerify(msg, sig, pks)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid aggregate signature rejected")
	}
}

func TestThresholdCombineInsufficient(t *testing.T) {
	msg := []byte("test block")
	var partials []PartialSignature
	for i := uint64(0); i < 2; i++ {
		kp := testKeyPair(t, i)
		partials = append(partials, ThresholdSign(kp.SecretKey, msg))
	}
	_, err := ThresholdCombine(msg, partials, 3)
	if !errors.Is(err, ErrInsufficientSignatures) {
		t.Fatalf("expected ErrInsufficientSignatures, got %v", err)
	}
}

func TestThresholdCombineCommutative(t *testing.T) {
	msg := []byte("commute")
	var partials []PartialSignature
	for i := uint64(0); i < 3; i++ {
		kp := testKeyPair(t, i)
		partials = append(partials, ThresholdSign(kp.SecretKey, msg))
	}
	reversed := []PartialSignature{partials[2], partials[1], partials[0]}

	s1, err := ThresholdCombine(msg, partials, 3)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	s2, err := ThresholdCombine(msg, reversed, 3)
	if err != nil {
		t.Fatalf("combine reversed: %v", err)
	}

	pks := []PublicKey{}
	for i := uint64(0); i < 3; i++ {
		pks = append(pks, testKeyPair(t, i).PublicKey)
	}
	for _, sig := range [][]byte{s1, s2} {
		ok, err := ThresholdVerify(msg, sig, pks)
		if err != nil || !ok {
			t.Fatalf("order-dependent aggregate: ok=%v err=%v", ok, err)
		}
	}
}

func TestThresholdVerifyWrongSignerSet(t *testing.T) {
	msg := []byte("wrong set")
	var partials []PartialSignature
	for i := uint64(0); i < 3; i++ {
		kp := testKeyPair(t, i)
		partials = append(partials, ThresholdSign(kp.SecretKey, msg))
	}
	sig, err := ThresholdCombine(msg, partials, 3)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}

	// Public keys of a different validator subset must not verify.
	other := []PublicKey{
		testKeyPair(t, 7).PublicKey,
		testKeyPair(t, 8).PublicKey,
		testKeyPair(t, 9).PublicKey,
	}
	ok, err := ThresholdVerify(msg, sig, other)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("aggregate verified against wrong signer set")
	}
}

func TestThresholdVerifyEmptyKeySet(t *testing.T) {
	_, err := ThresholdVerify([]byte("m"), make([]byte, SignatureSize), nil)
	if !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold, got %v", err)
	}
}

func TestPartialSignatureDeterministic(t *testing.T) {
	kp := testKeyPair(t, 0)
	msg := []byte("deterministic")
	a := ThresholdSign(kp.SecretKey, msg)
	b := ThresholdSign(kp.SecretKey, msg)
	if len(a.Sig) == 0 || len(a.Sig) != len(b.Sig) {
		t.Fatal("partial signature length mismatch")
	}
	for i := range a.Sig {
		if a.Sig[i] != b.Sig[i] {
			t.Fatal("partial signing is not deterministic")
		}
	}
}

func TestGenerateRandomKeyPairs(t *testing.T) {
	a, err := Generate(0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate(1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.PublicKey.Equal(b.PublicKey) {
		t.Fatal("two random key pairs collided")
	}
	if a.PublicKey.ValidatorID != 0 || b.PublicKey.ValidatorID != 1 {
		t.Fatal("validator ids not carried")
	}
}

func TestPublicKeySize(t *testing.T) {
	kp := testKeyPair(t, 0)
	if len(kp.PublicKey.Bytes()) != PublicKeySize {
		t.Fatalf("public key size = %d, want %d", len(kp.PublicKey.Bytes()), PublicKeySize)
	}
}

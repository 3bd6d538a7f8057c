// Package keys holds the classical and post-quantum keypair model this
// core consumes but does not derive on its own: the underlying secp256k1
// and ML-DSA primitives are external collaborators (spec out-of-scope
// list). This package only models ownership, BIP32-style child derivation
// hooks, and scoped-release zeroization.
package keys

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Keypair is an ownership-unique holder of secret material. Release must
// zero every byte of secret material it holds; callers must not reuse a
// Keypair after Release.
type Keypair interface {
	PublicKeyCompressed() []byte
	XOnlyPublicKey() [32]byte
	Release()
}

// scriptSignerTag is the tagged-hash domain separator used to derive the
// deterministic script-signer keypair from a transaction's random bytes
// (spec invariant: same randomBytes => same script signer => same control
// block).
var scriptSignerTag = []byte("OPNET/script-signer/v1")

// ClassicalKeypair wraps a secp256k1 private key.
type ClassicalKeypair struct {
	priv     *btcec.PrivateKey
	released bool
}

// NewClassicalKeypair takes ownership of an already-derived private key.
func NewClassicalKeypair(priv *btcec.PrivateKey) *ClassicalKeypair {
	return &ClassicalKeypair{priv: priv}
}

// GenerateClassicalKeypair creates a fresh random keypair. Used for tests
// and for ad-hoc script-signer generation when no deterministic seed is
// supplied.
func GenerateClassicalKeypair() (*ClassicalKeypair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate private key: %w", err)
	}
	return NewClassicalKeypair(priv), nil
}

// DeriveScriptSignerKeypair derives the deterministic "script-signer" key
// from the transaction's 32 random bytes via a tagged hash, satisfying the
// spec's determinism invariant: the same randomBytes always reproduce the
// same keypair and therefore the same control block.
func DeriveScriptSignerKeypair(randomBytes [32]byte) (*ClassicalKeypair, error) {
	digest := chainhash.TaggedHash(scriptSignerTag, randomBytes[:])
	priv, pub := btcec.PrivKeyFromBytes(digest[:])
	if pub == nil {
		return nil, fmt.Errorf("keys: derived scalar out of range")
	}
	return NewClassicalKeypair(priv), nil
}

// PublicKeyCompressed returns the 33-byte compressed public key.
func (k *ClassicalKeypair) PublicKeyCompressed() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// XOnlyPublicKey returns the 32-byte x-only form used in Taproot leaves and
// key-spend output keys.
func (k *ClassicalKeypair) XOnlyPublicKey() [32]byte {
	var out [32]byte
	copy(out[:], schnorr.SerializePubKey(k.priv.PubKey()))
	return out
}

// PrivateKey exposes the underlying key for signing operations performed by
// the signer package. Callers must not retain the returned pointer past
// Release.
func (k *ClassicalKeypair) PrivateKey() *btcec.PrivateKey {
	return k.priv
}

// Release zeroes the private scalar. Safe to call more than once.
func (k *ClassicalKeypair) Release() {
	if k.released || k.priv == nil {
		return
	}
	k.priv.Zero()
	k.released = true
}

// MLDSALevel is the FIPS 204 parameter set.
type MLDSALevel int

const (
	MLDSA44 MLDSALevel = 44
	MLDSA65 MLDSALevel = 65
	MLDSA87 MLDSALevel = 87
)

// MLDSAKeypair is a byte-holder for a post-quantum keypair. The ML-DSA
// signing/derivation primitives themselves are out of scope for this core
// (spec §1): this type only carries the bytes far enough to support the
// MLDSA_LINK feature opcode and scoped release.
type MLDSAKeypair struct {
	Level    MLDSALevel
	priv     []byte
	pub      []byte
	released bool
}

// NewMLDSAKeypair takes ownership of externally-derived ML-DSA key bytes.
func NewMLDSAKeypair(level MLDSALevel, priv, pub []byte) *MLDSAKeypair {
	return &MLDSAKeypair{Level: level, priv: priv, pub: pub}
}

func (k *MLDSAKeypair) PublicKeyCompressed() []byte {
	return k.pub
}

// XOnlyPublicKey is not meaningful for ML-DSA; it returns the zero value.
// Components needing the raw public key should call PublicKeyCompressed.
func (k *MLDSAKeypair) XOnlyPublicKey() [32]byte {
	return [32]byte{}
}

func (k *MLDSAKeypair) Release() {
	if k.released {
		return
	}
	zero(k.priv)
	k.released = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// RandomBytes32 returns 32 cryptographically random bytes, used as the
// per-transaction seed for script-signer derivation.
func RandomBytes32() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, fmt.Errorf("keys: read random bytes: %w", err)
	}
	return out, nil
}

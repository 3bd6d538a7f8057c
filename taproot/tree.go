// Package taproot assembles the 2-leaf Taproot tree (target leaf + lock
// leaf), computes the tweaked output key and control blocks, and hand-
// crafts the witness stacks for each spend path (spec §4.2, §6). Grounded
// on the teacher's wallet.GenerateP2TRAddress (ComputeTaprootKeyNoScript,
// a key-path-only address) generalized via the two-leaf tree idiom in
// other_examples/5089dee8_afsheenb-hashhedge__.../script_builder.go
// (NewBaseTapscriptTree / AddLeaf / ComputeTaprootOutputKey).
package taproot

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// LeafVersion is the tapscript leaf version every target and lock leaf
// uses (spec P8: "every target and lock leaf uses version 0xc0").
const LeafVersion = txscript.BaseLeafVersion

// TargetLeafIndex and LockLeafIndex fix the tree order the spec requires
// (invariant 3: "target leaf always appears at tree index 0, lock leaf at
// index 1").
const (
	TargetLeafIndex = 0
	LockLeafIndex   = 1
)

// nothingUpMySleevePoint is the BIP341 NUMS point used as the internal key
// for script-path-only constructions where no key-path spend should ever
// be possible (the quantum-vault and unwrap cases, spec §4.2).
var nothingUpMySleevePoint *btcec.PublicKey

func init() {
	const numsHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"
	b, err := hexDecode(numsHex)
	if err != nil {
		panic("taproot: invalid embedded NUMS point: " + err.Error())
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		panic("taproot: failed to parse embedded NUMS point: " + err.Error())
	}
	nothingUpMySleevePoint = pub
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// NothingUpMySleevePoint returns the shared BIP341 NUMS internal key.
func NothingUpMySleevePoint() *btcec.PublicKey {
	return nothingUpMySleevePoint
}

// Errors returned while assembling or spending the tree (spec §4.2).
var (
	ErrMissingTapScriptSignature = fmt.Errorf("taproot: missing tapscript signature")
	ErrMissingControlBlock       = fmt.Errorf("taproot: missing control block")
	ErrInvalidRedeemVersion      = fmt.Errorf("taproot: invalid redeem version")
)

// Tree is the assembled [target-leaf, lock-leaf] tapscript tree.
type Tree struct {
	TargetLeafScript []byte
	LockLeafScript   []byte

	indexed *txscript.IndexedTapScriptTree
}

// BuildTree assembles the two-leaf tree with the target leaf fixed at
// index 0 and the lock leaf at index 1 (invariant 3).
func BuildTree(targetLeafScript, lockLeafScript []byte) (*Tree, error) {
	targetLeaf := txscript.NewBaseTapLeaf(targetLeafScript)
	lockLeaf := txscript.NewBaseTapLeaf(lockLeafScript)

	scriptTree := txscript.AssembleTaprootScriptTree(targetLeaf, lockLeaf)

	return &Tree{
		TargetLeafScript: targetLeafScript,
		LockLeafScript:   lockLeafScript,
		indexed:          scriptTree,
	}, nil
}

// RootHash returns the tagged-hash tapscript root of the tree.
func (t *Tree) RootHash() chainhash.Hash {
	return t.indexed.RootNode.TapHash()
}

// OutputKey tweaks internalKey with the tree's root hash, producing the
// public key that goes into the `OP_1 <32-byte-tweaked-x-only>` Taproot
// output (spec §6).
func (t *Tree) OutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	root := t.RootHash()
	return txscript.ComputeTaprootOutputKey(internalKey, root[:])
}

// Address derives the bech32m Taproot address for the tree's output key
// under internalKey.
func (t *Tree) Address(internalKey *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	outputKey := t.OutputKey(internalKey)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, fmt.Errorf("taproot: derive address: %w", err)
	}
	return addr, nil
}

// ControlBlock derives the control block for the leaf at leafIndex
// (TargetLeafIndex or LockLeafIndex): leaf-version|parity-bit concatenated
// with the internal key and the sibling leaf hash (spec §4.2).
func (t *Tree) ControlBlock(leafIndex int, internalKey *btcec.PublicKey) ([]byte, error) {
	if leafIndex != TargetLeafIndex && leafIndex != LockLeafIndex {
		return nil, fmt.Errorf("taproot: invalid leaf index %d", leafIndex)
	}

	outputKey := t.OutputKey(internalKey)
	proof := t.indexed.LeafMerkleProofs[leafIndex]

	cb := proof.ToControlBlock(internalKey)
	cb.OutputKeyYIsOdd = outputKey.SerializeCompressed()[0] == secp256k1OddPrefix

	cbBytes, err := cb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("taproot: serialize control block: %w", err)
	}
	return cbBytes, nil
}

const secp256k1OddPrefix = 0x03

// FinalizeTargetLeafWitness builds the witness stack for a target-leaf
// spend: [contract-secret, script-signer-sig, wallet-signer-sig,
// leaf-script, control-block] with an optional annex appended with a 0x50
// prefix (spec §4.2, §6).
func FinalizeTargetLeafWitness(secret, scriptSig, walletSig, leafScript, controlBlock, annex []byte) (wire.TxWitness, error) {
	if len(scriptSig) == 0 || len(walletSig) == 0 {
		return nil, ErrMissingTapScriptSignature
	}
	if len(controlBlock) == 0 {
		return nil, ErrMissingControlBlock
	}
	witness := wire.TxWitness{secret, scriptSig, walletSig, leafScript, controlBlock}
	if len(annex) > 0 {
		witness = append(witness, append([]byte{0x50}, annex...))
	}
	return witness, nil
}

// FinalizeCustomScriptWitness replaces the [secret, sigs] prefix with
// caller-supplied witness elements for CustomScript transactions (spec
// §4.2).
func FinalizeCustomScriptWitness(prefix [][]byte, leafScript, controlBlock, annex []byte) (wire.TxWitness, error) {
	if len(controlBlock) == 0 {
		return nil, ErrMissingControlBlock
	}
	witness := make(wire.TxWitness, 0, len(prefix)+2+1)
	witness = append(witness, prefix...)
	witness = append(witness, leafScript, controlBlock)
	if len(annex) > 0 {
		witness = append(witness, append([]byte{0x50}, annex...))
	}
	return witness, nil
}

// FinalizeCancelWitness builds the witness stack for spending the lock
// leaf: [tap-script-signature, lock-leaf-script, lock-control-block]
// (spec §4.2).
func FinalizeCancelWitness(sig, lockLeafScript, lockControlBlock []byte) (wire.TxWitness, error) {
	if len(sig) == 0 {
		return nil, ErrMissingTapScriptSignature
	}
	if len(lockControlBlock) == 0 {
		return nil, ErrMissingControlBlock
	}
	return wire.TxWitness{sig, lockLeafScript, lockControlBlock}, nil
}

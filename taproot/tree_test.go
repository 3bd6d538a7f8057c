package taproot

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

func TestBuildTreeLeafOrderAndVersion(t *testing.T) {
	targetScript := []byte{0x51, 0x52}
	lockScript := []byte{0x53}

	tree, err := BuildTree(targetScript, lockScript)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if tree.indexed.LeafMerkleProofs[TargetLeafIndex].TapLeaf.LeafVersion != LeafVersion {
		t.Fatalf("expected target leaf at index 0 to carry the tapscript leaf version")
	}
	if tree.indexed.LeafMerkleProofs[LockLeafIndex].TapLeaf.LeafVersion != LeafVersion {
		t.Fatalf("expected lock leaf at index 1 to carry the tapscript leaf version")
	}
}

func TestAddressAndControlBlockDeterministic(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	internalKey := priv.PubKey()

	tree, err := BuildTree([]byte{0x51}, []byte{0x52})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	addr1, err := tree.Address(internalKey, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("address 1: %v", err)
	}
	addr2, err := tree.Address(internalKey, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("address 2: %v", err)
	}
	if addr1.String() != addr2.String() {
		t.Fatalf("expected deterministic address")
	}

	cb, err := tree.ControlBlock(TargetLeafIndex, internalKey)
	if err != nil {
		t.Fatalf("control block: %v", err)
	}
	if len(cb) == 0 {
		t.Fatalf("expected non-empty control block")
	}
	if cb[0]&0xfe != byte(LeafVersion) {
		t.Fatalf("expected control block leaf version byte to match tapscript leaf version")
	}
}

func TestFinalizeTargetLeafWitnessShape(t *testing.T) {
	secret := make([]byte, 32)
	sig1 := make([]byte, 64)
	sig2 := make([]byte, 64)
	leaf := []byte{0x51}
	cb := make([]byte, 33)

	w, err := FinalizeTargetLeafWitness(secret, sig1, sig2, leaf, cb, nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(w) != 5 {
		t.Fatalf("expected 5 witness items, got %d", len(w))
	}

	if _, err := FinalizeTargetLeafWitness(secret, nil, sig2, leaf, cb, nil); err != ErrMissingTapScriptSignature {
		t.Fatalf("expected ErrMissingTapScriptSignature, got %v", err)
	}
	if _, err := FinalizeTargetLeafWitness(secret, sig1, sig2, leaf, nil, nil); err != ErrMissingControlBlock {
		t.Fatalf("expected ErrMissingControlBlock, got %v", err)
	}
}

func TestFinalizeCancelWitnessShape(t *testing.T) {
	sig := make([]byte, 64)
	leaf := []byte{0x53}
	cb := make([]byte, 33)
	w, err := FinalizeCancelWitness(sig, leaf, cb)
	if err != nil {
		t.Fatalf("finalize cancel: %v", err)
	}
	if len(w) != 3 {
		t.Fatalf("expected 3 witness items, got %d", len(w))
	}
}

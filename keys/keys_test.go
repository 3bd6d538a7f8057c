package keys

import (
	"bytes"
	"testing"
)

func TestDeriveScriptSignerKeypairDeterministic(t *testing.T) {
	seed := [32]byte{1, 2, 3, 4}

	k1, err := DeriveScriptSignerKeypair(seed)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	k2, err := DeriveScriptSignerKeypair(seed)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}

	x1 := k1.XOnlyPublicKey()
	x2 := k2.XOnlyPublicKey()
	if !bytes.Equal(x1[:], x2[:]) {
		t.Fatalf("same seed produced different x-only keys: %x vs %x", x1, x2)
	}

	other := [32]byte{1, 2, 3, 5}
	k3, err := DeriveScriptSignerKeypair(other)
	if err != nil {
		t.Fatalf("derive 3: %v", err)
	}
	x3 := k3.XOnlyPublicKey()
	if bytes.Equal(x1[:], x3[:]) {
		t.Fatalf("different seeds produced the same x-only key")
	}
}

func TestClassicalKeypairRelease(t *testing.T) {
	kp, err := GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := kp.PublicKeyCompressed()
	if len(pub) != 33 {
		t.Fatalf("expected 33-byte compressed pubkey, got %d", len(pub))
	}

	kp.Release()
	kp.Release() // idempotent

	if !kp.priv.Key.IsZero() {
		t.Fatalf("private scalar was not zeroed on release")
	}
}

func TestMLDSAKeypairRelease(t *testing.T) {
	priv := []byte{1, 2, 3, 4}
	kp := NewMLDSAKeypair(MLDSA65, priv, []byte{5, 6})
	kp.Release()
	for i, b := range priv {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, priv)
		}
	}
}

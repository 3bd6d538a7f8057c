package signer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/opnet-labs/opnettx/keys"
)

// LocalKeySigner signs directly with an in-memory classical keypair. It is
// the default signer for both the deterministic script-signer role and a
// caller's own local wallet, as opposed to a WalletRPCSigner delegating to
// a browser extension.
type LocalKeySigner struct {
	AddressValue string
	Keypair      *keys.ClassicalKeypair
}

func (l *LocalKeySigner) Address() string        { return l.AddressValue }
func (l *LocalKeySigner) Capability() Capability { return CapabilityLocalKey }

// SignSchnorr produces a 64-byte BIP340 Schnorr signature over sighash.
func (l *LocalKeySigner) SignSchnorr(_ context.Context, sighash [32]byte) ([]byte, error) {
	if l.Keypair == nil {
		return nil, fmt.Errorf("signer: local signer has no keypair")
	}
	sig, err := schnorr.Sign(l.Keypair.PrivateKey(), sighash[:])
	if err != nil {
		return nil, fmt.Errorf("signer: schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// SignECDSA produces a DER-encoded ECDSA signature over sighash followed by
// hashType's byte, the format a witness v0 OP_CHECKSIG expects.
func (l *LocalKeySigner) SignECDSA(_ context.Context, sighash [32]byte, hashType txscript.SigHashType) ([]byte, error) {
	if l.Keypair == nil {
		return nil, fmt.Errorf("signer: local signer has no keypair")
	}
	sig := ecdsa.Sign(l.Keypair.PrivateKey(), sighash[:])
	return append(sig.Serialize(), byte(hashType)), nil
}

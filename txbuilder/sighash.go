package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// prevOutFetcher builds the multi-previous-output fetcher the teacher's
// wallet.BuildTransaction constructs before signing (wallet/transaction.go:
// NewMultiPrevOutFetcher keyed by outpoint).
func (c *core) prevOutFetcher() txscript.PrevOutputFetcher {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(c.Inputs))
	for i, u := range c.Inputs {
		prevOuts[c.Tx.TxIn[i].PreviousOutPoint] = &wire.TxOut{
			Value:    int64(u.Value),
			PkScript: u.PkScript,
		}
	}
	return txscript.NewMultiPrevOutFetcher(prevOuts)
}

// keyPathSighash computes the BIP341 key-path sighash for input idx.
func (c *core) keyPathSighash(idx int) ([32]byte, error) {
	var out [32]byte
	fetcher := c.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(c.Tx, fetcher)
	h, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, c.Tx, idx, fetcher)
	if err != nil {
		return out, fmt.Errorf("txbuilder: key-path sighash for input %d: %w", idx, err)
	}
	copy(out[:], h)
	return out, nil
}

// commitmentSighash computes the BIP143 segwit v0 sighash for input idx
// spending a hash-committed P2WSH output under witnessScript.
func (c *core) commitmentSighash(idx int, witnessScript []byte) ([32]byte, error) {
	var out [32]byte
	fetcher := c.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(c.Tx, fetcher)
	h, err := txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, c.Tx, idx, int64(c.Inputs[idx].Value))
	if err != nil {
		return out, fmt.Errorf("txbuilder: commitment sighash for input %d: %w", idx, err)
	}
	copy(out[:], h)
	return out, nil
}

// scriptPathSighash computes the BIP342 tapscript sighash for input idx
// spending the given leaf.
func (c *core) scriptPathSighash(idx int, leafScript []byte) ([32]byte, error) {
	var out [32]byte
	fetcher := c.prevOutFetcher()
	sigHashes := txscript.NewTxSigHashes(c.Tx, fetcher)
	leaf := txscript.NewBaseTapLeaf(leafScript)
	h, err := txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, c.Tx, idx, fetcher, leaf)
	if err != nil {
		return out, fmt.Errorf("txbuilder: script-path sighash for input %d: %w", idx, err)
	}
	copy(out[:], h)
	return out, nil
}

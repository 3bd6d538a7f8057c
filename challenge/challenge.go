// Package challenge models the epoch-bound challenge-solution artifact
// (spec §3) and derives the time-lock P2WSH address used as the
// miner-reward output of every interaction transaction. There is no
// direct teacher analog; the CHECKLOCKTIMEVERIFY script shape is grounded
// on the general txscript.NewScriptBuilder push/opcode idiom used
// throughout the pack (e.g. wallet/address.go's script assembly in the
// teacher, and the taproot script-builder in other_examples).
package challenge

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Solution is the epoch-bound proof-of-work-like structure a miner
// submits; it is immutable once constructed (spec §3).
type Solution struct {
	Epoch        uint64
	Submitter    [33]byte // compressed secp256k1 public key
	SolutionHash [32]byte
	Salt         [32]byte
	Graffiti     [32]byte
	Difficulty   uint32
}

// Bytes concatenates the challenge's parts in the fixed order the target
// leaf embeds them in (spec §3, Target leaf script: "challenge-solution
// parts").
func (s Solution) Bytes() []byte {
	var buf bytes.Buffer
	var epochBytes [8]byte
	for i := 0; i < 8; i++ {
		epochBytes[i] = byte(s.Epoch >> (8 * i))
	}
	buf.Write(epochBytes[:])
	buf.Write(s.Submitter[:])
	buf.Write(s.SolutionHash[:])
	buf.Write(s.Salt[:])
	buf.Write(s.Graffiti[:])
	var difficultyBytes [4]byte
	for i := 0; i < 4; i++ {
		difficultyBytes[i] = byte(s.Difficulty >> (8 * i))
	}
	buf.Write(difficultyBytes[:])
	return buf.Bytes()
}

// TimeLockScript builds the witness script for the challenge-bound
// recovery path: nobody can spend before lockHeight (CHECKLOCKTIMEVERIFY),
// and from lockHeight on only the submitter (the miner-reward recipient)
// can, by signature; the script enforces no other restriction, matching
// the "time-lock P2WSH" glossary entry (a P2WSH address encoding a
// challenge-bound recovery path).
func (s Solution) TimeLockScript(lockHeight int64) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddInt64(lockHeight)
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(s.Submitter[:])
	b.AddOp(txscript.OP_CHECKSIG)
	scriptBytes, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("challenge: build time-lock script: %w", err)
	}
	return scriptBytes, nil
}

// TimeLockAddress derives the P2WSH address used as the miner-reward
// output: the SHA256 of the witness script wrapped as a witness program.
func (s Solution) TimeLockAddress(params *chaincfg.Params, lockHeight int64) (btcutil.Address, []byte, error) {
	witnessScript, err := s.TimeLockScript(lockHeight)
	if err != nil {
		return nil, nil, err
	}
	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, nil, fmt.Errorf("challenge: derive P2WSH address: %w", err)
	}
	return addr, witnessScript, nil
}

// Multisig builds a P2TR vault spendable either by key path (an externally
// pre-aggregated signer, e.g. a MuSig2 aggregate key — key aggregation
// itself is an out-of-scope external collaborator per spec §1) or by
// script path through an M-of-N CHECKSIGADD leaf, and can be reconstructed
// from an existing base64 PSBT to accumulate additional partial
// signatures (spec §4.3 "Multisig builder"; grounded on
// other_examples/bb32ea4a_BoostyLabs-blockchain__.../signer.go's ordered
// TapScriptPrivateKeys convention and the teacher's psbt.NewFromRawBytes
// usage in path_wallet_psbt.go).
package txbuilder

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
)

// CompileMultisigScript builds the standard M-of-N "k-of-n" tapscript leaf:
// pubkeys[0] CHECKSIG, pubkeys[1..] CHECKSIGADD, threshold NUMEQUAL. Each
// pubkey's witness slot is populated with its signature or an empty
// element when that signer did not participate (spec: "requiring M
// signatures" out of N).
func CompileMultisigScript(pubkeys [][32]byte, threshold int) ([]byte, error) {
	if threshold <= 0 || threshold > len(pubkeys) {
		return nil, fmt.Errorf("txbuilder: multisig threshold %d invalid for %d keys", threshold, len(pubkeys))
	}
	b := txscript.NewScriptBuilder()
	for i, pk := range pubkeys {
		b.AddData(pk[:])
		if i == 0 {
			b.AddOp(txscript.OP_CHECKSIG)
		} else {
			b.AddOp(txscript.OP_CHECKSIGADD)
		}
	}
	b.AddInt64(int64(threshold))
	b.AddOp(txscript.OP_NUMEQUAL)
	return b.Script()
}

// FinalizeMultisigWitness lays out one witness element per pubkey slot
// (empty for non-participating signers) in reverse pubkey order, since the
// script consumes the top-of-stack item first for pubkeys[0]'s CHECKSIG.
func FinalizeMultisigWitness(sigsByIndex map[int][]byte, numKeys int, leafScript, controlBlock []byte) (wire.TxWitness, error) {
	if len(controlBlock) == 0 {
		return nil, fmt.Errorf("txbuilder: multisig missing control block")
	}
	slots := make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		if sig, ok := sigsByIndex[i]; ok {
			slots[i] = sig
		} else {
			slots[i] = []byte{}
		}
	}
	witness := make(wire.TxWitness, 0, numKeys+2)
	for i := numKeys - 1; i >= 0; i-- {
		witness = append(witness, slots[i])
	}
	witness = append(witness, leafScript, controlBlock)
	return witness, nil
}

// MultisigVaultParams describes the N-pubkey/M-threshold script leaf and
// the pre-aggregated internal key used for the key-path.
type MultisigVaultParams struct {
	InternalKey        *btcec.PublicKey
	SignerXOnlyPubKeys [][32]byte
	Threshold          int

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind

	Outputs []OutputSpec
}

// MultisigBuilder builds a multisig-vault spend or funding transaction.
// Unlike Interaction, it has no script-signer/wallet-signer split: every
// participating signer signs input 0 directly and partial signatures may
// arrive incrementally via a reconstructed PSBT.
type MultisigBuilder struct {
	*core

	params     MultisigVaultParams
	leafScript []byte
	sigsByIdx  map[int][]byte
}

// NewMultisigBuilder constructs a Multisig builder in StateCreated,
// compiling the M-of-N script leaf up front.
func NewMultisigBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, params MultisigVaultParams) (*MultisigBuilder, error) {
	leafScript, err := CompileMultisigScript(params.SignerXOnlyPubKeys, params.Threshold)
	if err != nil {
		return nil, err
	}
	c, err := newCore(TypeMultiSign, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	return &MultisigBuilder{core: c, params: params, leafScript: leafScript, sigsByIdx: make(map[int][]byte)}, nil
}

// NewMultisigBuilderFromPSBT decodes a base64 PSBT produced by an earlier
// signing round and seeds the already-collected partial signatures for
// input 0 (spec §4.3: "may be constructed from an existing base64 PSBT to
// add additional partial signatures").
func NewMultisigBuilderFromPSBT(network *chaincfg.Params, logger hclog.Logger, feeRate float64, params MultisigVaultParams, psbtBase64 string) (*MultisigBuilder, error) {
	raw, err := base64.StdEncoding.DecodeString(psbtBase64)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: decode multisig PSBT: %w", err)
	}
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: parse multisig PSBT: %w", err)
	}

	b, err := NewMultisigBuilder(network, logger, feeRate, params)
	if err != nil {
		return nil, err
	}
	if len(packet.Inputs) > 0 {
		for _, sig := range packet.Inputs[0].TaprootScriptSpendSig {
			idx := signerIndex(params.SignerXOnlyPubKeys, sig.XOnlyPubKey)
			if idx >= 0 {
				b.sigsByIdx[idx] = sig.Signature
			}
		}
	}
	return b, nil
}

func signerIndex(keys [][32]byte, xonly []byte) int {
	for i, k := range keys {
		if len(xonly) == 32 && k == [32]byte(xonly) {
			return i
		}
	}
	return -1
}

// SelectInputs forces input 0 to the M-of-N script-path leaf.
func (b *MultisigBuilder) SelectInputs(utxos []UTXORef) error {
	if err := b.selectInputs(utxos); err != nil {
		return err
	}
	b.InputMeta[0].Kind = feeest.InputP2TRScriptPath
	for i := 1; i < len(b.InputMeta); i++ {
		if b.InputMeta[i].Kind == feeest.InputP2TRScriptPath {
			b.InputMeta[i].Kind = feeest.InputP2TRKeyPath
		}
	}
	return nil
}

// Build assembles the single-leaf tree, derives input 0's control block,
// composes the caller's outputs plus change, and runs the fee loop.
func (b *MultisigBuilder) Build() error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}

	leaf := txscript.NewBaseTapLeaf(b.leafScript)
	indexed := txscript.AssembleTaprootScriptTree(leaf)
	root := indexed.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(b.params.InternalKey, root[:])

	proof := indexed.LeafMerkleProofs[0]
	cb := proof.ToControlBlock(b.params.InternalKey)
	cb.OutputKeyYIsOdd = outputKey.SerializeCompressed()[0] == secp256k1OddPrefixLocal
	cbBytes, err := cb.ToBytes()
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: multisig control block: %w", err)
	}
	b.InputMeta[0].TapLeafScript = b.leafScript
	b.InputMeta[0].ControlBlock = cbBytes

	b.Outputs = append(b.Outputs, b.params.Outputs...)
	changeIdx := len(b.Outputs)
	b.Outputs = append(b.Outputs, OutputSpec{
		PkScript: b.params.ChangePkScript,
		Address:  b.params.ChangeAddress,
		Kind:     b.params.ChangeKind,
	})

	if err := b.runFeeLoop(changeIdx, b.params.ChangeAddress, b.params.ChangeKind); err != nil {
		b.State = StateError
		return err
	}
	b.buildWireTx(defaultTxVersion)
	return nil
}

// AddPartialSignature records signer signerIdx's schnorr signature over
// input 0's tapscript sighash, computed by the caller (each participant
// signs independently and the results are merged, mirroring the teacher's
// trySignMultiSig accumulation in path_wallet_psbt.go).
func (b *MultisigBuilder) AddPartialSignature(signerIdx int, sig []byte) {
	b.sigsByIdx[signerIdx] = sig
}

// TapscriptSighash exposes input 0's sighash so an external signer (or
// AddPartialSignature caller) can produce a signature against it.
func (b *MultisigBuilder) TapscriptSighash() ([32]byte, error) {
	return b.scriptPathSighash(0, b.InputMeta[0].TapLeafScript)
}

// Extract finalizes input 0's script-path witness from the collected
// partial signatures (requiring at least Threshold of them) and any
// key-path inputs' signatures, then serializes.
func (b *MultisigBuilder) Extract() ([]byte, error) {
	if len(b.sigsByIdx) < b.params.Threshold {
		return nil, fmt.Errorf("txbuilder: multisig has %d of %d required signatures", len(b.sigsByIdx), b.params.Threshold)
	}
	witness0, err := FinalizeMultisigWitness(b.sigsByIdx, len(b.params.SignerXOnlyPubKeys), b.InputMeta[0].TapLeafScript, b.InputMeta[0].ControlBlock)
	if err != nil {
		return nil, err
	}
	b.Tx.TxIn[0].Witness = witness0

	for i := 1; i < len(b.Inputs); i++ {
		sig := b.InputMeta[i].KeyPathSignature
		if len(sig) == 0 {
			return nil, fmt.Errorf("txbuilder: missing key-path signature for input %d", i)
		}
		b.Tx.TxIn[i].Witness = [][]byte{sig}
	}

	b.State = StateFinalized
	return b.extract()
}

const secp256k1OddPrefixLocal = 0x03

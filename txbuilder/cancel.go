// Cancel reclaims an abandoned Taproot output by spending its lock leaf
// at zero fee from the funds themselves; it requires an extra fee-paying
// UTXO since the reclaimed value is paid out in full (spec §4.3: "Cancel
// builder... spends the lock leaf of an abandoned Taproot output at zero
// fee from the funds themselves—must include an extra fee-paying UTXO").
package txbuilder

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/signer"
	"github.com/opnet-labs/opnettx/taproot"
)

// CancelParams describes the abandoned output's lock leaf, the extra
// fee-paying UTXO, and where the reclaimed value should land.
type CancelParams struct {
	InternalKey      *btcec.PublicKey
	LockLeafScript   []byte
	TargetLeafScript []byte // needed only to rebuild the tree shape (index 0), never spent here

	RecipientAddress  string
	RecipientPkScript []byte

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind
}

// CancelBuilder builds a lock-leaf reclaim transaction. Input 0 must be
// the abandoned Taproot UTXO; input 1 (required) is the extra fee-paying
// UTXO.
type CancelBuilder struct {
	*core

	params CancelParams
	tree   *taproot.Tree
}

// NewCancelBuilder constructs a Cancel builder in StateCreated.
func NewCancelBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params CancelParams) (*CancelBuilder, error) {
	c, err := newCore(TypeCancel, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	return &CancelBuilder{core: c, params: params}, nil
}

// SelectInputs requires exactly the abandoned UTXO (input 0, lock-leaf
// script path) plus at least one fee-paying UTXO (key path).
func (b *CancelBuilder) SelectInputs(abandonedUTXO UTXORef, feeUTXOs []UTXORef) error {
	if len(feeUTXOs) == 0 {
		return fmt.Errorf("%w: cancel requires an extra fee-paying UTXO", ErrInsufficientFunds)
	}
	utxos := append([]UTXORef{abandonedUTXO}, feeUTXOs...)
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

// Build rebuilds the tree to recover the lock leaf's control block, pays
// the abandoned output's full value to the recipient, and runs the fee
// loop against the fee-paying input(s) only (the reclaimed input
// contributes zero toward the fee, per spec).
func (b *CancelBuilder) Build() error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}
	if b.params.InternalKey == nil {
		return fmt.Errorf("txbuilder: cancel requires an internal key")
	}

	tree, err := taproot.BuildTree(b.params.TargetLeafScript, b.params.LockLeafScript)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: rebuild tree: %w", err)
	}
	b.tree = tree

	cb, err := tree.ControlBlock(taproot.LockLeafIndex, b.params.InternalKey)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: derive lock control block: %w", err)
	}
	b.InputMeta[0].TapLeafScript = b.params.LockLeafScript
	b.InputMeta[0].ControlBlock = cb

	b.Outputs = append(b.Outputs, OutputSpec{
		Value:    b.Inputs[0].Value,
		PkScript: b.params.RecipientPkScript,
		Address:  b.params.RecipientAddress,
		Kind:     feeest.OutputP2TR,
	})
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

// Sign signs input 0 over the lock leaf's tapscript sighash with the
// wallet signer, then signs the fee-paying inputs by key path in
// parallel.
func (b *CancelBuilder) Sign(ctx context.Context) error {
	if err := b.requireState(StateOutputsComposed); err != nil {
		return err
	}
	if b.Orchestrator == nil || b.Orchestrator.MainSigner == nil {
		return ErrSignerCapabilityMissing
	}

	sighash, err := b.scriptPathSighash(0, b.InputMeta[0].TapLeafScript)
	if err != nil {
		return err
	}
	sig, err := b.Orchestrator.MainSigner.SignSchnorr(ctx, sighash)
	if err != nil {
		return fmt.Errorf("txbuilder: sign lock leaf: %w", err)
	}
	b.InputMeta[0].ScriptSignerSig = sig

	jobs := make([]signer.SighashJob, 0, len(b.Inputs)-1)
	for i := 1; i < len(b.Inputs); i++ {
		sh, err := b.keyPathSighash(i)
		if err != nil {
			return err
		}
		s, err := b.Orchestrator.Resolve(b.Inputs[i].Address)
		if err != nil {
			return err
		}
		jobs = append(jobs, signer.SighashJob{InputIndex: i, Sighash: sh, Signer: s})
	}
	results, err := b.Orchestrator.SignKeyPathInputsParallel(ctx, jobs)
	if err != nil {
		return err
	}
	for _, r := range results {
		b.InputMeta[r.InputIndex].KeyPathSignature = r.Signature
	}

	b.State = StateSigned
	return nil
}

// Extract finalizes input 0's lock-leaf witness and every fee-paying
// input's key-path witness, then serializes.
func (b *CancelBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}

	witness0, err := taproot.FinalizeCancelWitness(b.InputMeta[0].ScriptSignerSig, b.InputMeta[0].TapLeafScript, b.InputMeta[0].ControlBlock)
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

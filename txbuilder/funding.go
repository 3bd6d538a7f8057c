// Funding builds the simplest transaction kind: plain key-path inputs
// paying a set of equal- or caller-specified-value outputs plus change,
// with an auto-adjust mode that deducts the fee from the sole output's
// amount instead of failing when the caller asked to spend everything
// (spec §2, "Funding").
package txbuilder

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/signer"
)

// FundingParams describes the outputs a Funding transaction pays, plus
// where any leftover change returns to.
type FundingParams struct {
	// Outputs is used directly when set. Leave it empty and set To,
	// Amount, and SplitInputsInto instead to have Build compute an equal
	// N-way split (spec §4.3 "Funding builder"); the two modes are
	// mutually exclusive.
	Outputs []OutputSpec

	// To, Amount, and SplitInputsInto together describe the split-funding
	// mode: Amount is divided into SplitInputsInto equal-value outputs
	// paying To, with any indivisible remainder folded into the last
	// output so the outputs still sum to exactly Amount.
	To              string
	Amount          uint64
	SplitInputsInto int

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind

	// AutoAdjustAmount, when true, shrinks the sole output's value by the
	// computed fee and adds no change output, provided there is exactly
	// one output and its value equals the total input value; otherwise
	// Build adds a change output as usual (spec §2: "auto-adjust sends the maximum
	// spendable amount when the caller requests sending the full
	// balance").
	AutoAdjustAmount bool
}

// FundingBuilder builds a plain multi-output funding transaction.
type FundingBuilder struct {
	*core
	params FundingParams
}

// NewFundingBuilder constructs a Funding builder in StateCreated.
func NewFundingBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params FundingParams) (*FundingBuilder, error) {
	splitRequested := params.To != "" || params.SplitInputsInto != 0
	if len(params.Outputs) == 0 && !splitRequested {
		return nil, fmt.Errorf("txbuilder: funding requires at least one output")
	}
	if len(params.Outputs) > 0 && splitRequested {
		return nil, fmt.Errorf("txbuilder: funding cannot mix Outputs with To/SplitInputsInto")
	}
	if splitRequested && params.SplitInputsInto <= 0 {
		return nil, fmt.Errorf("txbuilder: funding split requires SplitInputsInto >= 1")
	}
	c, err := newCore(TypeFunding, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	return &FundingBuilder{core: c, params: params}, nil
}

// splitOutputs divides params.Amount into SplitInputsInto equal-value
// outputs paying To (spec §4.3: "Produces one or more equal-value outputs
// to `to`"), folding the indivisible remainder into the last output so the
// outputs sum to exactly Amount.
func (b *FundingBuilder) splitOutputs() ([]OutputSpec, error) {
	addr, err := btcutil.DecodeAddress(b.params.To, b.Network)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: decode split-funding address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: derive split-funding pkscript: %w", err)
	}
	kind, err := outputKindForAddress(addr)
	if err != nil {
		return nil, err
	}

	n := b.params.SplitInputsInto
	share := b.params.Amount / uint64(n)
	remainder := b.params.Amount % uint64(n)

	outputs := make([]OutputSpec, n)
	for i := range outputs {
		value := share
		if i == n-1 {
			value += remainder
		}
		outputs[i] = OutputSpec{Value: value, PkScript: pkScript, Address: b.params.To, Kind: kind}
	}
	return outputs, nil
}

// outputKindForAddress classifies a destination address into the fee
// estimator's output vocabulary; a split-funding destination is always an
// ordinary wallet address, never a script-path contract output.
func outputKindForAddress(addr btcutil.Address) (feeest.OutputKind, error) {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return feeest.OutputP2WPKH, nil
	case *btcutil.AddressTaproot:
		return feeest.OutputP2TR, nil
	case *btcutil.AddressWitnessScriptHash:
		return feeest.OutputP2WSH, nil
	default:
		return 0, fmt.Errorf("txbuilder: unsupported address type %T for a split-funding output", addr)
	}
}

// SelectInputs records the UTXO set; every Funding input spends by key
// path.
func (b *FundingBuilder) SelectInputs(utxos []UTXORef) error {
	if err := b.selectInputs(utxos); err != nil {
		return err
	}
	for i := range b.InputMeta {
		if b.InputMeta[i].Kind == feeest.InputP2TRScriptPath {
			b.InputMeta[i].Kind = feeest.InputP2TRKeyPath
		}
	}
	return nil
}

// Build composes the caller's outputs plus a change output and runs the
// fee loop. When AutoAdjustAmount is set and the caller supplied exactly
// one output whose value equals the total input value, the fee is instead
// deducted from that output and no change output is created.
func (b *FundingBuilder) Build(ctx context.Context) error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}

	outputs := b.params.Outputs
	if b.params.SplitInputsInto > 0 {
		split, err := b.splitOutputs()
		if err != nil {
			b.State = StateError
			return err
		}
		outputs = split
	}

	if b.params.AutoAdjustAmount && len(outputs) == 1 && outputs[0].Value == b.totalInput() {
		return b.buildAutoAdjusted(outputs[0])
	}

	b.Outputs = append(b.Outputs, outputs...)
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

// buildAutoAdjusted sizes the transaction with no change output at all and
// shrinks the sole output by the resulting fee (spec §2).
func (b *FundingBuilder) buildAutoAdjusted(sole OutputSpec) error {
	vsize := feeest.EstimateVSize(b.inputKinds(), []feeest.OutputKind{sole.Kind}, b.scriptPathExtraVBytes())
	fee := feeest.TargetFee(vsize, b.FeeRate)
	if fee >= sole.Value {
		b.State = StateError
		return fmt.Errorf("%w: fee %d exceeds auto-adjusted output value %d", ErrInsufficientFunds, fee, sole.Value)
	}
	sole.Value -= fee
	dust := feeest.DustThresholdFor(sole.Kind)
	if sole.Value < dust {
		b.State = StateError
		return fmt.Errorf("%w: auto-adjusted output %d below dust threshold %d", ErrDustOutput, sole.Value, dust)
	}

	b.Outputs = []OutputSpec{sole}
	b.FeeOutputIndex = -1
	b.VSize = vsize
	b.Fee = fee
	b.State = StateOutputsComposed
	b.Logger.Debug("auto-adjusted fee loop", "fee", fee, "vsize", vsize)

	b.buildWireTx(defaultTxVersion)
	return nil
}

// Sign signs every input by key path in parallel (spec §4.5: Funding has no
// script-path input, so there is no sequential input-0 step).
func (b *FundingBuilder) Sign(ctx context.Context) error {
	if err := b.requireState(StateOutputsComposed); err != nil {
		return err
	}
	if b.Orchestrator == nil {
		return ErrSignerCapabilityMissing
	}

	jobs := make([]signer.SighashJob, len(b.Inputs))
	for i := range b.Inputs {
		sh, err := b.keyPathSighash(i)
		if err != nil {
			return err
		}
		s, err := b.Orchestrator.Resolve(b.Inputs[i].Address)
		if err != nil {
			return err
		}
		jobs[i] = signer.SighashJob{InputIndex: i, Sighash: sh, Signer: s}
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

// Extract finalizes every input's key-path witness and serializes the
// transaction.
func (b *FundingBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}
	for i := range b.Inputs {
		sig := b.InputMeta[i].KeyPathSignature
		if len(sig) == 0 {
			return nil, fmt.Errorf("txbuilder: missing key-path signature for input %d", i)
		}
		b.Tx.TxIn[i].Witness = [][]byte{sig}
	}
	b.State = StateFinalized
	return b.extract()
}

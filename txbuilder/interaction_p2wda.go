// InteractionP2WDA is the witness-field data-authentication variant: the
// calldata payload travels as up to 10 individually-pushed witness fields
// (each <= 80 bytes) instead of a compressed blob baked into the leaf
// script, shrinking the leaf itself at the cost of a wider witness (spec
// §7: "TooManyWitnessFields (P2WDA: > 10 x 80B fields)"; GLOSSARY: "P2WDA").
package txbuilder

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/challenge"
	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/script"
	"github.com/opnet-labs/opnettx/signer"
	"github.com/opnet-labs/opnettx/taproot"
)

const (
	maxP2WDAWitnessFields    = 10
	maxP2WDAWitnessFieldSize = 80
)

// ErrTooManyWitnessFields is returned pre-signing when a P2WDA payload
// would not fit the protocol's witness-field budget (spec §7).
var ErrTooManyWitnessFields = fmt.Errorf("txbuilder: too many P2WDA witness fields")

// InteractionP2WDAParams mirrors InteractionParams but carries the payload
// as pre-chunked witness fields rather than calldata destined for the leaf
// script.
type InteractionP2WDAParams struct {
	InternalKey       *btcec.PublicKey
	WalletSignerXOnly [32]byte
	Sender            string
	SenderPkScript    []byte

	WitnessFields  [][]byte
	ContractSecret [32]byte
	Features       []script.Feature
	PriorityFee    uint64

	Challenge           challenge.Solution
	ChallengeLockHeight int64
	AmountSpent         uint64

	OptionalOutputs []OutputSpec
	RandomBytes     [32]byte
}

func (p InteractionP2WDAParams) validate() error {
	if len(p.WitnessFields) > maxP2WDAWitnessFields {
		return fmt.Errorf("%w: got %d fields, max %d", ErrTooManyWitnessFields, len(p.WitnessFields), maxP2WDAWitnessFields)
	}
	for i, f := range p.WitnessFields {
		if len(f) > maxP2WDAWitnessFieldSize {
			return fmt.Errorf("%w: field %d is %d bytes, max %d", ErrTooManyWitnessFields, i, len(f), maxP2WDAWitnessFieldSize)
		}
	}
	return nil
}

// InteractionP2WDABuilder assembles, signs, and extracts a P2WDA
// contract-interaction transaction.
type InteractionP2WDABuilder struct {
	*core

	params       InteractionP2WDAParams
	scriptSigner *keys.ClassicalKeypair
	tree         *taproot.Tree
}

// NewInteractionP2WDABuilder validates the witness-field budget up front
// (spec §7: protocol-invariant errors are "surfaced pre-signing") and
// derives the deterministic script-signer keypair.
func NewInteractionP2WDABuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params InteractionP2WDAParams) (*InteractionP2WDABuilder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	c, err := newCore(TypeInteractionP2WDA, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	c.RandomBytes = params.RandomBytes
	c.PriorityFee = params.PriorityFee

	scriptSigner, err := keys.DeriveScriptSignerKeypair(params.RandomBytes)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: derive script signer: %w", err)
	}
	return &InteractionP2WDABuilder{core: c, params: params, scriptSigner: scriptSigner}, nil
}

// SelectInputs forces input 0 to a script-path spend of the target leaf;
// inputs 1..N spend by key path.
func (b *InteractionP2WDABuilder) SelectInputs(utxos []UTXORef) error {
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

// Build compiles a target leaf with no embedded calldata blob (the payload
// lives entirely in the witness at spend time), assembles the tree, and
// composes the Interaction-kind output layout.
func (b *InteractionP2WDABuilder) Build(ctx context.Context) error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}
	if b.params.InternalKey == nil {
		return fmt.Errorf("txbuilder: interaction_p2wda requires an internal key")
	}

	secretHash := btcutil.Hash160(b.params.ContractSecret[:])
	targetLeaf, err := script.CompileTargetLeaf(script.TargetLeafParams{
		ContractSecretHash: [20]byte(secretHash),
		ChallengeBytes:      b.params.Challenge.Bytes(),
		ScriptSignerXOnly:   b.scriptSigner.XOnlyPublicKey(),
		WalletSignerXOnly:   b.params.WalletSignerXOnly,
		PriorityFee:         b.params.PriorityFee,
		Features:            b.params.Features,
	})
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: compile target leaf: %w", err)
	}
	lockLeaf, err := script.CompileLockLeaf(b.params.WalletSignerXOnly)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: compile lock leaf: %w", err)
	}

	tree, err := taproot.BuildTree(targetLeaf, lockLeaf)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: build tree: %w", err)
	}
	b.tree = tree

	controlBlock, err := tree.ControlBlock(taproot.TargetLeafIndex, b.params.InternalKey)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: derive target control block: %w", err)
	}
	b.InputMeta[0].TapLeafScript = targetLeaf
	b.InputMeta[0].ControlBlock = controlBlock

	rewardAddr, _, err := b.params.Challenge.TimeLockAddress(b.Network, b.params.ChallengeLockHeight)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: derive miner-reward address: %w", err)
	}
	rewardPkScript, err := txscript.PayToAddrScript(rewardAddr)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: build miner-reward pk script: %w", err)
	}
	rewardValue := b.params.AmountSpent
	if rewardValue < minimumAmountReward {
		rewardValue = minimumAmountReward
	}

	b.Outputs = append(b.Outputs, OutputSpec{
		Value:    rewardValue,
		PkScript: rewardPkScript,
		Address:  rewardAddr.EncodeAddress(),
		Kind:     feeest.OutputP2WSH,
	})
	b.Outputs = append(b.Outputs, b.params.OptionalOutputs...)

	changeIdx := len(b.Outputs)
	b.Outputs = append(b.Outputs, OutputSpec{
		PkScript: b.params.SenderPkScript,
		Address:  b.params.Sender,
		Kind:     feeest.OutputP2TR,
	})

	if err := b.runFeeLoop(changeIdx, b.params.Sender, feeest.OutputP2TR); err != nil {
		b.State = StateError
		return err
	}

	b.buildWireTx(defaultTxVersion)
	return nil
}

// Sign signs input 0 sequentially over the tapscript sighash and every
// remaining input in parallel by key path.
func (b *InteractionP2WDABuilder) Sign(ctx context.Context) error {
	if err := b.requireState(StateOutputsComposed); err != nil {
		return err
	}
	if b.Orchestrator == nil {
		return ErrSignerCapabilityMissing
	}

	sighash, err := b.scriptPathSighash(0, b.InputMeta[0].TapLeafScript)
	if err != nil {
		return err
	}
	scriptSig, walletSig, err := b.Orchestrator.SignInputZeroScriptPath(ctx, sighash, sighash)
	if err != nil {
		return err
	}
	b.InputMeta[0].ScriptSignerSig = scriptSig
	b.InputMeta[0].WalletSignerSig = walletSig

	if len(b.Inputs) > 1 {
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
	}

	b.State = StateSigned
	return nil
}

// Extract builds input 0's witness as [field..., script-signer-sig,
// wallet-signer-sig, leaf-script, control-block] via the custom-script
// finalizer, finalizes key-path witnesses for the rest, and serializes.
func (b *InteractionP2WDABuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}

	prefix := make([][]byte, 0, len(b.params.WitnessFields)+2)
	prefix = append(prefix, b.params.WitnessFields...)
	prefix = append(prefix, b.InputMeta[0].ScriptSignerSig, b.InputMeta[0].WalletSignerSig)

	witness0, err := taproot.FinalizeCustomScriptWitness(prefix, b.InputMeta[0].TapLeafScript, b.InputMeta[0].ControlBlock, nil)
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

// Interaction is the representative builder this core demonstrates first:
// a two-leaf Taproot UTXO whose target leaf carries the compiled contract
// call, spent with both the deterministic script-signer and the caller's
// wallet signer, alongside any number of ordinary key-path funding inputs
// (spec §2, §3, §6).
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

// InteractionParams is every caller-supplied value an Interaction build
// needs beyond the shared UTXO set (spec §3, §4.1).
type InteractionParams struct {
	// InternalKey is the key-path internal key the 2-leaf tree is tweaked
	// under; ordinarily the wallet signer's own public key (spec §4.2).
	InternalKey *btcec.PublicKey

	WalletSignerXOnly [32]byte
	Sender            string
	SenderPkScript    []byte

	Calldata       []byte
	ContractSecret [32]byte
	Features       []script.Feature
	PriorityFee    uint64

	Challenge           challenge.Solution
	ChallengeLockHeight int64

	// AmountSpent is the value routed to the challenge-bound miner-reward
	// output before the MinimumAmountReward floor is applied (spec §3).
	AmountSpent uint64

	OptionalOutputs []OutputSpec

	RandomBytes [32]byte
}

// InteractionBuilder assembles, signs, and extracts a contract-interaction
// transaction.
type InteractionBuilder struct {
	*core

	params       InteractionParams
	scriptSigner *keys.ClassicalKeypair
	tree         *taproot.Tree

	minerRewardWitnessScript []byte
}

// NewInteractionBuilder derives the deterministic script-signer keypair
// from params.RandomBytes and returns a builder in StateCreated.
func NewInteractionBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params InteractionParams) (*InteractionBuilder, error) {
	c, err := newCore(TypeInteraction, network, logger, feeRate)
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

	return &InteractionBuilder{core: c, params: params, scriptSigner: scriptSigner}, nil
}

// SelectInputs records the UTXO set; input 0 is forced to a script-path
// spend of the target leaf regardless of its declared Kind (invariant: the
// first input always funds the contract call), and inputs 1..N spend by
// key path (spec §3, "Transaction draft").
func (b *InteractionBuilder) SelectInputs(utxos []UTXORef) error {
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

// Build compiles the target and lock leaves, assembles the Taproot tree,
// derives the challenge-bound miner-reward output, composes the full
// output set, and runs the fee/change convergence loop (spec §4.1, §4.2,
// §4.4).
func (b *InteractionBuilder) Build(ctx context.Context) error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}
	if b.params.InternalKey == nil {
		return fmt.Errorf("txbuilder: interaction requires an internal key")
	}

	compressed, err := script.CompressCalldata(b.params.Calldata)
	if err != nil {
		return err
	}
	secretHash := btcutil.Hash160(b.params.ContractSecret[:])

	targetLeaf, err := script.CompileTargetLeaf(script.TargetLeafParams{
		CompressedCalldata: compressed,
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

	rewardAddr, witnessScript, err := b.params.Challenge.TimeLockAddress(b.Network, b.params.ChallengeLockHeight)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: derive miner-reward address: %w", err)
	}
	b.minerRewardWitnessScript = witnessScript
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

// Sign signs input 0 sequentially (script signer then wallet signer, both
// over the same tapscript sighash for the target leaf) and every remaining
// input in parallel by key path (spec §4.5).
func (b *InteractionBuilder) Sign(ctx context.Context) error {
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

// Extract finalizes every input's witness stack and serializes the
// transaction (spec §4.2, §4.3).
func (b *InteractionBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}

	witness0, err := taproot.FinalizeTargetLeafWitness(
		b.params.ContractSecret[:],
		b.InputMeta[0].ScriptSignerSig,
		b.InputMeta[0].WalletSignerSig,
		b.InputMeta[0].TapLeafScript,
		b.InputMeta[0].ControlBlock,
		nil,
	)
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

const (
	defaultTxVersion    = 2
	minimumAmountReward = 330
)

// CustomScript lets the caller supply an arbitrary target-leaf witness
// prefix (replacing the usual [contract-secret, script-signer-sig,
// wallet-signer-sig] triple) plus an optional annex, for protocol
// extensions this core does not itself understand (spec §4.2: "For
// custom-script transactions, witnesses supplied by the caller replace the
// [secret, sigs] prefix; an optional annex is appended ... with 0x50
// prefix").
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

// CustomScriptParams describes the already-compiled leaf this builder
// spends and the outputs it pays; the leaf itself is supplied by the
// caller rather than compiled via the script package, since custom-script
// transactions exist precisely to carry leaves this core does not define.
type CustomScriptParams struct {
	InternalKey    *btcec.PublicKey
	LeafScript     []byte
	LockLeafScript []byte

	WitnessPrefix [][]byte
	Annex         []byte

	Outputs []OutputSpec

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind
}

// CustomScriptBuilder assembles, signs (via caller-supplied witness
// elements, not this core's orchestrator), and extracts a transaction
// spending an arbitrary target leaf.
type CustomScriptBuilder struct {
	*core

	params CustomScriptParams
	tree   *taproot.Tree
}

// NewCustomScriptBuilder constructs a CustomScript builder in
// StateCreated.
func NewCustomScriptBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params CustomScriptParams) (*CustomScriptBuilder, error) {
	c, err := newCore(TypeCustomScript, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	return &CustomScriptBuilder{core: c, params: params}, nil
}

// SelectInputs forces input 0 to a script-path spend of the caller's leaf.
func (b *CustomScriptBuilder) SelectInputs(utxos []UTXORef) error {
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

// Build assembles the tree from the caller's leaf and a lock leaf,
// derives input 0's control block, composes outputs, and runs the fee
// loop.
func (b *CustomScriptBuilder) Build() error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}
	if b.params.InternalKey == nil {
		return fmt.Errorf("txbuilder: custom_script requires an internal key")
	}

	tree, err := taproot.BuildTree(b.params.LeafScript, b.params.LockLeafScript)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: build tree: %w", err)
	}
	b.tree = tree

	cb, err := tree.ControlBlock(taproot.TargetLeafIndex, b.params.InternalKey)
	if err != nil {
		b.State = StateError
		return fmt.Errorf("txbuilder: derive control block: %w", err)
	}
	b.InputMeta[0].TapLeafScript = b.params.LeafScript
	b.InputMeta[0].ControlBlock = cb

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
	b.State = StateSigned // no orchestrator-driven signing step: the caller's prefix IS the signature material
	return nil
}

// Extract finalizes input 0 with the caller-supplied witness prefix and
// any key-path inputs with their previously-set signatures, then
// serializes.
func (b *CustomScriptBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}

	witness0, err := taproot.FinalizeCustomScriptWitness(b.params.WitnessPrefix, b.InputMeta[0].TapLeafScript, b.InputMeta[0].ControlBlock, b.params.Annex)
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

// SignKeyPathInputs signs inputs 1..N by key path through the
// orchestrator, for callers who want this core to handle the ordinary
// wallet inputs even though input 0's witness is caller-supplied.
func (b *CustomScriptBuilder) SignKeyPathInputs(ctx context.Context) error {
	if len(b.Inputs) <= 1 {
		return nil
	}
	if b.Orchestrator == nil {
		return ErrSignerCapabilityMissing
	}
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
	return nil
}

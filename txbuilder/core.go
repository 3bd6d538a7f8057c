// Package txbuilder is the Builders layer (L4): one state machine per
// transaction kind (Funding, Deployment, Interaction, InteractionP2WDA,
// MultiSign, CustomScript, Cancel, ConsolidatedInteraction), sharing a
// common core for input selection, fee-loop invocation, and finalizer
// plumbing (spec §4.3, Design Notes "dynamic dispatch -> tagged variants").
// Grounded on the teacher's one-file-per-path convention
// (path_wallet_send.go, path_wallet_consolidate.go, path_wallet_psbt.go),
// generalized away from Vault's logical.Request/Response plumbing into
// plain builder methods.
package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/signer"
)

// TransactionType tags the builder variant, replacing the source's
// inheritance-based dispatch with a sum type (spec §9).
type TransactionType byte

const (
	TypeFunding TransactionType = iota
	TypeDeployment
	TypeInteraction
	TypeInteractionP2WDA
	TypeMultiSign
	TypeCustomScript
	TypeCancel
	TypeConsolidatedInteraction
)

func (t TransactionType) String() string {
	switch t {
	case TypeFunding:
		return "funding"
	case TypeDeployment:
		return "deployment"
	case TypeInteraction:
		return "interaction"
	case TypeInteractionP2WDA:
		return "interaction_p2wda"
	case TypeMultiSign:
		return "multisign"
	case TypeCustomScript:
		return "custom_script"
	case TypeCancel:
		return "cancel"
	case TypeConsolidatedInteraction:
		return "consolidated_interaction"
	default:
		return "unknown"
	}
}

// State is the builder state machine position (spec §4.3).
type State int

const (
	StateCreated State = iota
	StateInputsSelected
	StateOutputsComposed
	StateSigned
	StateFinalized
	StateExtracted
	StateError
)

// Errors shared across all builder kinds (spec §4.3, §7).
var (
	ErrInsufficientFunds        = fmt.Errorf("txbuilder: insufficient funds")
	ErrDustOutput               = fmt.Errorf("txbuilder: output below dust threshold")
	ErrInvalidContractAddress   = fmt.Errorf("txbuilder: recipient is not a valid taproot address")
	ErrSignerCapabilityMissing  = fmt.Errorf("txbuilder: required signer capability missing")
	ErrInvalidNetwork           = fmt.Errorf("txbuilder: invalid network")
	ErrTransactionAlreadyFinalized = fmt.Errorf("txbuilder: transaction already finalized")
	ErrWrongState               = fmt.Errorf("txbuilder: operation invalid in current state")
	ErrAmountBelowMinimumReward = fmt.Errorf("txbuilder: amount below minimum reward")
)

// UTXORef is the immutable UTXO-reference tuple (spec §3). Kind tells the
// fee estimator and signer how this input will be spent; callers (or the
// injected utxoprovider.Provider) are expected to know the address type of
// what they hand in.
type UTXORef struct {
	TxID           chainhash.Hash
	Vout           uint32
	Value          uint64
	PkScript       []byte
	Address        string
	RedeemScript   []byte
	WitnessScript  []byte
	NonWitnessUtxo []byte
	Kind           feeest.InputKind
}

func (u UTXORef) outPoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.TxID, Index: u.Vout}
}

// OutputSpec is one planned transaction output.
type OutputSpec struct {
	Value          uint64
	PkScript       []byte
	Address        string
	TapInternalKey []byte
	Kind           feeest.OutputKind
}

// InputMeta captures the per-input signing metadata a finalizer needs
// (spec §3, "Transaction draft": "per-input metadata (sighash type, tap
// leaf script binding)").
type InputMeta struct {
	Kind             feeest.InputKind
	TapLeafScript    []byte
	ControlBlock     []byte
	ScriptSignerSig  []byte
	WalletSignerSig  []byte
	KeyPathSignature []byte

	// CommitmentExtraVBytes holds the discounted witness cost of a
	// hash-committed P2WSH reveal input (feeest.CommitmentWitnessVBytes),
	// precomputed before the fee loop since it depends on the chunk
	// group's size rather than a fixed table entry.
	CommitmentExtraVBytes int64
}

// core holds the fields every builder variant shares: the mutable
// transaction draft (spec §3, "Transaction draft").
type core struct {
	Kind    TransactionType
	Network *chaincfg.Params
	Logger  hclog.Logger

	State State

	Inputs      []UTXORef
	InputMeta   []InputMeta
	Outputs     []OutputSpec
	FeeOutputIndex int // index of the refund/change output, -1 if none

	FeeRate     float64
	PriorityFee uint64

	RandomBytes [32]byte // deterministic seed for the script-signer keypair (invariant 6)

	Tx       *wire.MsgTx
	VSize    int64
	Fee      uint64
	Finalized bool

	Orchestrator *signer.Orchestrator
}

func newCore(kind TransactionType, network *chaincfg.Params, logger hclog.Logger, feeRate float64) (*core, error) {
	if network == nil {
		return nil, ErrInvalidNetwork
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &core{
		Kind:           kind,
		Network:        network,
		Logger:         logger.Named(kind.String()),
		State:          StateCreated,
		FeeOutputIndex: -1,
		FeeRate:        feeRate,
	}, nil
}

func (c *core) requireState(want State) error {
	if c.State != want {
		return fmt.Errorf("%w: expected %v, got %v", ErrWrongState, want, c.State)
	}
	return nil
}

// Type returns the builder's transaction kind. Promoted automatically to
// every *-Builder type that embeds *core.
func (c *core) Type() TransactionType { return c.Kind }

// selectInputs records the caller-chosen UTXOs and seeds per-input metadata
// from their declared Kind; a builder whose input 0 is a script-path spend
// (Interaction, Deployment, InteractionP2WDA, CustomScript) overrides
// InputMeta[0].Kind afterward once its leaf script is known.
func (c *core) selectInputs(utxos []UTXORef) error {
	if err := c.requireState(StateCreated); err != nil {
		return err
	}
	if len(utxos) == 0 {
		return fmt.Errorf("%w: no inputs supplied", ErrInsufficientFunds)
	}
	c.Inputs = utxos
	c.InputMeta = make([]InputMeta, len(utxos))
	for i, u := range utxos {
		c.InputMeta[i].Kind = u.Kind
	}
	c.State = StateInputsSelected
	return nil
}

func (c *core) totalInput() uint64 {
	var total uint64
	for _, u := range c.Inputs {
		total += u.Value
	}
	return total
}

func (c *core) nonChangeOutputTotal() uint64 {
	var total uint64
	for i, o := range c.Outputs {
		if i == c.FeeOutputIndex {
			continue
		}
		total += o.Value
	}
	return total
}

// outputKindsExcludingChange returns the kinds of every composed output
// except the change output, for feeest.Converge.
func (c *core) outputKindsExcludingChange() []feeest.OutputKind {
	kinds := make([]feeest.OutputKind, 0, len(c.Outputs))
	for i, o := range c.Outputs {
		if i == c.FeeOutputIndex {
			continue
		}
		kinds = append(kinds, o.Kind)
	}
	return kinds
}

func (c *core) inputKinds() []feeest.InputKind {
	kinds := make([]feeest.InputKind, len(c.Inputs))
	for i, m := range c.InputMeta {
		kinds[i] = m.Kind
	}
	return kinds
}

// scriptPathExtraVBytes sums the taproot script-path witness costs of any
// script-path inputs (spec §4.2 witness shape), since their size depends
// on the compiled leaf/control-block lengths rather than a fixed table
// entry.
func (c *core) scriptPathExtraVBytes() int64 {
	var extra int64
	for _, m := range c.InputMeta {
		if m.Kind == feeest.InputP2TRScriptPath {
			extra += feeest.ScriptPathWitnessVBytes(len(m.TapLeafScript), len(m.ControlBlock))
		}
		extra += m.CommitmentExtraVBytes
	}
	return extra
}

// runFeeLoop adjusts (or drops) the change output in place and records the
// resulting fee/vsize, per spec §4.4. changeOutputIdx must point at the
// already-appended change output.
func (c *core) runFeeLoop(changeOutputIdx int, changeAddress string, changeKind feeest.OutputKind) error {
	if err := c.requireState(StateInputsSelected); err != nil {
		return err
	}

	c.FeeOutputIndex = changeOutputIdx
	total := c.totalInput()
	nonChange := c.nonChangeOutputTotal()

	result, err := feeest.Converge(
		total,
		nonChange,
		c.inputKinds(),
		c.outputKindsExcludingChange(),
		c.scriptPathExtraVBytes(),
		changeKind,
		c.FeeRate,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	if result.ChangeDropped {
		c.Outputs = append(c.Outputs[:changeOutputIdx], c.Outputs[changeOutputIdx+1:]...)
		c.FeeOutputIndex = -1
	} else {
		c.Outputs[changeOutputIdx].Value = result.ChangeValue
		c.Outputs[changeOutputIdx].Address = changeAddress
		c.Outputs[changeOutputIdx].Kind = changeKind
	}

	c.VSize = result.VSize
	c.Fee = result.Fee
	c.State = StateOutputsComposed
	c.Logger.Debug("fee loop converged", "iterations", result.Iterations, "fee", result.Fee, "vsize", result.VSize, "change_dropped", result.ChangeDropped)
	return nil
}

// buildWireTx assembles the wire.MsgTx skeleton (no witnesses yet) from
// the composed inputs/outputs, in the stable deterministic order spec §5
// requires (miner reward first, then optional outputs, then refund).
func (c *core) buildWireTx(txVersion int32) *wire.MsgTx {
	tx := wire.NewMsgTx(txVersion)
	for _, in := range c.Inputs {
		op := in.outPoint()
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
	}
	for _, out := range c.Outputs {
		tx.AddTxOut(&wire.TxOut{Value: int64(out.Value), PkScript: out.PkScript})
	}
	c.Tx = tx
	return tx
}

// extract serializes the finalized transaction, marking the builder
// immutable; any further mutation attempt must fail (spec §4.3: "extract()
// -> produce the serialized transaction bytes; sets Finalized; further
// mutation fails").
func (c *core) extract() ([]byte, error) {
	if c.State != StateSigned && c.State != StateFinalized {
		return nil, fmt.Errorf("%w: extract requires a signed draft", ErrWrongState)
	}
	if c.Finalized {
		return nil, ErrTransactionAlreadyFinalized
	}
	if c.Tx == nil {
		return nil, fmt.Errorf("txbuilder: no transaction assembled")
	}

	buf := make([]byte, 0, c.Tx.SerializeSize())
	w := &byteSliceWriter{buf: &buf}
	if err := c.Tx.Serialize(w); err != nil {
		return nil, fmt.Errorf("txbuilder: serialize transaction: %w", err)
	}

	c.Finalized = true
	c.State = StateExtracted
	return buf, nil
}

// byteSliceWriter adapts a growable []byte to io.Writer for wire
// serialization without an intermediate bytes.Buffer allocation dance.
type byteSliceWriter struct {
	buf *[]byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

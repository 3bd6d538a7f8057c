// Package offlinestate is the Offline State Manager (L5): it captures a
// builder's parameters and precomputed artifacts into a serializable
// envelope a cold signer can reconstruct and sign without the original
// builder in memory (spec §4.6). Grounded on the teacher's
// path_wallet_psbt.go (psbt.NewFromUnsignedTx/Serialize/Extract round
// trip) for the capture/reconstruct shape, and path_wallet_qr.go's
// base64-vs-ascii transport duality for the hex/base64 interchange.
package offlinestate

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/txbuilder"
)

// CurrentFormatVersion is the only envelope format this package knows how
// to reconstruct.
const CurrentFormatVersion = 1

// NetworkName is the envelope's network tag (spec §6: "networkName ∈
// {mainnet|testnet|regtest}").
type NetworkName string

const (
	NetworkMainnet NetworkName = "mainnet"
	NetworkTestnet NetworkName = "testnet"
	NetworkRegtest NetworkName = "regtest"
)

// Errors surfaced by Reconstruct (spec §4.6 "Errors").
var (
	ErrUnsupportedFormatVersion = fmt.Errorf("offlinestate: unsupported format version")
	ErrUnsupportedTransactionType = fmt.Errorf("offlinestate: unsupported transaction type")
	ErrMissingRotationSigners   = fmt.Errorf("offlinestate: rotation enabled but no signer mappings supplied")
	ErrSignerMissingForAddress  = fmt.Errorf("offlinestate: no signer bundle entry for address")
)

// Header is the envelope's fixed prefix (spec §6 "Serializable state
// envelope").
type Header struct {
	FormatVersion    int    `json:"formatVersion"`
	ConsensusVersion int32  `json:"consensusVersion"`
	TransactionType  string `json:"transactionType"`
	ChainID          string `json:"chainId"`
	Timestamp        int64  `json:"timestamp"`
}

// BaseParams is every field shared across transaction kinds (spec §6).
type BaseParams struct {
	From        string          `json:"from"`
	To          string          `json:"to,omitempty"`
	FeeRate     decimal.Decimal `json:"feeRate"`
	PriorityFee decimal.Decimal `json:"priorityFee"`
	GasSatFee   decimal.Decimal `json:"gasSatFee,omitempty"`
	NetworkName NetworkName     `json:"networkName"`
	TxVersion   int32           `json:"txVersion"`
	Note        string          `json:"note,omitempty"`
	Anchor      bool            `json:"anchor"`
	DebugFees   bool            `json:"debugFees,omitempty"`
}

// UTXOEnvelope mirrors txbuilder.UTXORef with binary fields hex-encoded
// (spec §6 "utxos").
type UTXOEnvelope struct {
	TransactionID       string          `json:"transactionId"`
	OutputIndex         uint32          `json:"outputIndex"`
	Value               decimal.Decimal `json:"value"`
	ScriptPubKeyHex     string          `json:"scriptPubKeyHex"`
	ScriptPubKeyAddress string          `json:"scriptPubKeyAddress,omitempty"`
	RedeemScriptHex     string          `json:"redeemScript,omitempty"`
	WitnessScriptHex    string          `json:"witnessScript,omitempty"`
	NonWitnessUtxoHex   string          `json:"nonWitnessUtxo,omitempty"`
	Kind                feeest.InputKind `json:"kind"`
}

// OutputEnvelope mirrors txbuilder.OutputSpec (spec §6 "optionalOutputs").
type OutputEnvelope struct {
	Value             decimal.Decimal   `json:"value"`
	Address           string            `json:"address,omitempty"`
	ScriptHex         string            `json:"script,omitempty"`
	TapInternalKeyHex string            `json:"tapInternalKey,omitempty"`
	Kind              feeest.OutputKind `json:"kind"`
}

// SignerMapping records which inputs an address's signer is responsible
// for (spec §6 "signerMappings").
type SignerMapping struct {
	Address      string `json:"address"`
	InputIndices []int  `json:"inputIndices"`
}

// PrecomputedData carries artifacts a cold signer should not need to
// recompute (spec §6 "precomputedData").
type PrecomputedData struct {
	CompiledTargetScriptHex string           `json:"compiledTargetScript,omitempty"`
	RandomBytesHex          string           `json:"randomBytes,omitempty"`
	EstimatedFees           *decimal.Decimal `json:"estimatedFees,omitempty"`
	ContractSeedHex         string           `json:"contractSeed,omitempty"`
	ContractAddress         string           `json:"contractAddress,omitempty"`
}

// State is the full serializable envelope (spec §6 "Serializable state
// envelope").
type State struct {
	Header          Header           `json:"header"`
	BaseParams      BaseParams       `json:"baseParams"`
	UTXOs           []UTXOEnvelope   `json:"utxos"`
	OptionalInputs  []UTXOEnvelope   `json:"optionalInputs,omitempty"`
	OptionalOutputs []OutputEnvelope `json:"optionalOutputs,omitempty"`

	AddressRotationEnabled bool            `json:"addressRotationEnabled"`
	SignerMappings         []SignerMapping `json:"signerMappings,omitempty"`

	// ChangeAddress/ChangePkScriptHex/ChangeKind describe where each
	// builder kind returns leftover value (spec §4.4's refund output);
	// Interaction/Deployment reuse Sender/SenderPkScript for this slot.
	ChangeAddress     string            `json:"changeAddress,omitempty"`
	ChangePkScriptHex string            `json:"changePkScript,omitempty"`
	ChangeKind        feeest.OutputKind `json:"changeKind,omitempty"`

	TypeSpecificData TypeSpecificData `json:"typeSpecificData"`
	PrecomputedData  PrecomputedData  `json:"precomputedData"`
}

// Marshal serializes state as deterministic JSON: field order is fixed by
// the struct definitions above and slices preserve caller order (spec §6
// "Serialize... order-preserving for UTXOs, outputs, signer mappings").
func Marshal(state State) ([]byte, error) {
	if err := validateHeader(state.Header); err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

// Unmarshal parses a previously-serialized envelope.
func Unmarshal(raw []byte) (State, error) {
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("offlinestate: unmarshal: %w", err)
	}
	if err := validateHeader(state.Header); err != nil {
		return State{}, err
	}
	return state, nil
}

func validateHeader(h Header) error {
	if h.FormatVersion != CurrentFormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedFormatVersion, h.FormatVersion)
	}
	return nil
}

// ToHex renders state as a hex transport string.
func ToHex(state State) (string, error) {
	raw, err := Marshal(state)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// FromHex parses a hex transport string produced by ToHex.
func FromHex(s string) (State, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return State{}, fmt.Errorf("offlinestate: decode hex: %w", err)
	}
	return Unmarshal(raw)
}

// ToBase64 renders state as a base64 transport string, interchangeable
// with ToHex (spec §6 "Transport: base64 or hex; interchangeable via
// toHex/fromHex").
func ToBase64(state State) (string, error) {
	raw, err := Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FromBase64 parses a base64 transport string produced by ToBase64.
func FromBase64(s string) (State, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return State{}, fmt.Errorf("offlinestate: decode base64: %w", err)
	}
	return Unmarshal(raw)
}

// transactionTypeTag renders a txbuilder.TransactionType as the envelope's
// header.transactionType string.
func transactionTypeTag(t txbuilder.TransactionType) string { return t.String() }

// parseTransactionTypeTag is the inverse of transactionTypeTag.
func parseTransactionTypeTag(tag string) (txbuilder.TransactionType, error) {
	for _, t := range []txbuilder.TransactionType{
		txbuilder.TypeFunding,
		txbuilder.TypeDeployment,
		txbuilder.TypeInteraction,
		txbuilder.TypeMultiSign,
		txbuilder.TypeCustomScript,
		txbuilder.TypeCancel,
	} {
		if t.String() == tag {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedTransactionType, tag)
}

func utxoRefToEnvelope(u txbuilder.UTXORef) UTXOEnvelope {
	return UTXOEnvelope{
		TransactionID:       u.TxID.String(),
		OutputIndex:         u.Vout,
		Value:               decimal.NewFromInt(int64(u.Value)),
		ScriptPubKeyHex:     hex.EncodeToString(u.PkScript),
		ScriptPubKeyAddress: u.Address,
		RedeemScriptHex:     hex.EncodeToString(u.RedeemScript),
		WitnessScriptHex:    hex.EncodeToString(u.WitnessScript),
		NonWitnessUtxoHex:   hex.EncodeToString(u.NonWitnessUtxo),
		Kind:                u.Kind,
	}
}

func envelopeToUTXORef(e UTXOEnvelope) (txbuilder.UTXORef, error) {
	txid, err := chainhash.NewHashFromStr(e.TransactionID)
	if err != nil {
		return txbuilder.UTXORef{}, fmt.Errorf("offlinestate: decode transactionId: %w", err)
	}
	pkScript, err := hex.DecodeString(e.ScriptPubKeyHex)
	if err != nil {
		return txbuilder.UTXORef{}, fmt.Errorf("offlinestate: decode scriptPubKeyHex: %w", err)
	}
	redeemScript, err := decodeOptionalHex(e.RedeemScriptHex)
	if err != nil {
		return txbuilder.UTXORef{}, err
	}
	witnessScript, err := decodeOptionalHex(e.WitnessScriptHex)
	if err != nil {
		return txbuilder.UTXORef{}, err
	}
	nonWitnessUtxo, err := decodeOptionalHex(e.NonWitnessUtxoHex)
	if err != nil {
		return txbuilder.UTXORef{}, err
	}
	return txbuilder.UTXORef{
		TxID:           *txid,
		Vout:           e.OutputIndex,
		Value:          uint64(e.Value.IntPart()),
		PkScript:       pkScript,
		Address:        e.ScriptPubKeyAddress,
		RedeemScript:   redeemScript,
		WitnessScript:  witnessScript,
		NonWitnessUtxo: nonWitnessUtxo,
		Kind:           e.Kind,
	}, nil
}

func outputSpecToEnvelope(o txbuilder.OutputSpec) OutputEnvelope {
	return OutputEnvelope{
		Value:             decimal.NewFromInt(int64(o.Value)),
		Address:           o.Address,
		ScriptHex:         hex.EncodeToString(o.PkScript),
		TapInternalKeyHex: hex.EncodeToString(o.TapInternalKey),
		Kind:              o.Kind,
	}
}

func envelopeToOutputSpec(e OutputEnvelope) (txbuilder.OutputSpec, error) {
	pkScript, err := hex.DecodeString(e.ScriptHex)
	if err != nil {
		return txbuilder.OutputSpec{}, fmt.Errorf("offlinestate: decode output script: %w", err)
	}
	tapInternalKey, err := decodeOptionalHex(e.TapInternalKeyHex)
	if err != nil {
		return txbuilder.OutputSpec{}, err
	}
	return txbuilder.OutputSpec{
		Value:          uint64(e.Value.IntPart()),
		PkScript:       pkScript,
		Address:        e.Address,
		TapInternalKey: tapInternalKey,
		Kind:           e.Kind,
	}, nil
}

func decodeOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode hex field: %w", err)
	}
	return b, nil
}

package offlinestate

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"

	"github.com/opnet-labs/opnettx/challenge"
	"github.com/opnet-labs/opnettx/signer"
	"github.com/opnet-labs/opnettx/txbuilder"
)

// SignerBundle supplies the cold signer's key material: the default wallet
// signer, an optional per-address rotation map, and the worker-pool cap,
// mirroring signer.Orchestrator's fields (spec §4.5, §4.6 "Reconstruct ...
// given a signer bundle").
type SignerBundle struct {
	MainSigner      signer.Signer
	ScriptSigner    signer.Signer
	RotationEnabled bool
	RotationMap     map[string]signer.Signer
	MaxParallelism  int64
}

func (sb SignerBundle) orchestrator() *signer.Orchestrator {
	return &signer.Orchestrator{
		MainSigner:      sb.MainSigner,
		ScriptSigner:    sb.ScriptSigner,
		RotationEnabled: sb.RotationEnabled,
		RotationMap:     sb.RotationMap,
		MaxParallelism:  sb.MaxParallelism,
	}
}

// validateRotation enforces spec §4.6's rotation errors before any builder
// work begins: rotation enabled with no mappings in the envelope is
// ErrMissingRotationSigners; a mapped address absent from the bundle is
// ErrSignerMissingForAddress.
func validateRotation(state State, bundle SignerBundle) error {
	if !state.AddressRotationEnabled {
		return nil
	}
	if len(state.SignerMappings) == 0 {
		return ErrMissingRotationSigners
	}
	if !bundle.RotationEnabled {
		return ErrMissingRotationSigners
	}
	for _, m := range state.SignerMappings {
		if _, ok := bundle.RotationMap[m.Address]; !ok {
			return fmt.Errorf("%w: %s", ErrSignerMissingForAddress, m.Address)
		}
	}
	return nil
}

func networkParamsFor(name NetworkName) (*chaincfg.Params, error) {
	switch name {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("offlinestate: unknown network %q", name)
	}
}

func decodePubKey(hexStr string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode pubkey: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: parse pubkey: %w", err)
	}
	return pub, nil
}

func decode32(hexStr string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("offlinestate: decode 32-byte field: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("offlinestate: expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decode33(hexStr string) ([33]byte, error) {
	var out [33]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("offlinestate: decode 33-byte field: %w", err)
	}
	if len(raw) != 33 {
		return out, fmt.Errorf("offlinestate: expected 33 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodedUTXOs(envs []UTXOEnvelope) ([]txbuilder.UTXORef, error) {
	out := make([]txbuilder.UTXORef, len(envs))
	for i, e := range envs {
		u, err := envelopeToUTXORef(e)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

func decodedOutputs(envs []OutputEnvelope) ([]txbuilder.OutputSpec, error) {
	out := make([]txbuilder.OutputSpec, len(envs))
	for i, e := range envs {
		o, err := envelopeToOutputSpec(e)
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

func decodedChallenge(t TypeSpecificData) (challenge.Solution, error) {
	submitter, err := decode33(t.ChallengeSubmitterHex)
	if err != nil {
		return challenge.Solution{}, err
	}
	solutionHash, err := decode32(t.ChallengeSolutionHashHex)
	if err != nil {
		return challenge.Solution{}, err
	}
	salt, err := decode32(t.ChallengeSaltHex)
	if err != nil {
		return challenge.Solution{}, err
	}
	graffiti, err := decode32(t.ChallengeGraffitiHex)
	if err != nil {
		return challenge.Solution{}, err
	}
	return challenge.Solution{
		Epoch:        t.ChallengeEpoch,
		Submitter:    submitter,
		SolutionHash: solutionHash,
		Salt:         salt,
		Graffiti:     graffiti,
		Difficulty:   t.ChallengeDifficulty,
	}, nil
}

// Reconstruct rebuilds, signs, and extracts the transaction an envelope
// describes, dispatching on Header.TransactionType to the matching
// builder kind (spec §4.6: "instantiate the correct builder variant by
// type tag, feed it the captured parameters, build and sign").
func Reconstruct(ctx context.Context, state State, bundle SignerBundle, logger hclog.Logger) ([]byte, error) {
	if state.Header.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormatVersion, state.Header.FormatVersion)
	}
	if err := validateRotation(state, bundle); err != nil {
		return nil, err
	}

	txType, err := parseTransactionTypeTag(state.Header.TransactionType)
	if err != nil {
		return nil, err
	}
	network, err := networkParamsFor(state.BaseParams.NetworkName)
	if err != nil {
		return nil, err
	}
	utxos, err := decodedUTXOs(state.UTXOs)
	if err != nil {
		return nil, err
	}
	feeRate, _ := state.BaseParams.FeeRate.Float64()
	orch := bundle.orchestrator()

	switch txType {
	case txbuilder.TypeFunding:
		return reconstructFunding(ctx, network, logger, feeRate, orch, state, utxos)
	case txbuilder.TypeInteraction:
		return reconstructInteraction(ctx, network, logger, feeRate, orch, state, utxos)
	case txbuilder.TypeDeployment:
		return reconstructDeployment(ctx, network, logger, feeRate, orch, state, utxos)
	case txbuilder.TypeMultiSign:
		return reconstructMultisig(network, logger, feeRate, state, utxos)
	case txbuilder.TypeCustomScript:
		return reconstructCustomScript(ctx, network, logger, feeRate, orch, state, utxos)
	case txbuilder.TypeCancel:
		return reconstructCancel(ctx, network, logger, feeRate, orch, state, utxos)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTransactionType, txType)
	}
}

func reconstructFunding(ctx context.Context, network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	outputs, err := decodedOutputs(state.OptionalOutputs)
	if err != nil {
		return nil, err
	}
	changePkScript, err := decodeOptionalHex(state.ChangePkScriptHex)
	if err != nil {
		return nil, err
	}
	params := txbuilder.FundingParams{
		Outputs:          outputs,
		To:               state.TypeSpecificData.SplitTo,
		Amount:           state.TypeSpecificData.SplitAmount,
		SplitInputsInto:  state.TypeSpecificData.SplitInputsInto,
		ChangeAddress:    state.ChangeAddress,
		ChangePkScript:   changePkScript,
		ChangeKind:       state.ChangeKind,
		AutoAdjustAmount: state.TypeSpecificData.AutoAdjustAmount,
	}
	b, err := txbuilder.NewFundingBuilder(network, logger, feeRate, orch, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos); err != nil {
		return nil, err
	}
	if err := b.Build(ctx); err != nil {
		return nil, err
	}
	if err := b.Sign(ctx); err != nil {
		return nil, err
	}
	return b.Extract()
}

func interactionParamsFrom(state State, utxos []txbuilder.UTXORef) (txbuilder.InteractionParams, error) {
	t := state.TypeSpecificData
	internalKey, err := decodePubKey(t.InternalKeyHex)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	walletSignerXOnly, err := decode32(t.WalletSignerXOnlyHex)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	payload, err := hex.DecodeString(t.PayloadHex)
	if err != nil {
		return txbuilder.InteractionParams{}, fmt.Errorf("offlinestate: decode payload: %w", err)
	}
	contractSecret, err := decode32(t.ContractSecretHex)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	features, err := featuresFrom(t.Features)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	ch, err := decodedChallenge(t)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	optionalOutputs, err := decodedOutputs(state.OptionalOutputs)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	randomBytes, err := decode32(t.RandomBytesHex)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}
	senderPkScript, err := decodeOptionalHex(state.ChangePkScriptHex)
	if err != nil {
		return txbuilder.InteractionParams{}, err
	}

	return txbuilder.InteractionParams{
		InternalKey:         internalKey,
		WalletSignerXOnly:   walletSignerXOnly,
		Sender:              state.ChangeAddress,
		SenderPkScript:      senderPkScript,
		Calldata:            payload,
		ContractSecret:      contractSecret,
		Features:            features,
		PriorityFee:         uint64(state.BaseParams.PriorityFee.IntPart()),
		Challenge:           ch,
		ChallengeLockHeight: t.ChallengeLockHeight,
		AmountSpent:         uint64(t.AmountSpent.IntPart()),
		OptionalOutputs:     optionalOutputs,
		RandomBytes:         randomBytes,
	}, nil
}

func reconstructInteraction(ctx context.Context, network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	params, err := interactionParamsFrom(state, utxos)
	if err != nil {
		return nil, err
	}
	b, err := txbuilder.NewInteractionBuilder(network, logger, feeRate, orch, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos); err != nil {
		return nil, err
	}
	if err := b.Build(ctx); err != nil {
		return nil, err
	}
	if err := b.Sign(ctx); err != nil {
		return nil, err
	}
	return b.Extract()
}

func reconstructDeployment(ctx context.Context, network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	interactionParams, err := interactionParamsFrom(state, utxos)
	if err != nil {
		return nil, err
	}
	params := txbuilder.DeploymentParams{
		InternalKey:         interactionParams.InternalKey,
		WalletSignerXOnly:   interactionParams.WalletSignerXOnly,
		Sender:              interactionParams.Sender,
		SenderPkScript:      interactionParams.SenderPkScript,
		Bytecode:            interactionParams.Calldata,
		ContractSecret:      interactionParams.ContractSecret,
		Features:            interactionParams.Features,
		PriorityFee:         interactionParams.PriorityFee,
		Challenge:           interactionParams.Challenge,
		ChallengeLockHeight: interactionParams.ChallengeLockHeight,
		AmountSpent:         interactionParams.AmountSpent,
		OptionalOutputs:     interactionParams.OptionalOutputs,
		RandomBytes:         interactionParams.RandomBytes,
	}
	b, err := txbuilder.NewDeploymentBuilder(network, logger, feeRate, orch, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos); err != nil {
		return nil, err
	}
	if err := b.Build(ctx); err != nil {
		return nil, err
	}
	if err := b.Sign(ctx); err != nil {
		return nil, err
	}
	return b.Extract()
}

func reconstructMultisig(network *chaincfg.Params, logger hclog.Logger, feeRate float64, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	t := state.TypeSpecificData
	internalKey, err := decodePubKey(t.InternalKeyHex)
	if err != nil {
		return nil, err
	}
	pubKeys := make([][32]byte, len(t.SignerXOnlyPubKeysHex))
	for i, s := range t.SignerXOnlyPubKeysHex {
		k, err := decode32(s)
		if err != nil {
			return nil, err
		}
		pubKeys[i] = k
	}
	outputs, err := decodedOutputs(state.OptionalOutputs)
	if err != nil {
		return nil, err
	}
	changePkScript, err := decodeOptionalHex(state.ChangePkScriptHex)
	if err != nil {
		return nil, err
	}
	params := txbuilder.MultisigVaultParams{
		InternalKey:        internalKey,
		SignerXOnlyPubKeys: pubKeys,
		Threshold:          t.Threshold,
		ChangeAddress:      state.ChangeAddress,
		ChangePkScript:     changePkScript,
		ChangeKind:         state.ChangeKind,
		Outputs:            outputs,
	}
	b, err := txbuilder.NewMultisigBuilder(network, logger, feeRate, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos); err != nil {
		return nil, err
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	// Multisig signatures are collected out-of-band via AddPartialSignature
	// (spec §4.3): Reconstruct discards the rebuilt draft and returns an
	// error; the caller drives txbuilder.MultisigBuilder directly, reading
	// the sighash to sign from TapscriptSighash().
	return nil, fmt.Errorf("offlinestate: multisig reconstruction requires out-of-band partial signatures; use txbuilder.MultisigBuilder directly via TapscriptSighash/AddPartialSignature")
}

func reconstructCustomScript(ctx context.Context, network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	t := state.TypeSpecificData
	internalKey, err := decodePubKey(t.InternalKeyHex)
	if err != nil {
		return nil, err
	}
	leafScript, err := hex.DecodeString(t.LeafScriptHex)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode leaf script: %w", err)
	}
	lockLeafScript, err := hex.DecodeString(t.LockLeafScriptHex)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode lock leaf script: %w", err)
	}
	witnessPrefix := make([][]byte, len(t.WitnessPrefixHex))
	for i, w := range t.WitnessPrefixHex {
		b, err := hex.DecodeString(w)
		if err != nil {
			return nil, fmt.Errorf("offlinestate: decode witness prefix element %d: %w", i, err)
		}
		witnessPrefix[i] = b
	}
	annex, err := decodeOptionalHex(t.AnnexHex)
	if err != nil {
		return nil, err
	}
	outputs, err := decodedOutputs(state.OptionalOutputs)
	if err != nil {
		return nil, err
	}
	changePkScript, err := decodeOptionalHex(state.ChangePkScriptHex)
	if err != nil {
		return nil, err
	}
	params := txbuilder.CustomScriptParams{
		InternalKey:    internalKey,
		LeafScript:     leafScript,
		LockLeafScript: lockLeafScript,
		WitnessPrefix:  witnessPrefix,
		Annex:          annex,
		Outputs:        outputs,
		ChangeAddress:  state.ChangeAddress,
		ChangePkScript: changePkScript,
		ChangeKind:     state.ChangeKind,
	}
	b, err := txbuilder.NewCustomScriptBuilder(network, logger, feeRate, orch, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos); err != nil {
		return nil, err
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	if err := b.SignKeyPathInputs(ctx); err != nil {
		return nil, err
	}
	return b.Extract()
}

func reconstructCancel(ctx context.Context, network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, state State, utxos []txbuilder.UTXORef) ([]byte, error) {
	if len(utxos) < 2 {
		return nil, fmt.Errorf("offlinestate: cancel requires an abandoned UTXO plus at least one fee UTXO")
	}
	t := state.TypeSpecificData
	internalKey, err := decodePubKey(t.InternalKeyHex)
	if err != nil {
		return nil, err
	}
	lockLeafScript, err := hex.DecodeString(t.LockLeafScriptHex)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode lock leaf script: %w", err)
	}
	targetLeafScript, err := hex.DecodeString(t.TargetLeafScriptHex)
	if err != nil {
		return nil, fmt.Errorf("offlinestate: decode target leaf script: %w", err)
	}
	recipientPkScript, err := decodeOptionalHex(t.RecipientPkScriptHex)
	if err != nil {
		return nil, err
	}
	changePkScript, err := decodeOptionalHex(state.ChangePkScriptHex)
	if err != nil {
		return nil, err
	}
	params := txbuilder.CancelParams{
		InternalKey:       internalKey,
		LockLeafScript:    lockLeafScript,
		TargetLeafScript:  targetLeafScript,
		RecipientAddress:  t.RecipientAddress,
		RecipientPkScript: recipientPkScript,
		ChangeAddress:     state.ChangeAddress,
		ChangePkScript:    changePkScript,
		ChangeKind:        state.ChangeKind,
	}
	b, err := txbuilder.NewCancelBuilder(network, logger, feeRate, orch, params)
	if err != nil {
		return nil, err
	}
	if err := b.SelectInputs(utxos[0], utxos[1:]); err != nil {
		return nil, err
	}
	if err := b.Build(); err != nil {
		return nil, err
	}
	if err := b.Sign(ctx); err != nil {
		return nil, err
	}
	return b.Extract()
}

// RebuildWithNewFees mutates only the fee-related BaseParams fields and
// returns the resulting state unreconstructed; the caller re-invokes
// Reconstruct to obtain the re-signed transaction, since changing the fee
// rate changes the change output's value and therefore every downstream
// sighash (spec §4.6: "rebuildWithNewFees(state, newFeeRate)").
func RebuildWithNewFees(state State, newFeeRate float64) (State, error) {
	if newFeeRate <= 0 {
		return State{}, fmt.Errorf("offlinestate: feeRate must be positive, got %v", newFeeRate)
	}
	out := state
	out.BaseParams.FeeRate = decimal.NewFromFloat(newFeeRate)
	return out, nil
}

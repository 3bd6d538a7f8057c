package offlinestate

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"

	"github.com/opnet-labs/opnettx/challenge"
	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/script"
	"github.com/opnet-labs/opnettx/txbuilder"
)

// Capture* functions translate the same caller-assembled parameters a
// builder is constructed from into a serializable State, so a cold signer
// can reconstruct the transaction later without the hot-wallet process
// that originally assembled it (spec §4.6). They take the *Params structs
// and UTXO set directly rather than an in-progress builder: everything
// Reconstruct needs to replay SelectInputs/Build/Sign/Extract is already
// present in those caller-supplied values, and reaching into a builder's
// unexported fields would mean exporting internals this core otherwise
// keeps private (spec §9, "dynamic dispatch -> tagged variants").

// HeaderMeta is the small set of header fields a capturing caller chooses
// rather than derives (spec §6 "header": consensusVersion, chainId,
// timestamp); FormatVersion and TransactionType are always filled in by
// the matching Capture* function.
type HeaderMeta struct {
	ConsensusVersion int32
	ChainID          string
	Timestamp        int64
}

func newState(txType txbuilder.TransactionType, meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, optionalOutputs []txbuilder.OutputSpec, changeAddress string, changePkScript []byte, changeKind feeest.OutputKind, typed TypeSpecificData) State {
	return State{
		Header: Header{
			FormatVersion:    CurrentFormatVersion,
			ConsensusVersion: meta.ConsensusVersion,
			TransactionType:  transactionTypeTag(txType),
			ChainID:          meta.ChainID,
			Timestamp:        meta.Timestamp,
		},
		BaseParams:        base,
		UTXOs:             utxoEnvelopesFrom(utxos),
		OptionalOutputs:   outputEnvelopesFrom(optionalOutputs),
		ChangeAddress:     changeAddress,
		ChangePkScriptHex: hex.EncodeToString(changePkScript),
		ChangeKind:        changeKind,
		TypeSpecificData:  typed,
	}
}

func utxoEnvelopesFrom(utxos []txbuilder.UTXORef) []UTXOEnvelope {
	out := make([]UTXOEnvelope, len(utxos))
	for i, u := range utxos {
		out[i] = utxoRefToEnvelope(u)
	}
	return out
}

func outputEnvelopesFrom(outputs []txbuilder.OutputSpec) []OutputEnvelope {
	out := make([]OutputEnvelope, len(outputs))
	for i, o := range outputs {
		out[i] = outputSpecToEnvelope(o)
	}
	return out
}

// CaptureFunding builds the envelope for a Funding transaction. When params
// was built in split mode (To/Amount/SplitInputsInto) the envelope carries
// those three fields instead of pre-resolved outputs; Reconstruct replays
// the same split the live builder would have computed.
func CaptureFunding(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.FundingParams) State {
	typed := TypeSpecificData{
		AutoAdjustAmount: params.AutoAdjustAmount,
		SplitTo:          params.To,
		SplitAmount:      params.Amount,
		SplitInputsInto:  params.SplitInputsInto,
	}
	return newState(txbuilder.TypeFunding, meta, base, utxos, params.Outputs, params.ChangeAddress, params.ChangePkScript, params.ChangeKind, typed)
}

// CaptureInteraction builds the envelope for a contract-interaction
// transaction.
func CaptureInteraction(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.InteractionParams) (State, error) {
	typed, err := interactionTypedData(params.InternalKey, params.WalletSignerXOnly, params.Calldata, params.ContractSecret, params.Features, params.Challenge, params.ChallengeLockHeight, params.AmountSpent, params.RandomBytes)
	if err != nil {
		return State{}, err
	}
	base.From = params.Sender
	return newState(txbuilder.TypeInteraction, meta, base, utxos, params.OptionalOutputs, params.Sender, params.SenderPkScript, feeest.OutputP2TR, typed), nil
}

// CaptureDeployment builds the envelope for a contract-deployment
// transaction; it shares Interaction's typed-data shape with Bytecode
// occupying the PayloadHex slot (mirroring
// DeploymentParams.toInteractionParams).
func CaptureDeployment(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.DeploymentParams) (State, error) {
	typed, err := interactionTypedData(params.InternalKey, params.WalletSignerXOnly, params.Bytecode, params.ContractSecret, params.Features, params.Challenge, params.ChallengeLockHeight, params.AmountSpent, params.RandomBytes)
	if err != nil {
		return State{}, err
	}
	base.From = params.Sender
	return newState(txbuilder.TypeDeployment, meta, base, utxos, params.OptionalOutputs, params.Sender, params.SenderPkScript, feeest.OutputP2TR, typed), nil
}

func interactionTypedData(internalKey *btcec.PublicKey, walletSignerXOnly [32]byte, payload []byte, contractSecret [32]byte, features []script.Feature, ch challenge.Solution, lockHeight int64, amountSpent uint64, randomBytes [32]byte) (TypeSpecificData, error) {
	featureData, err := featureDataSliceFrom(features)
	if err != nil {
		return TypeSpecificData{}, err
	}
	return TypeSpecificData{
		InternalKeyHex:           hex.EncodeToString(internalKey.SerializeCompressed()),
		WalletSignerXOnlyHex:     hex.EncodeToString(walletSignerXOnly[:]),
		PayloadHex:               hex.EncodeToString(payload),
		ContractSecretHex:        hex.EncodeToString(contractSecret[:]),
		Features:                 featureData,
		ChallengeEpoch:           ch.Epoch,
		ChallengeSubmitterHex:    hex.EncodeToString(ch.Submitter[:]),
		ChallengeSolutionHashHex: hex.EncodeToString(ch.SolutionHash[:]),
		ChallengeSaltHex:         hex.EncodeToString(ch.Salt[:]),
		ChallengeGraffitiHex:     hex.EncodeToString(ch.Graffiti[:]),
		ChallengeDifficulty:      ch.Difficulty,
		ChallengeLockHeight:      lockHeight,
		AmountSpent:              decimal.NewFromInt(int64(amountSpent)),
		RandomBytesHex:           hex.EncodeToString(randomBytes[:]),
	}, nil
}

// CaptureMultisig builds the envelope for a multisig-vault transaction.
func CaptureMultisig(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.MultisigVaultParams) State {
	pubKeys := make([]string, len(params.SignerXOnlyPubKeys))
	for i, k := range params.SignerXOnlyPubKeys {
		pubKeys[i] = hex.EncodeToString(k[:])
	}
	typed := TypeSpecificData{
		InternalKeyHex:        hex.EncodeToString(params.InternalKey.SerializeCompressed()),
		SignerXOnlyPubKeysHex: pubKeys,
		Threshold:             params.Threshold,
	}
	return newState(txbuilder.TypeMultiSign, meta, base, utxos, params.Outputs, params.ChangeAddress, params.ChangePkScript, params.ChangeKind, typed)
}

// CaptureCustomScript builds the envelope for a custom-script transaction.
func CaptureCustomScript(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.CustomScriptParams) State {
	witnessPrefix := make([]string, len(params.WitnessPrefix))
	for i, w := range params.WitnessPrefix {
		witnessPrefix[i] = hex.EncodeToString(w)
	}
	typed := TypeSpecificData{
		InternalKeyHex:    hex.EncodeToString(params.InternalKey.SerializeCompressed()),
		LeafScriptHex:     hex.EncodeToString(params.LeafScript),
		LockLeafScriptHex: hex.EncodeToString(params.LockLeafScript),
		WitnessPrefixHex:  witnessPrefix,
		AnnexHex:          hex.EncodeToString(params.Annex),
	}
	return newState(txbuilder.TypeCustomScript, meta, base, utxos, params.Outputs, params.ChangeAddress, params.ChangePkScript, params.ChangeKind, typed)
}

// CaptureCancel builds the envelope for a lock-leaf reclaim transaction.
// utxos must be [abandonedUTXO, feeUTXOs...], matching
// CancelBuilder.SelectInputs's argument order.
func CaptureCancel(meta HeaderMeta, base BaseParams, utxos []txbuilder.UTXORef, params txbuilder.CancelParams) State {
	typed := TypeSpecificData{
		InternalKeyHex:       hex.EncodeToString(params.InternalKey.SerializeCompressed()),
		LockLeafScriptHex:    hex.EncodeToString(params.LockLeafScript),
		TargetLeafScriptHex:  hex.EncodeToString(params.TargetLeafScript),
		RecipientAddress:     params.RecipientAddress,
		RecipientPkScriptHex: hex.EncodeToString(params.RecipientPkScript),
	}
	return newState(txbuilder.TypeCancel, meta, base, utxos, nil, params.ChangeAddress, params.ChangePkScript, params.ChangeKind, typed)
}

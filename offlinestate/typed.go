package offlinestate

import (
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opnet-labs/opnettx/script"
)

// FeatureData is a tagged-variant encoding of script.Feature: the script
// package exposes only a concrete Encode() per feature type and no generic
// decoder, so the envelope carries each feature's individual typed fields
// rather than its encoded bytes (spec §4.1 feature set, §6 envelope).
type FeatureData struct {
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`

	// access_list
	SlotsHex []string `json:"slots,omitempty"`

	// epoch_submission
	Epoch           uint64 `json:"epoch,omitempty"`
	SolutionHashHex string `json:"solutionHash,omitempty"`

	// mldsa_link
	PublicKeyHex string `json:"publicKey,omitempty"`
}

const (
	featureKindAccessList      = "access_list"
	featureKindEpochSubmission = "epoch_submission"
	featureKindMLDSALink       = "mldsa_link"
)

// featureDataFrom converts a concrete script.Feature into its envelope
// representation.
func featureDataFrom(f script.Feature) (FeatureData, error) {
	switch v := f.(type) {
	case script.AccessListFeature:
		slots := make([]string, len(v.Slots))
		for i, s := range v.Slots {
			slots[i] = hex.EncodeToString(s)
		}
		return FeatureData{Kind: featureKindAccessList, Priority: v.PriorityValue, SlotsHex: slots}, nil
	case script.EpochSubmissionFeature:
		return FeatureData{
			Kind:            featureKindEpochSubmission,
			Priority:        v.PriorityValue,
			Epoch:           v.Epoch,
			SolutionHashHex: hex.EncodeToString(v.SolutionHash[:]),
		}, nil
	case script.MLDSALinkFeature:
		return FeatureData{Kind: featureKindMLDSALink, Priority: v.PriorityValue, PublicKeyHex: hex.EncodeToString(v.PublicKey)}, nil
	default:
		return FeatureData{}, fmt.Errorf("offlinestate: unsupported feature type %T", f)
	}
}

// toFeature is the inverse of featureDataFrom.
func (d FeatureData) toFeature() (script.Feature, error) {
	switch d.Kind {
	case featureKindAccessList:
		slots := make([][]byte, len(d.SlotsHex))
		for i, s := range d.SlotsHex {
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("offlinestate: decode access list slot: %w", err)
			}
			slots[i] = b
		}
		return script.AccessListFeature{PriorityValue: d.Priority, Slots: slots}, nil
	case featureKindEpochSubmission:
		hashBytes, err := hex.DecodeString(d.SolutionHashHex)
		if err != nil {
			return nil, fmt.Errorf("offlinestate: decode epoch submission solution hash: %w", err)
		}
		if len(hashBytes) != 32 {
			return nil, fmt.Errorf("offlinestate: epoch submission solution hash must be 32 bytes, got %d", len(hashBytes))
		}
		return script.EpochSubmissionFeature{PriorityValue: d.Priority, Epoch: d.Epoch, SolutionHash: [32]byte(hashBytes)}, nil
	case featureKindMLDSALink:
		pub, err := hex.DecodeString(d.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("offlinestate: decode ML-DSA public key: %w", err)
		}
		return script.MLDSALinkFeature{PriorityValue: d.Priority, PublicKey: pub}, nil
	default:
		return nil, fmt.Errorf("%w: feature kind %q", ErrUnsupportedTransactionType, d.Kind)
	}
}

func featureDataSliceFrom(features []script.Feature) ([]FeatureData, error) {
	out := make([]FeatureData, len(features))
	for i, f := range features {
		d, err := featureDataFrom(f)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func featuresFrom(data []FeatureData) ([]script.Feature, error) {
	out := make([]script.Feature, len(data))
	for i, d := range data {
		f, err := d.toFeature()
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// TypeSpecificData is the envelope's per-builder-kind payload (spec §6
// "typeSpecificData"). It is a single flat struct, discriminated by the
// envelope's Header.TransactionType rather than by a field of its own,
// instead of a polymorphic interface: DESIGN.md records the tradeoff,
// mirroring core.go's "replacing the source's inheritance-based dispatch
// with a sum type" choice. Only the fields relevant to
// Header.TransactionType are populated; the rest are left at their zero
// value and omitted from JSON, except AmountSpent, which is always
// emitted.
type TypeSpecificData struct {
	// Funding
	AutoAdjustAmount bool `json:"autoAdjustAmount,omitempty"`

	// Funding split mode (spec §4.3): set instead of OptionalOutputs when
	// the captured builder used FundingParams.To/Amount/SplitInputsInto
	// rather than caller-supplied outputs. Reconstruct resolves the split
	// the same way the live builder does, so the envelope never needs to
	// freeze the individual split outputs.
	SplitTo         string `json:"splitTo,omitempty"`
	SplitAmount     uint64 `json:"splitAmount,omitempty"`
	SplitInputsInto int    `json:"splitInputsInto,omitempty"`

	// Interaction / Deployment (shared shape; Deployment's bytecode and
	// Interaction's calldata occupy the same PayloadHex slot, mirroring
	// DeploymentParams.toInteractionParams()).
	InternalKeyHex       string        `json:"internalKey,omitempty"`
	WalletSignerXOnlyHex string        `json:"walletSignerXOnly,omitempty"`
	PayloadHex           string        `json:"payload,omitempty"`
	ContractSecretHex    string        `json:"contractSecret,omitempty"`
	Features             []FeatureData `json:"features,omitempty"`

	ChallengeEpoch           uint64 `json:"challengeEpoch,omitempty"`
	ChallengeSubmitterHex    string `json:"challengeSubmitter,omitempty"`
	ChallengeSolutionHashHex string `json:"challengeSolutionHash,omitempty"`
	ChallengeSaltHex         string `json:"challengeSalt,omitempty"`
	ChallengeGraffitiHex     string `json:"challengeGraffiti,omitempty"`
	ChallengeDifficulty      uint32 `json:"challengeDifficulty,omitempty"`
	ChallengeLockHeight      int64  `json:"challengeLockHeight,omitempty"`

	AmountSpent    decimal.Decimal `json:"amountSpent"`
	RandomBytesHex string          `json:"randomBytes,omitempty"`

	// MultiSig
	SignerXOnlyPubKeysHex []string `json:"signerXOnlyPubKeys,omitempty"`
	Threshold             int      `json:"threshold,omitempty"`

	// CustomScript (LeafScriptHex/LockLeafScriptHex/InternalKeyHex shared
	// with the fields above where applicable; LockLeafScriptHex also used
	// by Cancel, TargetLeafScriptHex only by Cancel).
	LeafScriptHex     string   `json:"leafScript,omitempty"`
	LockLeafScriptHex string   `json:"lockLeafScript,omitempty"`
	WitnessPrefixHex  []string `json:"witnessPrefix,omitempty"`
	AnnexHex          string   `json:"annex,omitempty"`

	// Cancel
	TargetLeafScriptHex  string `json:"targetLeafScript,omitempty"`
	RecipientAddress     string `json:"recipientAddress,omitempty"`
	RecipientPkScriptHex string `json:"recipientPkScript,omitempty"`
}

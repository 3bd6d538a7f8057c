// Deployment shares Interaction's output layout (miner reward, optional
// outputs, refund) and witness shape, but the target leaf embeds the
// contract's bytecode instead of a calldata payload (spec §4.3: "contract
// bytecode in the target leaf, otherwise same output layout as
// Interaction").
package txbuilder

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/challenge"
	"github.com/opnet-labs/opnettx/script"
	"github.com/opnet-labs/opnettx/signer"
)

// DeploymentParams mirrors InteractionParams with Bytecode standing in for
// Calldata; the underlying leaf compiler treats both as the same
// compressed-blob slot (spec §4.1).
type DeploymentParams struct {
	InternalKey       *btcec.PublicKey
	WalletSignerXOnly [32]byte
	Sender            string
	SenderPkScript    []byte

	Bytecode       []byte
	ContractSecret [32]byte
	Features       []script.Feature
	PriorityFee    uint64

	Challenge           challenge.Solution
	ChallengeLockHeight int64
	AmountSpent         uint64

	OptionalOutputs []OutputSpec
	RandomBytes     [32]byte
}

func (p DeploymentParams) toInteractionParams() InteractionParams {
	return InteractionParams{
		InternalKey:         p.InternalKey,
		WalletSignerXOnly:   p.WalletSignerXOnly,
		Sender:              p.Sender,
		SenderPkScript:      p.SenderPkScript,
		Calldata:            p.Bytecode,
		ContractSecret:      p.ContractSecret,
		Features:            p.Features,
		PriorityFee:         p.PriorityFee,
		Challenge:           p.Challenge,
		ChallengeLockHeight: p.ChallengeLockHeight,
		AmountSpent:         p.AmountSpent,
		OptionalOutputs:     p.OptionalOutputs,
		RandomBytes:         p.RandomBytes,
	}
}

// DeploymentBuilder assembles, signs, and extracts a contract-deployment
// transaction. It delegates its entire state machine to an embedded
// InteractionBuilder configured with the bytecode in place of calldata,
// since the two kinds differ only in what the target leaf's compressed
// blob represents, not in how it is built, signed, or finalized.
type DeploymentBuilder struct {
	*InteractionBuilder
}

// NewDeploymentBuilder constructs a Deployment builder in StateCreated.
func NewDeploymentBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params DeploymentParams) (*DeploymentBuilder, error) {
	ib, err := NewInteractionBuilder(network, logger, feeRate, orch, params.toInteractionParams())
	if err != nil {
		return nil, err
	}
	ib.core.Kind = TypeDeployment
	ib.core.Logger = ib.core.Logger.Named(TypeDeployment.String())
	return &DeploymentBuilder{InteractionBuilder: ib}, nil
}

package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/signer"
)

func newTestP2WDAParams(t *testing.T) (InteractionP2WDAParams, *signer.Orchestrator) {
	t.Helper()
	base, orch := newTestInteractionParams(t)
	params := InteractionP2WDAParams{
		InternalKey:         base.InternalKey,
		WalletSignerXOnly:   base.WalletSignerXOnly,
		Sender:              base.Sender,
		SenderPkScript:      base.SenderPkScript,
		WitnessFields:       [][]byte{[]byte("field one"), []byte("field two")},
		ContractSecret:      base.ContractSecret,
		PriorityFee:         base.PriorityFee,
		Challenge:           base.Challenge,
		ChallengeLockHeight: base.ChallengeLockHeight,
		AmountSpent:         base.AmountSpent,
		RandomBytes:         base.RandomBytes,
	}
	return params, orch
}

func TestInteractionP2WDABuilderEndToEnd(t *testing.T) {
	params, orch := newTestP2WDAParams(t)

	b, err := NewInteractionP2WDABuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 2.0, orch, params)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.SelectInputs(testInputs()); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	ctx := context.Background()
	if err := b.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := b.Sign(ctx); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := b.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty transaction")
	}
	if len(b.Tx.TxIn[0].Witness) != len(params.WitnessFields)+4 {
		t.Fatalf("expected %d witness elements (fields + 2 sigs + leaf + control block), got %d",
			len(params.WitnessFields)+4, len(b.Tx.TxIn[0].Witness))
	}
}

func TestInteractionP2WDABuilderRejectsTooManyFields(t *testing.T) {
	params, _ := newTestP2WDAParams(t)
	fields := make([][]byte, maxP2WDAWitnessFields+1)
	for i := range fields {
		fields[i] = []byte{0x01}
	}
	params.WitnessFields = fields
	if _, err := NewInteractionP2WDABuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 2.0, nil, params); err == nil {
		t.Fatalf("expected error constructing with too many witness fields")
	}
}

func TestInteractionP2WDABuilderRejectsOversizedField(t *testing.T) {
	params, _ := newTestP2WDAParams(t)
	params.WitnessFields = [][]byte{make([]byte, maxP2WDAWitnessFieldSize+1)}
	if _, err := NewInteractionP2WDABuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 2.0, nil, params); err == nil {
		t.Fatalf("expected error constructing with an oversized witness field")
	}
}

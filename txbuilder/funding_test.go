package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/signer"
)

func fundingTestOrchestrator(t *testing.T) (*signer.Orchestrator, string) {
	t.Helper()
	kp, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := "wallet"
	return &signer.Orchestrator{MainSigner: &signer.LocalKeySigner{AddressValue: addr, Keypair: kp}}, addr
}

func TestFundingBuilderWithChange(t *testing.T) {
	orch, addr := fundingTestOrchestrator(t)
	params := FundingParams{
		Outputs:        []OutputSpec{{Value: 10_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
		ChangeAddress:  addr,
		ChangePkScript: []byte{0x51, 0x20},
		ChangeKind:     feeest.OutputP2TR,
	}
	b, err := NewFundingBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, params)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.SelectInputs([]UTXORef{{Value: 100_000, Address: addr, PkScript: []byte{0x51, 0x20}, Kind: feeest.InputP2TRKeyPath}}); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	ctx := context.Background()
	if err := b.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Outputs) != 2 {
		t.Fatalf("expected a change output to be added, got %d outputs", len(b.Outputs))
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
}

func TestFundingBuilderAutoAdjustSpendsWholeBalance(t *testing.T) {
	orch, addr := fundingTestOrchestrator(t)
	params := FundingParams{
		Outputs:          []OutputSpec{{Value: 100_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
		AutoAdjustAmount: true,
	}
	b, err := NewFundingBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, params)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.SelectInputs([]UTXORef{{Value: 100_000, Address: addr, PkScript: []byte{0x51, 0x20}, Kind: feeest.InputP2TRKeyPath}}); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	if err := b.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Outputs) != 1 {
		t.Fatalf("expected no change output under auto-adjust, got %d", len(b.Outputs))
	}
	if b.Outputs[0].Value >= 100_000 {
		t.Fatalf("expected the sole output to shrink by the fee, got %d", b.Outputs[0].Value)
	}
}

// TestFundingBuilderSplitInputsInto exercises spec §8 scenario 1: a single
// 200,000-sat UTXO, amount=100,000, splitInputsInto=3, feeRate=1 sat/vB
// should yield >=3 outputs of value ~33,333 plus a change output.
func TestFundingBuilderSplitInputsInto(t *testing.T) {
	orch, addr := fundingTestOrchestrator(t)

	destKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate destination key: %v", err)
	}
	// A P2WPKH destination and change keep this 1-input, 4-output
	// transaction inside the scenario's vsize bound: 11 + 58 + 4*31 = 193.
	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(destKey.PublicKeyCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive destination address: %v", err)
	}

	params := FundingParams{
		To:              destAddr.EncodeAddress(),
		Amount:          100_000,
		SplitInputsInto: 3,
		ChangeAddress:   addr,
		ChangePkScript:  []byte{0x00, 0x14},
		ChangeKind:      feeest.OutputP2WPKH,
	}
	b, err := NewFundingBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, params)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := b.SelectInputs([]UTXORef{{Value: 200_000, Address: addr, PkScript: []byte{0x51, 0x20}, Kind: feeest.InputP2TRKeyPath}}); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	ctx := context.Background()
	if err := b.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Outputs) < 3 {
		t.Fatalf("expected at least 3 outputs, got %d", len(b.Outputs))
	}

	var splitTotal uint64
	for i := 0; i < 3; i++ {
		v := b.Outputs[i].Value
		splitTotal += v
		if v < 33_000 || v > 33_667 {
			t.Fatalf("split output %d = %d, want ~33,333", i, v)
		}
	}
	if splitTotal != params.Amount {
		t.Fatalf("split outputs summed to %d, want %d", splitTotal, params.Amount)
	}

	if b.VSize < 140 || b.VSize > 200 {
		t.Fatalf("vsize %d outside spec §8 scenario 1 bound [140, 200]", b.VSize)
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
}

func TestFundingBuilderRejectsNoOutputs(t *testing.T) {
	orch, _ := fundingTestOrchestrator(t)
	if _, err := NewFundingBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, FundingParams{}); err == nil {
		t.Fatalf("expected error constructing a builder with zero outputs")
	}
}

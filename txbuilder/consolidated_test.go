package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/signer"
)

func TestChunkPayloadAndGroupChunks(t *testing.T) {
	payload := make([]byte, 250)
	chunks := ChunkPayload(payload)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks of <=80 bytes for a 250-byte payload, got %d", len(chunks))
	}
	if len(chunks[len(chunks)-1]) != 10 {
		t.Fatalf("expected final chunk to hold the 10-byte remainder, got %d", len(chunks[len(chunks)-1]))
	}

	groups, err := GroupChunks(chunks)
	if err != nil {
		t.Fatalf("group chunks: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 output group for 4 chunks, got %d", len(groups))
	}
}

func TestGroupChunksRejectsTooManyOutputs(t *testing.T) {
	chunks := make([][]byte, (maxConsolidatedOutputs+1)*maxChunksPerOutput)
	for i := range chunks {
		chunks[i] = []byte{0x01}
	}
	if _, err := GroupChunks(chunks); err == nil {
		t.Fatalf("expected error when chunk count needs more than %d outputs", maxConsolidatedOutputs)
	}
}

func consolidatedSetupTestOrchestrator(t *testing.T) (*signer.Orchestrator, string) {
	t.Helper()
	kp, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := "funder"
	return &signer.Orchestrator{MainSigner: &signer.LocalKeySigner{AddressValue: addr, Keypair: kp}}, addr
}

func TestConsolidatedSetupAndRevealRoundTrip(t *testing.T) {
	orch, addr := consolidatedSetupTestOrchestrator(t)
	payload := []byte("compiled target leaf bytes that exceed a single standard output")

	scriptSignerKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate script-signer key: %v", err)
	}
	scriptSigner := &signer.LocalKeySigner{AddressValue: "script-signer", Keypair: scriptSignerKey}

	setupParams := ConsolidatedSetupParams{
		Payload:          payload,
		PubKeyCompressed: scriptSignerKey.PublicKeyCompressed(),
		ChangeAddress:    addr,
		ChangePkScript:   []byte{0x51, 0x20},
		ChangeKind:       feeest.OutputP2TR,
		// The reveal has no other inputs, so each commitment output must
		// carry enough to pay the reveal's 500-sat output plus its fee.
		CommitmentValue: 10_000,
	}
	setup, err := NewConsolidatedSetupBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, setupParams)
	if err != nil {
		t.Fatalf("new setup builder: %v", err)
	}
	if err := setup.SelectInputs([]UTXORef{{Value: 1_000_000, Address: addr, Kind: feeest.InputP2TRKeyPath}}); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	if err := setup.Build(); err != nil {
		t.Fatalf("build setup: %v", err)
	}
	if len(setup.ChunkGroups) == 0 {
		t.Fatalf("expected at least one chunk group")
	}

	ctx := context.Background()
	if err := setup.Sign(ctx); err != nil {
		t.Fatalf("sign setup: %v", err)
	}
	setupRaw, err := setup.Extract()
	if err != nil {
		t.Fatalf("extract setup: %v", err)
	}
	if len(setupRaw) == 0 {
		t.Fatalf("expected non-empty setup transaction")
	}

	values := make([]uint64, len(setup.ChunkGroups))
	for i := range values {
		values[i] = setup.Outputs[i].Value
	}

	revealParams := ConsolidatedRevealParams{
		SetupTxID:      setup.Tx.TxHash(),
		ChunkGroups:    setup.ChunkGroups,
		Witnesses:      setup.Witnesses,
		Values:         values,
		Signer:         scriptSigner,
		Outputs:        []OutputSpec{{Value: 500, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
		ChangeAddress:  addr,
		ChangePkScript: []byte{0x51, 0x20},
		ChangeKind:     feeest.OutputP2TR,
	}
	reveal, err := NewConsolidatedRevealBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, revealParams)
	if err != nil {
		t.Fatalf("new reveal builder: %v", err)
	}
	if err := reveal.Build(); err != nil {
		t.Fatalf("build reveal: %v", err)
	}
	if err := reveal.Sign(ctx); err != nil {
		t.Fatalf("sign reveal: %v", err)
	}
	rawReveal, err := reveal.Extract()
	if err != nil {
		t.Fatalf("extract reveal: %v", err)
	}
	if len(rawReveal) == 0 {
		t.Fatalf("expected non-empty reveal transaction")
	}
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(setup.ChunkGroups))
	for i := range setup.ChunkGroups {
		prevOuts[reveal.Tx.TxIn[i].PreviousOutPoint] = &wire.TxOut{
			Value:    int64(values[i]),
			PkScript: setup.Outputs[i].PkScript,
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(reveal.Tx, fetcher)

	for i, group := range setup.ChunkGroups {
		witness := reveal.Tx.TxIn[i].Witness
		if len(witness) != len(group)+2 {
			t.Fatalf("input %d: expected %d witness elements, got %d", i, len(group)+2, len(witness))
		}

		vm, err := txscript.NewEngine(
			setup.Outputs[i].PkScript, reveal.Tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, int64(values[i]), fetcher,
		)
		if err != nil {
			t.Fatalf("input %d: new script engine: %v", i, err)
		}
		if err := vm.Execute(); err != nil {
			t.Fatalf("input %d: script verification failed: %v", i, err)
		}
	}
}

func TestNewConsolidatedRevealBuilderRejectsLengthMismatch(t *testing.T) {
	params := ConsolidatedRevealParams{
		ChunkGroups: [][][]byte{{[]byte("a")}},
		Witnesses:   nil,
		Values:      []uint64{1},
	}
	if _, err := NewConsolidatedRevealBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, params); err == nil {
		t.Fatalf("expected error for mismatched reveal params lengths")
	}
}

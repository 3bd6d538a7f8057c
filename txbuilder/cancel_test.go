package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/signer"
)

func TestCancelBuilderEndToEnd(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}
	targetLeafScript, err := txscript.NewScriptBuilder().AddOp(txscript.OP_TRUE).Script()
	if err != nil {
		t.Fatalf("build target leaf: %v", err)
	}
	lockLeafScript, err := txscript.NewScriptBuilder().
		AddData(walletKey.XOnlyPublicKey()[:]).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		t.Fatalf("build lock leaf: %v", err)
	}

	orch := &signer.Orchestrator{MainSigner: &signer.LocalKeySigner{AddressValue: "wallet", Keypair: walletKey}}
	params := CancelParams{
		InternalKey:       walletKey.PrivateKey().PubKey(),
		LockLeafScript:    lockLeafScript,
		TargetLeafScript:  targetLeafScript,
		RecipientAddress:  "recipient",
		RecipientPkScript: []byte{0x51, 0x20},
		ChangeAddress:     "wallet",
		ChangePkScript:    []byte{0x51, 0x20},
		ChangeKind:        feeest.OutputP2TR,
	}

	b, err := NewCancelBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, orch, params)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	var abandonedTxID, feeTxID chainhash.Hash
	abandonedTxID[0] = 21
	feeTxID[0] = 22
	abandoned := UTXORef{TxID: abandonedTxID, Vout: 0, Value: 80_000, Kind: feeest.InputP2TRScriptPath}
	feeUTXO := UTXORef{TxID: feeTxID, Vout: 0, Value: 20_000, Kind: feeest.InputP2TRKeyPath, Address: "wallet"}

	if err := b.SelectInputs(abandoned, []UTXORef{feeUTXO}); err != nil {
		t.Fatalf("select inputs: %v", err)
	}
	if err := b.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if b.Outputs[0].Value != abandoned.Value {
		t.Fatalf("expected recipient output to receive the abandoned UTXO's full value, got %d", b.Outputs[0].Value)
	}

	if err := b.Sign(context.Background()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := b.Extract()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty transaction")
	}
	if len(b.Tx.TxIn[0].Witness) != 3 {
		t.Fatalf("expected 3-element lock-leaf witness, got %d", len(b.Tx.TxIn[0].Witness))
	}
}

func TestCancelBuilderRequiresFeeUTXO(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}
	b, err := NewCancelBuilder(&chaincfg.RegressionNetParams, hclog.NewNullLogger(), 1.0, nil, CancelParams{InternalKey: walletKey.PrivateKey().PubKey()})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	var txid chainhash.Hash
	txid[0] = 1
	if err := b.SelectInputs(UTXORef{TxID: txid, Value: 80_000}, nil); err == nil {
		t.Fatalf("expected error selecting inputs with no fee UTXO")
	}
}

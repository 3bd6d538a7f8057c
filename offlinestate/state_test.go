package offlinestate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"

	"github.com/opnet-labs/opnettx/challenge"
	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/signer"
	"github.com/opnet-labs/opnettx/txbuilder"
)

func testHeaderMeta() HeaderMeta {
	return HeaderMeta{ConsensusVersion: 1, ChainID: "regtest", Timestamp: 1_700_000_000}
}

func testBaseParams() BaseParams {
	return BaseParams{
		FeeRate:     decimal.NewFromFloat(1.5),
		PriorityFee: decimal.NewFromInt(500),
		NetworkName: NetworkRegtest,
		TxVersion:   2,
		Anchor:      true,
	}
}

func testUTXORefs() []txbuilder.UTXORef {
	var txid0, txid1 chainhash.Hash
	txid0[0] = 1
	txid1[0] = 2
	return []txbuilder.UTXORef{
		{TxID: txid0, Vout: 0, Value: 100_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.InputP2TRKeyPath, Address: "wallet"},
		{TxID: txid1, Vout: 1, Value: 50_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.InputP2TRKeyPath, Address: "wallet"},
	}
}

func TestFundingCaptureRoundTripAndReconstruct(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}

	params := txbuilder.FundingParams{
		Outputs:        []txbuilder.OutputSpec{{Value: 10_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
		ChangeAddress:  "wallet",
		ChangePkScript: []byte{0x51, 0x20},
		ChangeKind:     feeest.OutputP2TR,
	}
	utxos := testUTXORefs()
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), utxos, params)

	if state.Header.TransactionType != txbuilder.TypeFunding.String() {
		t.Fatalf("unexpected transaction type tag %q", state.Header.TransactionType)
	}
	if state.Header.ConsensusVersion != 1 || state.Header.ChainID != "regtest" {
		t.Fatalf("header metadata not captured: %+v", state.Header)
	}
	if len(state.UTXOs) != 2 {
		t.Fatalf("expected 2 captured utxos, got %d", len(state.UTXOs))
	}

	hexPayload, err := ToHex(state)
	if err != nil {
		t.Fatalf("to hex: %v", err)
	}
	roundTripped, err := FromHex(hexPayload)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if roundTripped.BaseParams.NetworkName != NetworkRegtest {
		t.Fatalf("network name lost across hex round trip")
	}

	b64Payload, err := ToBase64(state)
	if err != nil {
		t.Fatalf("to base64: %v", err)
	}
	fromB64, err := FromBase64(b64Payload)
	if err != nil {
		t.Fatalf("from base64: %v", err)
	}
	if fromB64.ChangeAddress != "wallet" {
		t.Fatalf("change address lost across base64 round trip")
	}

	bundle := SignerBundle{MainSigner: &signer.LocalKeySigner{AddressValue: "wallet", Keypair: walletKey}}
	raw, err := Reconstruct(context.Background(), roundTripped, bundle, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty extracted transaction")
	}
}

// TestFundingSplitCaptureRoundTripAndReconstruct checks that a Funding
// envelope captured in split mode (To/Amount/SplitInputsInto, no
// caller-supplied Outputs) carries those three fields through a hex round
// trip and that Reconstruct replays the same equal-way split the live
// builder would have computed.
func TestFundingSplitCaptureRoundTripAndReconstruct(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}
	destKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate destination key: %v", err)
	}
	destXOnly := destKey.XOnlyPublicKey()
	destAddr, err := btcutil.NewAddressTaproot(destXOnly[:], &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive destination address: %v", err)
	}

	params := txbuilder.FundingParams{
		To:              destAddr.EncodeAddress(),
		Amount:          100_000,
		SplitInputsInto: 3,
		ChangeAddress:   "wallet",
		ChangePkScript:  []byte{0x51, 0x20},
		ChangeKind:      feeest.OutputP2TR,
	}
	utxos := []txbuilder.UTXORef{testUTXORefs()[0]}
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), utxos, params)

	if len(state.OptionalOutputs) != 0 {
		t.Fatalf("expected no pre-resolved outputs in split mode, got %d", len(state.OptionalOutputs))
	}
	if state.TypeSpecificData.SplitInputsInto != 3 || state.TypeSpecificData.SplitAmount != 100_000 {
		t.Fatalf("split parameters not captured: %+v", state.TypeSpecificData)
	}

	hexPayload, err := ToHex(state)
	if err != nil {
		t.Fatalf("to hex: %v", err)
	}
	roundTripped, err := FromHex(hexPayload)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if roundTripped.TypeSpecificData.SplitTo != params.To {
		t.Fatalf("split destination lost across hex round trip")
	}

	bundle := SignerBundle{MainSigner: &signer.LocalKeySigner{AddressValue: "wallet", Keypair: walletKey}}
	raw, err := Reconstruct(context.Background(), roundTripped, bundle, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty extracted transaction")
	}
}

func TestInteractionCaptureRoundTripAndReconstruct(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}
	randomBytes := [32]byte{9, 9, 9, 9}
	scriptSignerKP, err := keys.DeriveScriptSignerKeypair(randomBytes)
	if err != nil {
		t.Fatalf("derive script signer: %v", err)
	}
	senderPkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(walletKey.XOnlyPublicKey()[:]).
		Script()
	if err != nil {
		t.Fatalf("build sender pkscript: %v", err)
	}

	var submitter [33]byte
	copy(submitter[:], walletKey.PublicKeyCompressed())

	params := txbuilder.InteractionParams{
		InternalKey:       walletKey.PrivateKey().PubKey(),
		WalletSignerXOnly: walletKey.XOnlyPublicKey(),
		Sender:            "sender",
		SenderPkScript:    senderPkScript,
		Calldata:          []byte("contract call payload"),
		ContractSecret:    [32]byte{1, 2, 3, 4, 5},
		PriorityFee:       500,
		Challenge: challenge.Solution{
			Epoch:        7,
			Submitter:    submitter,
			SolutionHash: [32]byte{6, 7, 8},
			Salt:         [32]byte{9, 10, 11},
			Difficulty:   1,
		},
		ChallengeLockHeight: 800_000,
		AmountSpent:         1_000,
		RandomBytes:         randomBytes,
	}
	utxos := testUTXORefs()
	state, err := CaptureInteraction(testHeaderMeta(), testBaseParams(), utxos, params)
	if err != nil {
		t.Fatalf("capture interaction: %v", err)
	}
	if state.ChangeAddress != "sender" {
		t.Fatalf("expected sender captured as the change slot, got %q", state.ChangeAddress)
	}

	raw, err := Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	unmarshaled, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if unmarshaled.TypeSpecificData.ChallengeEpoch != 7 {
		t.Fatalf("challenge epoch lost across round trip")
	}
	if len(unmarshaled.TypeSpecificData.PayloadHex) == 0 {
		t.Fatalf("expected calldata payload to survive round trip")
	}

	bundle := SignerBundle{
		MainSigner:   &signer.LocalKeySigner{AddressValue: "sender", Keypair: walletKey},
		ScriptSigner: &signer.LocalKeySigner{AddressValue: "script-signer", Keypair: scriptSignerKP},
	}
	raw2, err := Reconstruct(context.Background(), unmarshaled, bundle, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(raw2) == 0 {
		t.Fatalf("expected non-empty extracted transaction")
	}
}

func TestCancelCaptureRoundTripAndReconstruct(t *testing.T) {
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

	params := txbuilder.CancelParams{
		InternalKey:       walletKey.PrivateKey().PubKey(),
		LockLeafScript:    lockLeafScript,
		TargetLeafScript:  targetLeafScript,
		RecipientAddress:  "recipient",
		RecipientPkScript: []byte{0x51, 0x20},
		ChangeAddress:     "wallet",
		ChangePkScript:    []byte{0x51, 0x20},
		ChangeKind:        feeest.OutputP2TR,
	}

	var abandonedTxID, feeTxID chainhash.Hash
	abandonedTxID[0] = 21
	feeTxID[0] = 22
	utxos := []txbuilder.UTXORef{
		{TxID: abandonedTxID, Vout: 0, Value: 80_000, Kind: feeest.InputP2TRScriptPath},
		{TxID: feeTxID, Vout: 0, Value: 20_000, Kind: feeest.InputP2TRKeyPath, Address: "wallet"},
	}

	state := CaptureCancel(testHeaderMeta(), testBaseParams(), utxos, params)
	payload, err := ToHex(state)
	if err != nil {
		t.Fatalf("to hex: %v", err)
	}
	roundTripped, err := FromHex(payload)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if len(roundTripped.UTXOs) != 2 {
		t.Fatalf("expected abandoned+fee utxos to survive round trip, got %d", len(roundTripped.UTXOs))
	}

	bundle := SignerBundle{MainSigner: &signer.LocalKeySigner{AddressValue: "wallet", Keypair: walletKey}}
	raw, err := Reconstruct(context.Background(), roundTripped, bundle, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty extracted transaction")
	}
}

func TestMultisigReconstructRefusesOutOfBandSigning(t *testing.T) {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}
	var pub [32]byte
	copy(pub[:], walletKey.XOnlyPublicKey()[:])

	params := txbuilder.MultisigVaultParams{
		InternalKey:        walletKey.PrivateKey().PubKey(),
		SignerXOnlyPubKeys: [][32]byte{pub},
		Threshold:          1,
		ChangeAddress:      "wallet",
		ChangePkScript:     []byte{0x51, 0x20},
		ChangeKind:         feeest.OutputP2TR,
	}
	utxos := testUTXORefs()
	state := CaptureMultisig(testHeaderMeta(), testBaseParams(), utxos, params)

	bundle := SignerBundle{MainSigner: &signer.LocalKeySigner{AddressValue: "wallet", Keypair: walletKey}}
	if _, err := Reconstruct(context.Background(), state, bundle, hclog.NewNullLogger()); err == nil {
		t.Fatalf("expected multisig reconstruction to refuse a full build/sign/extract pipeline")
	}
}

func TestUnmarshalRejectsUnsupportedFormatVersion(t *testing.T) {
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), testUTXORefs(), txbuilder.FundingParams{
		Outputs: []txbuilder.OutputSpec{{Value: 1_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
	})
	state.Header.FormatVersion = CurrentFormatVersion + 1
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(raw); err == nil {
		t.Fatalf("expected unsupported format version to be rejected")
	}
}

func TestReconstructRejectsUnknownTransactionType(t *testing.T) {
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), testUTXORefs(), txbuilder.FundingParams{
		Outputs: []txbuilder.OutputSpec{{Value: 1_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
	})
	state.Header.TransactionType = "not_a_real_type"
	bundle := SignerBundle{}
	if _, err := Reconstruct(context.Background(), state, bundle, hclog.NewNullLogger()); err == nil {
		t.Fatalf("expected unknown transaction type to be rejected")
	}
}

func TestReconstructValidatesRotationSigners(t *testing.T) {
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), testUTXORefs(), txbuilder.FundingParams{
		Outputs: []txbuilder.OutputSpec{{Value: 1_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
	})
	state.AddressRotationEnabled = true
	state.SignerMappings = []SignerMapping{{Address: "wallet", InputIndices: []int{0}}}

	if _, err := Reconstruct(context.Background(), state, SignerBundle{}, hclog.NewNullLogger()); err != ErrMissingRotationSigners {
		t.Fatalf("expected ErrMissingRotationSigners with no rotation bundle, got %v", err)
	}

	bundle := SignerBundle{RotationEnabled: true, RotationMap: map[string]signer.Signer{"someone-else": nil}}
	_, err := Reconstruct(context.Background(), state, bundle, hclog.NewNullLogger())
	if err == nil {
		t.Fatalf("expected an error for a rotation map missing the mapped address")
	}
}

func TestRebuildWithNewFeesOnlyTouchesFeeRate(t *testing.T) {
	state := CaptureFunding(testHeaderMeta(), testBaseParams(), testUTXORefs(), txbuilder.FundingParams{
		Outputs: []txbuilder.OutputSpec{{Value: 1_000, PkScript: []byte{0x51, 0x20}, Kind: feeest.OutputP2TR}},
	})
	original := state.BaseParams.NetworkName
	rebuilt, err := RebuildWithNewFees(state, 3.5)
	if err != nil {
		t.Fatalf("rebuild with new fees: %v", err)
	}
	if !rebuilt.BaseParams.FeeRate.Equal(decimal.NewFromFloat(3.5)) {
		t.Fatalf("expected fee rate to be updated, got %s", rebuilt.BaseParams.FeeRate)
	}
	if rebuilt.BaseParams.NetworkName != original {
		t.Fatalf("expected network name to be untouched")
	}
	if _, err := RebuildWithNewFees(state, 0); err == nil {
		t.Fatalf("expected a non-positive fee rate to be rejected")
	}
}

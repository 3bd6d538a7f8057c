// opnettxdemo builds, signs, extracts, and offline-exports a single Funding
// transaction end to end, using a freshly generated local keypair and a
// caller-supplied UTXO instead of a live chain source.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/keys"
	"github.com/opnet-labs/opnettx/offlinestate"
	"github.com/opnet-labs/opnettx/signer"
	"github.com/opnet-labs/opnettx/txbuilder"
)

var (
	feeRateFlag  = flag.Float64("fee-rate", 2.0, "sat/vB fee rate")
	utxoTxIDFlag = flag.String("utxo-txid", "1111111111111111111111111111111111111111111111111111111111111111", "funding UTXO's transaction id (hex)")
	utxoVoutFlag = flag.Uint("utxo-vout", 0, "funding UTXO's output index")
	utxoValue    = flag.Uint64("utxo-value", 100_000, "funding UTXO's value in satoshis")
	sendValue    = flag.Uint64("send-value", 20_000, "amount to pay the destination output")
	verboseFlag  = flag.Bool("verbose", false, "verbose builder logging")
	qrFlag       = flag.Bool("qr", false, "also print an ASCII QR code of the offline state")
)

func main() {
	flag.Parse()

	logger := hclog.NewNullLogger()
	if *verboseFlag {
		logger = hclog.New(&hclog.LoggerOptions{Name: "opnettxdemo", Level: hclog.Debug})
	}

	if err := run(logger); err != nil {
		log.Fatalf("opnettxdemo: %v", err)
	}
}

func run(logger hclog.Logger) error {
	walletKey, err := keys.GenerateClassicalKeypair()
	if err != nil {
		return fmt.Errorf("generate wallet key: %w", err)
	}
	defer walletKey.Release()

	const walletAddress = "demo-wallet"
	pkScript := []byte{0x51, 0x20} // placeholder P2TR-shaped script for demo purposes

	txid, err := chainhash.NewHashFromStr(*utxoTxIDFlag)
	if err != nil {
		return fmt.Errorf("parse utxo txid: %w", err)
	}

	params := txbuilder.FundingParams{
		Outputs: []txbuilder.OutputSpec{{
			Value:    *sendValue,
			PkScript: pkScript,
			Kind:     feeest.OutputP2TR,
		}},
		ChangeAddress:  walletAddress,
		ChangePkScript: pkScript,
		ChangeKind:     feeest.OutputP2TR,
	}

	orch := &signer.Orchestrator{MainSigner: &signer.LocalKeySigner{AddressValue: walletAddress, Keypair: walletKey}}

	builder, err := txbuilder.NewFundingBuilder(&chaincfg.RegressionNetParams, logger, *feeRateFlag, orch, params)
	if err != nil {
		return fmt.Errorf("new funding builder: %w", err)
	}

	utxos := []txbuilder.UTXORef{{
		TxID:     *txid,
		Vout:     uint32(*utxoVoutFlag),
		Value:    *utxoValue,
		PkScript: pkScript,
		Address:  walletAddress,
		Kind:     feeest.InputP2TRKeyPath,
	}}
	if err := builder.SelectInputs(utxos); err != nil {
		return fmt.Errorf("select inputs: %w", err)
	}

	ctx := context.Background()
	if err := builder.Build(ctx); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	state := offlinestate.CaptureFunding(
		offlinestate.HeaderMeta{ConsensusVersion: 1, ChainID: "regtest"},
		offlinestate.BaseParams{
			NetworkName: offlinestate.NetworkRegtest,
			TxVersion:   2,
		},
		utxos,
		params,
	)
	exported, err := offlinestate.ToHex(state)
	if err != nil {
		return fmt.Errorf("export offline state: %w", err)
	}
	fmt.Printf("offline state (hex, %d bytes): %s\n", len(exported)/2, exported)

	if *qrFlag {
		qr, err := offlinestate.ExportQRASCII(state)
		if err != nil {
			return fmt.Errorf("render qr: %w", err)
		}
		fmt.Println(qr.ASCII)
	}

	if err := builder.Sign(ctx); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	raw, err := builder.Extract()
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	fmt.Printf("extracted transaction (%d bytes): %s\n", len(raw), hex.EncodeToString(raw))
	return nil
}

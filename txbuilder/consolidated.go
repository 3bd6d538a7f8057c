// ConsolidatedInteraction evades script-size censorship by splitting the
// compiled target leaf into HASH160-committed chunks spread across
// multiple P2WSH outputs in a "setup" transaction, then reassembling them
// in a "reveal" transaction whose witness supplies the chunks themselves
// plus a signature over the script-signer's key (spec §3 "Hash-committed
// P2WSH commitment", §4.3 "Consolidated Interaction"). The witness script
// is not self-authorizing: the per-chunk HASH160 checks only prove the
// preimages match what the setup transaction committed to, and the
// trailing `<pubkey> OP_CHECKSIG` is what actually authorizes the spend.
package txbuilder

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/opnet-labs/opnettx/feeest"
	"github.com/opnet-labs/opnettx/signer"
)

// Standardness constants the source never makes explicit; held as named
// constants per the decision recorded for this open question.
const (
	maxChunkBytes              = 80
	maxChunksPerOutput         = 14
	gScriptSizePolicyLimit     = 1650
	maxStandardP2WSHStackItems = 100
	maxConsolidatedOutputs     = 220
)

// ErrChunkCountExceedsStandardTxLimit is returned pre-signing when a
// payload would need more hash-committed outputs than policy allows
// (spec §7).
var ErrChunkCountExceedsStandardTxLimit = fmt.Errorf("txbuilder: chunk count exceeds standard tx limit")

// ChunkPayload splits payload into <=80-byte chunks.
func ChunkPayload(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+maxChunkBytes-1)/maxChunkBytes)
	for off := 0; off < len(payload); off += maxChunkBytes {
		end := off + maxChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

// GroupChunks splits chunks into groups of at most maxChunksPerOutput,
// one group per hash-committed output.
func GroupChunks(chunks [][]byte) ([][][]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	var groups [][][]byte
	for off := 0; off < len(chunks); off += maxChunksPerOutput {
		end := off + maxChunksPerOutput
		if end > len(chunks) {
			end = len(chunks)
		}
		groups = append(groups, chunks[off:end])
	}
	if len(groups) > maxConsolidatedOutputs {
		return nil, fmt.Errorf("%w: %d outputs needed, max %d", ErrChunkCountExceedsStandardTxLimit, len(groups), maxConsolidatedOutputs)
	}
	return groups, nil
}

// CommitmentWitnessScript builds the P2WSH witness script verifying, in
// order, that each revealed chunk's HASH160 matches its commitment, then
// checking a signature against pubKey. The witness stack must supply a
// signature followed by the chunks in reverse order (the script's first
// HASH160 check consumes the top-of-stack item, so the signature sits at
// the bottom and is only consumed by the final OP_CHECKSIG).
func CommitmentWitnessScript(pubKey []byte, chunkHashes [][20]byte) ([]byte, error) {
	n := len(chunkHashes)
	if n == 0 || n > maxChunksPerOutput {
		return nil, fmt.Errorf("txbuilder: commitment output needs 1-%d chunks, got %d", maxChunksPerOutput, n)
	}
	if len(pubKey) == 0 {
		return nil, fmt.Errorf("txbuilder: commitment witness script needs a signer public key")
	}
	b := txscript.NewScriptBuilder()
	for _, h := range chunkHashes {
		b.AddOp(txscript.OP_HASH160)
		b.AddData(h[:])
		b.AddOp(txscript.OP_EQUALVERIFY)
	}
	b.AddData(pubKey)
	b.AddOp(txscript.OP_CHECKSIG)
	return b.Script()
}

func p2wshPkScript(witnessScript []byte, params *chaincfg.Params) ([]byte, string, error) {
	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, "", fmt.Errorf("txbuilder: derive commitment P2WSH address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, "", fmt.Errorf("txbuilder: build commitment pk script: %w", err)
	}
	return pkScript, addr.EncodeAddress(), nil
}

// ConsolidatedSetupParams is the payload to split and the change
// destination for the setup transaction.
type ConsolidatedSetupParams struct {
	Payload []byte

	// PubKeyCompressed authorizes the reveal spend of every commitment
	// output this setup transaction creates; it is embedded in each
	// witness script's trailing `<pubkey> OP_CHECKSIG`.
	PubKeyCompressed []byte

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind

	CommitmentValue uint64 // value carried by each hash-committed output; defaults to the P2WSH dust threshold
}

// ConsolidatedSetupBuilder writes the compiled payload's chunks into one
// hash-committed P2WSH output per group.
type ConsolidatedSetupBuilder struct {
	*core

	params      ConsolidatedSetupParams
	ChunkGroups [][][]byte // exported: the reveal builder needs these verbatim
	Witnesses   [][]byte   // witness script per output, same order as Outputs
}

// NewConsolidatedSetupBuilder constructs a setup builder, pre-validating
// the chunk/output count against policy limits (spec §7: surfaced
// pre-signing).
func NewConsolidatedSetupBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, orch *signer.Orchestrator, params ConsolidatedSetupParams) (*ConsolidatedSetupBuilder, error) {
	groups, err := GroupChunks(ChunkPayload(params.Payload))
	if err != nil {
		return nil, err
	}
	if len(params.PubKeyCompressed) == 0 {
		return nil, fmt.Errorf("txbuilder: consolidated setup needs a signer public key")
	}
	c, err := newCore(TypeConsolidatedInteraction, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	c.Orchestrator = orch
	if params.CommitmentValue == 0 {
		params.CommitmentValue = feeest.DustThresholdFor(feeest.OutputP2WSH)
	}
	return &ConsolidatedSetupBuilder{core: c, params: params, ChunkGroups: groups}, nil
}

// SelectInputs records plain key-path funding inputs.
func (b *ConsolidatedSetupBuilder) SelectInputs(utxos []UTXORef) error {
	if err := b.selectInputs(utxos); err != nil {
		return err
	}
	for i := range b.InputMeta {
		if b.InputMeta[i].Kind == feeest.InputP2TRScriptPath {
			b.InputMeta[i].Kind = feeest.InputP2TRKeyPath
		}
	}
	return nil
}

// Build compiles one commitment output per chunk group plus change, and
// runs the fee loop.
func (b *ConsolidatedSetupBuilder) Build() error {
	if err := b.requireState(StateInputsSelected); err != nil {
		return err
	}

	b.Witnesses = make([][]byte, 0, len(b.ChunkGroups))
	for _, group := range b.ChunkGroups {
		hashes := make([][20]byte, len(group))
		for i, chunk := range group {
			hashes[i] = [20]byte(btcutil.Hash160(chunk))
		}
		witnessScript, err := CommitmentWitnessScript(b.params.PubKeyCompressed, hashes)
		if err != nil {
			b.State = StateError
			return err
		}
		pkScript, addr, err := p2wshPkScript(witnessScript, b.Network)
		if err != nil {
			b.State = StateError
			return err
		}
		b.Witnesses = append(b.Witnesses, witnessScript)
		b.Outputs = append(b.Outputs, OutputSpec{
			Value:    b.params.CommitmentValue,
			PkScript: pkScript,
			Address:  addr,
			Kind:     feeest.OutputP2WSH,
		})
	}

	changeIdx := len(b.Outputs)
	b.Outputs = append(b.Outputs, OutputSpec{
		PkScript: b.params.ChangePkScript,
		Address:  b.params.ChangeAddress,
		Kind:     b.params.ChangeKind,
	})

	if err := b.runFeeLoop(changeIdx, b.params.ChangeAddress, b.params.ChangeKind); err != nil {
		b.State = StateError
		return err
	}
	b.buildWireTx(defaultTxVersion)
	return nil
}

// Sign signs every funding input by key path in parallel.
func (b *ConsolidatedSetupBuilder) Sign(ctx context.Context) error {
	if err := b.requireState(StateOutputsComposed); err != nil {
		return err
	}
	if b.Orchestrator == nil {
		return ErrSignerCapabilityMissing
	}
	jobs := make([]signer.SighashJob, len(b.Inputs))
	for i := range b.Inputs {
		sh, err := b.keyPathSighash(i)
		if err != nil {
			return err
		}
		s, err := b.Orchestrator.Resolve(b.Inputs[i].Address)
		if err != nil {
			return err
		}
		jobs[i] = signer.SighashJob{InputIndex: i, Sighash: sh, Signer: s}
	}
	results, err := b.Orchestrator.SignKeyPathInputsParallel(ctx, jobs)
	if err != nil {
		return err
	}
	for _, r := range results {
		b.InputMeta[r.InputIndex].KeyPathSignature = r.Signature
	}
	b.State = StateSigned
	return nil
}

// Extract finalizes every input's key-path witness and serializes.
func (b *ConsolidatedSetupBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}
	for i := range b.Inputs {
		sig := b.InputMeta[i].KeyPathSignature
		if len(sig) == 0 {
			return nil, fmt.Errorf("txbuilder: missing key-path signature for input %d", i)
		}
		b.Tx.TxIn[i].Witness = [][]byte{sig}
	}
	b.State = StateFinalized
	return b.extract()
}

// ConsolidatedRevealParams ties a setup transaction's commitment outputs
// back to the chunk groups and witness scripts that committed them.
type ConsolidatedRevealParams struct {
	SetupTxID   chainhash.Hash
	ChunkGroups [][][]byte
	Witnesses   [][]byte
	Values      []uint64

	// Signer produces the signature checked by every commitment output's
	// trailing `<pubkey> OP_CHECKSIG`; it must correspond to the public
	// key the setup transaction embedded in those witness scripts.
	Signer signer.Signer

	Outputs []OutputSpec

	ChangeAddress  string
	ChangePkScript []byte
	ChangeKind     feeest.OutputKind
}

// ConsolidatedRevealBuilder spends every commitment output from a setup
// transaction, reassembling the original payload on-chain via the
// revealed chunks and a signature against the witness script's pubkey.
type ConsolidatedRevealBuilder struct {
	*core

	params ConsolidatedRevealParams
}

// NewConsolidatedRevealBuilder constructs a reveal builder wired directly
// to a prior ConsolidatedSetupBuilder's outputs.
func NewConsolidatedRevealBuilder(network *chaincfg.Params, logger hclog.Logger, feeRate float64, params ConsolidatedRevealParams) (*ConsolidatedRevealBuilder, error) {
	if len(params.ChunkGroups) != len(params.Witnesses) || len(params.ChunkGroups) != len(params.Values) {
		return nil, fmt.Errorf("txbuilder: reveal params length mismatch")
	}
	c, err := newCore(TypeConsolidatedInteraction, network, logger, feeRate)
	if err != nil {
		return nil, err
	}
	return &ConsolidatedRevealBuilder{core: c, params: params}, nil
}

// Build assembles one input per commitment output (in setup-vout order)
// plus the caller's payout outputs and change, then runs the fee loop.
func (b *ConsolidatedRevealBuilder) Build() error {
	if err := b.requireState(StateCreated); err != nil {
		return err
	}

	utxos := make([]UTXORef, len(b.params.ChunkGroups))
	for i, v := range b.params.Values {
		utxos[i] = UTXORef{
			TxID:  b.params.SetupTxID,
			Vout:  uint32(i),
			Value: v,
			Kind:  feeest.InputP2WSHHashCommitted,
		}
	}
	if err := b.selectInputs(utxos); err != nil {
		return err
	}
	// The trailing `<pubkey> OP_CHECKSIG` in this witness v0 script verifies
	// a classic ECDSA signature, not BIP340 Schnorr: a DER-encoded
	// signature (up to 72 bytes) plus the sighash-type byte.
	const maxECDSASigLen = 73
	for i, group := range b.params.ChunkGroups {
		chunkLens := make([]int, len(group))
		for j, chunk := range group {
			chunkLens[j] = len(chunk)
		}
		b.InputMeta[i].CommitmentExtraVBytes = feeest.CommitmentWitnessVBytes(maxECDSASigLen, chunkLens, len(b.params.Witnesses[i]))
	}

	b.Outputs = append(b.Outputs, b.params.Outputs...)
	changeIdx := len(b.Outputs)
	b.Outputs = append(b.Outputs, OutputSpec{
		PkScript: b.params.ChangePkScript,
		Address:  b.params.ChangeAddress,
		Kind:     b.params.ChangeKind,
	})

	if err := b.runFeeLoop(changeIdx, b.params.ChangeAddress, b.params.ChangeKind); err != nil {
		b.State = StateError
		return err
	}
	b.buildWireTx(defaultTxVersion)
	return nil
}

// Sign signs every commitment input against its witness script's pubkey.
// These inputs are independent of one another, but there is only ever
// one signer (the deterministic script signer), so they sign
// sequentially rather than going through the key-path worker pool. The
// witness script's trailing opcode is a plain witness v0 OP_CHECKSIG, so
// this signs with ECDSA rather than Schnorr (Schnorr verification never
// applies outside a Taproot key-path spend or tapscript leaf).
func (b *ConsolidatedRevealBuilder) Sign(ctx context.Context) error {
	if err := b.requireState(StateOutputsComposed); err != nil {
		return err
	}
	if b.params.Signer == nil {
		return ErrSignerCapabilityMissing
	}
	for i := range b.Inputs {
		sh, err := b.commitmentSighash(i, b.params.Witnesses[i])
		if err != nil {
			return err
		}
		sig, err := b.params.Signer.SignECDSA(ctx, sh, txscript.SigHashAll)
		if err != nil {
			b.State = StateError
			return err
		}
		b.InputMeta[i].KeyPathSignature = sig
	}
	b.State = StateSigned
	return nil
}

// Extract builds each input's witness as the signature, the reversed
// chunk group, and the witness script, then serializes.
func (b *ConsolidatedRevealBuilder) Extract() ([]byte, error) {
	if err := b.requireState(StateSigned); err != nil {
		return nil, err
	}
	for i, group := range b.params.ChunkGroups {
		sig := b.InputMeta[i].KeyPathSignature
		if len(sig) == 0 {
			return nil, fmt.Errorf("txbuilder: missing commitment signature for input %d", i)
		}
		witness := make(wire.TxWitness, 0, len(group)+2)
		witness = append(witness, sig)
		for j := len(group) - 1; j >= 0; j-- {
			witness = append(witness, group[j])
		}
		witness = append(witness, b.params.Witnesses[i])
		b.Tx.TxIn[i].Witness = witness
	}
	b.State = StateFinalized
	return b.extract()
}

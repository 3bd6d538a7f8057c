// Package script is the Script Compiler (L3): it turns protocol parameters
// into the bit-exact target-leaf and lock-leaf byte strings a consensus
// node must be able to recompute identically. There is no direct teacher
// analog for this component (the Vault plugin never builds protocol
// scripts); it is grounded on the push/opcode assembly idiom shown in
// other_examples/5089dee8_afsheenb-hashhedge__.../script_builder.go and
// built with btcsuite/btcd/txscript, the same low-level assembler the
// teacher uses for its own scripts.
package script

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/txscript"
)

// Protocol-wide constants (spec §4.1, §6).
const (
	MaxCompressedCalldata = 1 << 20
	ContractSecretLen     = 32
	TapscriptLeafVersion  = txscript.BaseLeafVersion
	maxScriptPush         = 520
)

// Errors returned by the compiler, matching spec §4.1.
var (
	ErrCalldataTooLarge      = fmt.Errorf("script: calldata too large")
	ErrInvalidContractSecret = fmt.Errorf("script: invalid contract secret length")
	ErrInvalidChallenge      = fmt.Errorf("script: invalid challenge")
	ErrFeaturePayloadMalformed = fmt.Errorf("script: feature payload malformed")
)

// Feature is one protocol feature TLV embeddable in the target leaf.
// Features are emitted in descending Priority order so a streaming
// verifier can decode without lookahead (spec §4.1).
type Feature interface {
	Priority() int
	OpcodeTag() byte
	Encode() ([]byte, error)
}

// Feature opcode tags (spec §4.1: ACCESS_LIST, EPOCH_SUBMISSION, MLDSA_LINK).
const (
	OpTagAccessList      byte = 0x01
	OpTagEpochSubmission byte = 0x02
	OpTagMLDSALink       byte = 0x03
)

// AccessListFeature preloads storage slots the contract interaction will
// touch.
type AccessListFeature struct {
	PriorityValue int
	Slots         [][]byte // each 32-byte storage key
}

func (f AccessListFeature) Priority() int   { return f.PriorityValue }
func (f AccessListFeature) OpcodeTag() byte { return OpTagAccessList }
func (f AccessListFeature) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(OpTagAccessList)
	if len(f.Slots) > 0xff {
		return nil, fmt.Errorf("%w: access list too long", ErrFeaturePayloadMalformed)
	}
	buf.WriteByte(byte(len(f.Slots)))
	for _, slot := range f.Slots {
		if len(slot) != 32 {
			return nil, fmt.Errorf("%w: access list slot must be 32 bytes", ErrFeaturePayloadMalformed)
		}
		buf.Write(slot)
	}
	return buf.Bytes(), nil
}

// EpochSubmissionFeature carries the miner-challenge payload bound into
// the leaf.
type EpochSubmissionFeature struct {
	PriorityValue int
	Epoch         uint64
	SolutionHash  [32]byte
}

func (f EpochSubmissionFeature) Priority() int   { return f.PriorityValue }
func (f EpochSubmissionFeature) OpcodeTag() byte { return OpTagEpochSubmission }
func (f EpochSubmissionFeature) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(OpTagEpochSubmission)
	var epochBytes [8]byte
	putUint64LE(epochBytes[:], f.Epoch)
	buf.Write(epochBytes[:])
	buf.Write(f.SolutionHash[:])
	return buf.Bytes(), nil
}

// MLDSALinkFeature binds a post-quantum public key to the sender address.
type MLDSALinkFeature struct {
	PriorityValue int
	PublicKey     []byte
}

func (f MLDSALinkFeature) Priority() int   { return f.PriorityValue }
func (f MLDSALinkFeature) OpcodeTag() byte { return OpTagMLDSALink }
func (f MLDSALinkFeature) Encode() ([]byte, error) {
	if len(f.PublicKey) == 0 || len(f.PublicKey) > 0xffff {
		return nil, fmt.Errorf("%w: ML-DSA public key length out of range", ErrFeaturePayloadMalformed)
	}
	var buf bytes.Buffer
	buf.WriteByte(OpTagMLDSALink)
	var lenBytes [2]byte
	putUint16LE(lenBytes[:], uint16(len(f.PublicKey)))
	buf.Write(lenBytes[:])
	buf.Write(f.PublicKey)
	return buf.Bytes(), nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putUint16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// EncodeFeatures sorts features by descending priority and concatenates
// their encodings into one TLV stream.
func EncodeFeatures(features []Feature) ([]byte, error) {
	sorted := make([]Feature, len(features))
	copy(sorted, features)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})

	var buf bytes.Buffer
	for _, f := range sorted {
		enc, err := f.Encode()
		if err != nil {
			return nil, err
		}
		buf.Write(enc)
	}
	return buf.Bytes(), nil
}

// CompressCalldata deterministically compresses calldata with DEFLATE at a
// fixed compression level, satisfying the spec §4.1 requirement that the
// compressor be a pure function of the input bytes.
func CompressCalldata(data []byte) ([]byte, error) {
	if len(data) > MaxCompressedCalldata {
		return nil, ErrCalldataTooLarge
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("script: create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("script: compress calldata: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("script: flush compressor: %w", err)
	}
	if buf.Len() > MaxCompressedCalldata {
		return nil, ErrCalldataTooLarge
	}
	return buf.Bytes(), nil
}

// DecompressCalldata reverses CompressCalldata.
func DecompressCalldata(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("script: decompress calldata: %w", err)
	}
	return out, nil
}

// TargetLeafParams is the full set of inputs the target-leaf compiler
// needs (spec §4.1).
type TargetLeafParams struct {
	CompressedCalldata []byte
	ContractSecretHash [20]byte // HASH160 of the 32-byte contract secret
	ChallengeBytes     []byte   // challenge.Solution.Bytes()
	ScriptSignerXOnly  [32]byte
	WalletSignerXOnly  [32]byte
	PriorityFee        uint64
	Features           []Feature
}

// CompileTargetLeaf produces the target-leaf byte string: pushes of
// [challenge-solution parts, script-signer-x-only-pubkey,
// OP_CHECKSIGVERIFY, wallet-signer-x-only-pubkey, OP_CHECKSIG,
// priority-fee-tag, feature TLV stream, compressed calldata blob,
// contract-secret-hash] (spec §3, "Target leaf script").
func CompileTargetLeaf(p TargetLeafParams) ([]byte, error) {
	if len(p.ChallengeBytes) == 0 {
		return nil, ErrInvalidChallenge
	}
	if len(p.CompressedCalldata) > MaxCompressedCalldata {
		return nil, ErrCalldataTooLarge
	}

	featureStream, err := EncodeFeatures(p.Features)
	if err != nil {
		return nil, err
	}

	var priorityFeeBytes [8]byte
	putUint64LE(priorityFeeBytes[:], p.PriorityFee)

	b := txscript.NewScriptBuilder()
	if err := pushChunked(b, p.ChallengeBytes); err != nil {
		return nil, err
	}
	b.AddData(p.ScriptSignerXOnly[:])
	b.AddOp(txscript.OP_CHECKSIGVERIFY)
	b.AddData(p.WalletSignerXOnly[:])
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddData(priorityFeeBytes[:])
	if len(featureStream) > 0 {
		if err := pushChunked(b, featureStream); err != nil {
			return nil, err
		}
	}
	if err := pushChunked(b, p.CompressedCalldata); err != nil {
		return nil, err
	}
	b.AddData(p.ContractSecretHash[:])

	scriptBytes, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("script: build target leaf: %w", err)
	}
	return scriptBytes, nil
}

// CompileLockLeaf produces the fixed recovery script letting the
// wallet-signer recover funds if the target leaf is never spent (spec §3,
// "Lock leaf script"). Shape is identical for all transactions of a given
// type: a single-key CHECKSIG against the wallet signer.
func CompileLockLeaf(walletSignerXOnly [32]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(walletSignerXOnly[:])
	b.AddOp(txscript.OP_CHECKSIG)
	scriptBytes, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("script: build lock leaf: %w", err)
	}
	return scriptBytes, nil
}

// pushChunked splits data into <=520-byte pushes (consensus push-size
// limit) preceded by a 4-byte little-endian total-length prefix push, so a
// streaming decoder can reassemble the original blob without backtracking.
func pushChunked(b *txscript.ScriptBuilder, data []byte) error {
	var lenBytes [4]byte
	putUint32LE(lenBytes[:], uint32(len(data)))
	b.AddData(lenBytes[:])

	if len(data) == 0 {
		return nil
	}
	for off := 0; off < len(data); off += maxScriptPush {
		end := off + maxScriptPush
		if end > len(data) {
			end = len(data)
		}
		b.AddData(data[off:end])
	}
	return nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Package signer is the Signing Orchestrator (L2): it combines the
// deterministic script-signer key with a user wallet signer, supports
// per-address signer rotation, signs independent key-path inputs in
// parallel, and honors cancellation without partial draft writes (spec
// §4.5, §5). Grounded on the teacher's multi-strategy signing cascade in
// path_wallet_psbt.go (trySignSingleSig / trySignByBip32Derivation /
// trySignMultiSig) and on other_examples/bb32ea4a_BoostyLabs-blockchain__
// .../signer.go's split between key-path and script-path taproot signing.
package signer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Capability describes how a Signer produces signatures.
type Capability int

const (
	// CapabilityLocalKey signs directly with an in-memory private key.
	CapabilityLocalKey Capability = iota
	// CapabilityWalletRPC delegates to an external wallet extension's
	// multiSignPsbt RPC (Unisat/Xverse-style capability, spec §1).
	CapabilityWalletRPC
)

// Signer is anything able to produce a Schnorr signature over a 32-byte
// sighash for one address.
type Signer interface {
	Address() string
	Capability() Capability
	SignSchnorr(ctx context.Context, sighash [32]byte) ([]byte, error)
	// SignECDSA produces a DER-encoded ECDSA signature with the trailing
	// sighash-type byte already appended, for spending ordinary witness v0
	// (P2WSH) OP_CHECKSIG outputs. BIP340 Schnorr verification never
	// applies there; it is exclusive to Taproot key-path spends and
	// tapscript leaves.
	SignECDSA(ctx context.Context, sighash [32]byte, hashType txscript.SigHashType) ([]byte, error)
}

// WalletRPCSigner additionally exposes the wallet-extension "sign the
// whole PSBT at once" capability the orchestrator prefers when available
// (spec §4.5 step 2).
type WalletRPCSigner interface {
	Signer
	MultiSignPSBT(ctx context.Context, psbtBase64 string) (string, error)
}

// Errors surfaced by the orchestrator (spec §7 "Signer failures").
var (
	ErrScriptSignerUnavailable = fmt.Errorf("signer: script signer unavailable")
	ErrSignerMissingForAddress = fmt.Errorf("signer: no signer configured for address")
	ErrRotationMapIncomplete   = fmt.Errorf("signer: rotation enabled but mapping is incomplete")
)

// SighashJob is one unit of independent key-path signing work: the
// orchestrator hands workers only the prehashed sighash and the resolved
// signer, never the shared draft (spec §4.5: "workers receive the
// prehashed sighash and return {index, signature}").
type SighashJob struct {
	InputIndex int
	Sighash    [32]byte
	Signer     Signer
}

// SignResult is what a worker returns; the orchestrator merges these back
// into the draft on its own single-writer thread.
type SignResult struct {
	InputIndex int
	Signature  []byte
}

// Orchestrator wires the deterministic script signer, the default wallet
// signer, and an optional per-address rotation map.
type Orchestrator struct {
	ScriptSigner Signer
	MainSigner   Signer

	RotationEnabled bool
	RotationMap     map[string]Signer // address -> signer, immutable per cycle

	// MaxParallelism bounds the worker pool used for key-path signing;
	// zero means unbounded (gated only by Go's own scheduler).
	MaxParallelism int64
}

// Resolve returns the signer for a UTXO's address: the rotation map entry
// if rotation is enabled, otherwise the default main signer.
func (o *Orchestrator) Resolve(address string) (Signer, error) {
	if !o.RotationEnabled {
		if o.MainSigner == nil {
			return nil, ErrScriptSignerUnavailable
		}
		return o.MainSigner, nil
	}
	s, ok := o.RotationMap[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignerMissingForAddress, address)
	}
	return s, nil
}

// ValidateRotationMap checks that every address in addresses has a
// configured signer when rotation is enabled, per spec §9: "the
// orchestrator MUST error rather than silently fall back if rotation is
// enabled without a complete mapping."
func (o *Orchestrator) ValidateRotationMap(addresses []string) error {
	if !o.RotationEnabled {
		return nil
	}
	if o.RotationMap == nil {
		return ErrRotationMapIncomplete
	}
	for _, addr := range addresses {
		if _, ok := o.RotationMap[addr]; !ok {
			return fmt.Errorf("%w: missing signer for %s", ErrRotationMapIncomplete, addr)
		}
	}
	return nil
}

// SignInputZeroScriptPath signs input 0 of an interaction/custom-script
// transaction sequentially with the deterministic script signer, then the
// wallet signer, per spec §4.5 step 3: "sign input 0 with both the script
// signer and the main signer sequentially". Input 0 always signs-and-
// finalizes before any other input finalizes (spec ordering guarantee).
func (o *Orchestrator) SignInputZeroScriptPath(ctx context.Context, sighashScript, sighashWallet [32]byte) (scriptSig, walletSig []byte, err error) {
	if o.ScriptSigner == nil {
		return nil, nil, ErrScriptSignerUnavailable
	}
	scriptSig, err = o.ScriptSigner.SignSchnorr(ctx, sighashScript)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: script-signer sign input 0: %w", err)
	}
	if o.MainSigner == nil {
		return nil, nil, ErrScriptSignerUnavailable
	}
	walletSig, err = o.MainSigner.SignSchnorr(ctx, sighashWallet)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: wallet-signer sign input 0: %w", err)
	}
	return scriptSig, walletSig, nil
}

// SignKeyPathInputsParallel signs independent key-path inputs (index >= 1)
// concurrently on a bounded worker pool (spec §4.5: "key-path signatures
// on different inputs are independent ... may be computed in parallel").
// On any worker failure it cancels the remaining jobs and falls back to
// sequential signing transparently (spec §7: "Parallel-signing failures
// fall back to sequential signing transparently"); cancellation never
// leaves partial results — a failed parallel attempt returns only after
// every in-flight job has stopped.
func (o *Orchestrator) SignKeyPathInputsParallel(ctx context.Context, jobs []SighashJob) ([]SignResult, error) {
	results, err := o.signParallel(ctx, jobs)
	if err == nil {
		return results, nil
	}
	return o.signSequential(ctx, jobs)
}

func (o *Orchestrator) signParallel(ctx context.Context, jobs []SighashJob) ([]SignResult, error) {
	grp, gctx := errgroup.WithContext(ctx)

	var sem *semaphore.Weighted
	if o.MaxParallelism > 0 {
		sem = semaphore.NewWeighted(o.MaxParallelism)
	}

	results := make([]SignResult, len(jobs))
	for i, job := range jobs {
		i, job := i, job
		grp.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			sig, err := job.Signer.SignSchnorr(gctx, job.Sighash)
			if err != nil {
				return fmt.Errorf("signer: input %d: %w", job.InputIndex, err)
			}
			results[i] = SignResult{InputIndex: job.InputIndex, Signature: sig}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) signSequential(ctx context.Context, jobs []SighashJob) ([]SignResult, error) {
	results := make([]SignResult, len(jobs))
	for i, job := range jobs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		sig, err := job.Signer.SignSchnorr(ctx, job.Sighash)
		if err != nil {
			return nil, fmt.Errorf("signer: sequential fallback, input %d: %w", job.InputIndex, err)
		}
		results[i] = SignResult{InputIndex: job.InputIndex, Signature: sig}
	}
	return results, nil
}

// SignViaWalletRPC hands the entire PSBT to a wallet-extension signer in
// one call (spec §4.5 step 2: "call it once with the entire PSBT"). The
// returned PSBT carries all wallet-controlled partial signatures; the
// orchestrator still signs input 0 with the deterministic script signer
// and runs finalizers in input order afterward.
func (o *Orchestrator) SignViaWalletRPC(ctx context.Context, rpc WalletRPCSigner, psbtBase64 string) (string, error) {
	if rpc == nil {
		return "", ErrScriptSignerUnavailable
	}
	signed, err := rpc.MultiSignPSBT(ctx, psbtBase64)
	if err != nil {
		return "", fmt.Errorf("signer: wallet RPC multiSignPsbt: %w", err)
	}
	return signed, nil
}

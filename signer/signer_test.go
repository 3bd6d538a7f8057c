package signer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/txscript"
)

type fakeSigner struct {
	addr       string
	cap        Capability
	failOnce   *atomic.Bool
	signCalls  *atomic.Int32
}

func (f *fakeSigner) Address() string      { return f.addr }
func (f *fakeSigner) Capability() Capability { return f.cap }
func (f *fakeSigner) SignSchnorr(ctx context.Context, sighash [32]byte) ([]byte, error) {
	if f.signCalls != nil {
		f.signCalls.Add(1)
	}
	if f.failOnce != nil && f.failOnce.CompareAndSwap(true, false) {
		return nil, fmt.Errorf("injected failure")
	}
	out := make([]byte, 64)
	out[0] = sighash[0]
	return out, nil
}

func (f *fakeSigner) SignECDSA(ctx context.Context, sighash [32]byte, hashType txscript.SigHashType) ([]byte, error) {
	if f.signCalls != nil {
		f.signCalls.Add(1)
	}
	out := make([]byte, 8)
	out[0] = sighash[0]
	out = append(out, byte(hashType))
	return out, nil
}

func TestResolveDefaultSigner(t *testing.T) {
	main := &fakeSigner{addr: "main"}
	o := &Orchestrator{MainSigner: main}
	s, err := o.Resolve("anything")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s != main {
		t.Fatalf("expected main signer returned regardless of address")
	}
}

func TestResolveRotationRequiresMapping(t *testing.T) {
	o := &Orchestrator{RotationEnabled: true, RotationMap: map[string]Signer{"addrA": &fakeSigner{addr: "addrA"}}}
	if _, err := o.Resolve("addrA"); err != nil {
		t.Fatalf("expected addrA to resolve: %v", err)
	}
	if _, err := o.Resolve("addrB"); err == nil {
		t.Fatalf("expected missing-signer error for addrB")
	}
}

func TestValidateRotationMapIncomplete(t *testing.T) {
	o := &Orchestrator{RotationEnabled: true, RotationMap: map[string]Signer{"addrA": &fakeSigner{addr: "addrA"}}}
	if err := o.ValidateRotationMap([]string{"addrA", "addrB"}); err == nil {
		t.Fatalf("expected incomplete rotation map error")
	}
	if err := o.ValidateRotationMap([]string{"addrA"}); err != nil {
		t.Fatalf("expected complete map to validate: %v", err)
	}
}

func TestSignInputZeroScriptPathSequential(t *testing.T) {
	o := &Orchestrator{
		ScriptSigner: &fakeSigner{addr: "script"},
		MainSigner:   &fakeSigner{addr: "wallet"},
	}
	scriptSig, walletSig, err := o.SignInputZeroScriptPath(context.Background(), [32]byte{1}, [32]byte{2})
	if err != nil {
		t.Fatalf("sign input zero: %v", err)
	}
	if len(scriptSig) != 64 || len(walletSig) != 64 {
		t.Fatalf("expected 64-byte schnorr signatures")
	}
}

func TestSignKeyPathInputsParallel(t *testing.T) {
	o := &Orchestrator{MaxParallelism: 4}
	jobs := make([]SighashJob, 8)
	for i := range jobs {
		jobs[i] = SighashJob{InputIndex: i + 1, Sighash: [32]byte{byte(i)}, Signer: &fakeSigner{addr: fmt.Sprintf("s%d", i)}}
	}
	results, err := o.SignKeyPathInputsParallel(context.Background(), jobs)
	if err != nil {
		t.Fatalf("parallel sign: %v", err)
	}
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}
	for i, r := range results {
		if r.InputIndex != jobs[i].InputIndex {
			t.Fatalf("result %d out of order: %+v", i, r)
		}
	}
}

func TestSignKeyPathInputsFallsBackToSequentialOnFailure(t *testing.T) {
	var calls atomic.Int32
	failFlag := &atomic.Bool{}
	failFlag.Store(true)

	jobs := []SighashJob{
		{InputIndex: 1, Sighash: [32]byte{1}, Signer: &fakeSigner{addr: "a", failOnce: failFlag, signCalls: &calls}},
		{InputIndex: 2, Sighash: [32]byte{2}, Signer: &fakeSigner{addr: "b", signCalls: &calls}},
	}
	o := &Orchestrator{}
	results, err := o.SignKeyPathInputsParallel(context.Background(), jobs)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results after fallback, got %d", len(results))
	}
}

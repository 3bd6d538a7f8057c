package feeest

import (
	"testing"

	"pgregory.net/rapid"
)

// allInputKinds and allOutputKinds are the shapes Converge's callers ever
// mix into one transaction; script-path inputs size to zero here and are
// exercised separately via ScriptPathWitnessVBytes, so they are excluded.
var (
	allInputKinds  = []InputKind{InputP2WPKH, InputP2TRKeyPath, InputP2WSHHashCommitted}
	allOutputKinds = []OutputKind{OutputP2WPKH, OutputP2TR, OutputP2WSH}
)

func genInputKinds(t *rapid.T) []InputKind {
	n := rapid.IntRange(1, 4).Draw(t, "numInputs")
	out := make([]InputKind, n)
	for i := range out {
		out[i] = allInputKinds[rapid.IntRange(0, len(allInputKinds)-1).Draw(t, "inputKind")]
	}
	return out
}

func genOutputKinds(t *rapid.T) []OutputKind {
	n := rapid.IntRange(1, 4).Draw(t, "numOutputs")
	out := make([]OutputKind, n)
	for i := range out {
		out[i] = allOutputKinds[rapid.IntRange(0, len(allOutputKinds)-1).Draw(t, "outputKind")]
	}
	return out
}

// TestPropertyFeeRateFloor checks invariant P1 (spec §8): the fee Converge
// settles on never falls below feeRate*vsize by more than rounding error,
// across randomized input/output shapes and fee rates.
func TestPropertyFeeRateFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inputKinds := genInputKinds(t)
		outputKinds := genOutputKinds(t)
		changeKind := allOutputKinds[rapid.IntRange(0, len(allOutputKinds)-1).Draw(t, "changeKind")]
		feeRate := rapid.Float64Range(1, 100).Draw(t, "feeRate")

		// Keep non-change outputs well under total input so convergence
		// has room for both a kept and a dropped change branch.
		totalInput := uint64(rapid.Int64Range(100_000, 10_000_000).Draw(t, "totalInput"))
		ratio := rapid.Float64Range(0, 0.5).Draw(t, "outputRatio")
		nonChangeOutputs := uint64(float64(totalInput) * ratio)

		result, err := Converge(totalInput, nonChangeOutputs, inputKinds, outputKinds, 0, changeKind, feeRate)
		if err != nil {
			return
		}

		const epsilon = 1.0 // rounding slack for ceil() and the dust-drop branch
		floor := feeRate * float64(result.VSize)
		if float64(result.Fee) < floor-epsilon {
			t.Fatalf("fee %d below feeRate*vsize floor %v (vsize=%d, feeRate=%v)", result.Fee, floor, result.VSize, feeRate)
		}
	})
}

// TestPropertyBalance checks invariant P2 (spec §8): inputs always equal
// outputs (including change, when kept) plus fee, with nothing lost or
// invented across randomized shapes.
func TestPropertyBalance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inputKinds := genInputKinds(t)
		outputKinds := genOutputKinds(t)
		changeKind := allOutputKinds[rapid.IntRange(0, len(allOutputKinds)-1).Draw(t, "changeKind")]
		feeRate := rapid.Float64Range(1, 100).Draw(t, "feeRate")

		totalInput := uint64(rapid.Int64Range(100_000, 10_000_000).Draw(t, "totalInput"))
		ratio := rapid.Float64Range(0, 0.5).Draw(t, "outputRatio")
		nonChangeOutputs := uint64(float64(totalInput) * ratio)

		result, err := Converge(totalInput, nonChangeOutputs, inputKinds, outputKinds, 0, changeKind, feeRate)
		if err != nil {
			return
		}

		sum := nonChangeOutputs + result.ChangeValue + result.Fee
		if sum != totalInput {
			t.Fatalf("balance broken: inputs %d != outputs(%d)+change(%d)+fee(%d) = %d",
				totalInput, nonChangeOutputs, result.ChangeValue, result.Fee, sum)
		}
	})
}

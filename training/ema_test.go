package training

import (
	"math"
	"testing"

	"github.com/pdevine/tensor"
)

func newParam(name string, shape []int, values []float32) Parameter {
	backing := make([]float32, len(values))
	copy(backing, values)
	return Parameter{
		Name:  name,
		Value: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}

func paramValues(p Parameter) []float32 {
	return p.Value.Data().([]float32)
}

func TestDecayWarmupGolden(t *testing.T) {
	s := DefaultDecaySchedule()

	cases := []struct {
		step int64
		want float64
	}{
		{0, 0},
		{1, 0.40539644249863949},  // 1 - 2^-0.75
		{9, 0.82217205899610769},  // 1 - 10^-0.75
		{99, 0.96837722339831615}, // 1 - 100^-0.75
		{1 << 40, 0.9999},         // clamped to the ceiling
	}
	for _, tt := range cases {
		got := s.Decay(tt.step)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Decay(%d) = %.17g, want %.17g", tt.step, got, tt.want)
		}
	}
}

func TestDecayMonotonic(t *testing.T) {
	s := DefaultDecaySchedule()

	prev := -1.0
	for step := int64(0); step < 10000; step += 7 {
		d := s.Decay(step)
		if d < prev {
			t.Fatalf("decay decreased at step %d: %v < %v", step, d, prev)
		}
		if d > s.MaxDecay {
			t.Fatalf("decay exceeds ceiling at step %d: %v", step, d)
		}
		prev = d
	}
}

func TestDecayWithoutWarmup(t *testing.T) {
	s := DecaySchedule{MaxDecay: 0.999, MinDecay: 0.5, InvGamma: 1, Power: 0.75}

	for _, step := range []int64{0, 1, 1000000} {
		if got := s.Decay(step); got != 0.999 {
			t.Errorf("Decay(%d) = %v, want 0.999", step, got)
		}
	}
}

func TestDecayMinFloor(t *testing.T) {
	s := DecaySchedule{MaxDecay: 0.9999, MinDecay: 0.5, InvGamma: 1, Power: 0.75, UseWarmup: true}

	// Early warmup values sit below the floor and get clamped up.
	if got := s.Decay(0); got != 0.5 {
		t.Errorf("Decay(0) = %v, want min floor 0.5", got)
	}
}

func TestEMAConvergence(t *testing.T) {
	initial := []Parameter{newParam("w", []int{4}, []float32{0, 0, 0, 0})}
	ema, err := NewEMA(initial, DecaySchedule{MaxDecay: 0.5, InvGamma: 1, Power: 0.75})
	if err != nil {
		t.Fatal(err)
	}

	live := []Parameter{newParam("w", []int{4}, []float32{1, 1, 1, 1})}
	for i := 0; i < 30; i++ {
		if err := ema.Step(live); err != nil {
			t.Fatal(err)
		}
	}

	target := []Parameter{newParam("w", []int{4}, []float32{0, 0, 0, 0})}
	if err := ema.CopyTo(target); err != nil {
		t.Fatal(err)
	}
	for i, v := range paramValues(target[0]) {
		if math.Abs(float64(v)-1) > 1e-5 {
			t.Errorf("shadow[%d] = %v, should have converged to 1", i, v)
		}
	}
	if ema.Count() != 30 {
		t.Errorf("count = %d, want 30", ema.Count())
	}
}

func TestEMAFirstWarmupStepCopiesLive(t *testing.T) {
	// Warmup decay at step 0 is exactly 0, so the first update replaces
	// the shadow with the live value.
	initial := []Parameter{newParam("w", []int{2}, []float32{5, -5})}
	ema, err := NewEMA(initial, DefaultDecaySchedule())
	if err != nil {
		t.Fatal(err)
	}

	if err := ema.Step([]Parameter{newParam("w", []int{2}, []float32{1, 2})}); err != nil {
		t.Fatal(err)
	}

	sd := ema.StateDict()
	got := paramValues(sd.Shadow[0])
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("shadow = %v, want [1 2]", got)
	}
}

func TestEMAShapeMismatch(t *testing.T) {
	initial := []Parameter{newParam("w", []int{2, 2}, []float32{1, 2, 3, 4})}
	ema, err := NewEMA(initial, DefaultDecaySchedule())
	if err != nil {
		t.Fatal(err)
	}

	bad := []Parameter{newParam("w", []int{3}, []float32{1, 2, 3})}
	if err := ema.Step(bad); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if err := ema.Step(nil); err == nil {
		t.Fatal("expected count mismatch error")
	}

	// A failed call must not advance the counter or touch the shadows.
	if ema.Count() != 0 {
		t.Errorf("count advanced to %d on failed step", ema.Count())
	}
	sd := ema.StateDict()
	got := paramValues(sd.Shadow[0])
	for i, want := range []float32{1, 2, 3, 4} {
		if got[i] != want {
			t.Errorf("shadow[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestEMAValidation(t *testing.T) {
	params := []Parameter{newParam("w", []int{1}, []float32{0})}

	if _, err := NewEMA(params, DecaySchedule{MaxDecay: 0.9999, InvGamma: 0, Power: 0.75}); err == nil {
		t.Error("expected error for non-positive inv_gamma")
	}
	if _, err := NewEMA(params, DecaySchedule{MaxDecay: 0.1, MinDecay: 0.5, InvGamma: 1, Power: 0.75}); err == nil {
		t.Error("expected error for max_decay below min_decay")
	}
}

func TestStateDictContinuity(t *testing.T) {
	initial := []Parameter{newParam("w", []int{3}, []float32{0, 0, 0})}
	schedule := DefaultDecaySchedule()

	ema, err := NewEMA(initial, schedule)
	if err != nil {
		t.Fatal(err)
	}

	live := []Parameter{newParam("w", []int{3}, []float32{1, 2, 3})}
	for i := 0; i < 5; i++ {
		if err := ema.Step(live); err != nil {
			t.Fatal(err)
		}
	}
	saved := ema.StateDict()

	// Continue the original tracker one step.
	if err := ema.Step(live); err != nil {
		t.Fatal(err)
	}
	want := paramValues(ema.StateDict().Shadow[0])

	// Restore into a fresh tracker and take the same step.
	restored, err := NewEMA(initial, schedule)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.LoadStateDict(saved); err != nil {
		t.Fatal(err)
	}
	if restored.Count() != 5 {
		t.Fatalf("restored count = %d, want 5", restored.Count())
	}
	if err := restored.Step(live); err != nil {
		t.Fatal(err)
	}

	got := paramValues(restored.StateDict().Shadow[0])
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("shadow[%d] diverged after restore: %v != %v", i, got[i], want[i])
		}
	}
	if restored.CurrentDecay() != ema.CurrentDecay() {
		t.Errorf("decay diverged after restore: %v != %v", restored.CurrentDecay(), ema.CurrentDecay())
	}
}

func TestLoadStateDictMismatch(t *testing.T) {
	ema, err := NewEMA([]Parameter{newParam("w", []int{2}, []float32{0, 0})}, DefaultDecaySchedule())
	if err != nil {
		t.Fatal(err)
	}

	bad := StateDict{
		Schedule: DefaultDecaySchedule(),
		Count:    3,
		Shadow:   []Parameter{newParam("w", []int{4}, []float32{0, 0, 0, 0})},
	}
	if err := ema.LoadStateDict(bad); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if ema.Count() != 0 {
		t.Errorf("failed restore mutated the tracker: count = %d", ema.Count())
	}
}

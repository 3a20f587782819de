package diffusion

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/pdevine/tensor"
)

func constDense(shape []int, v float32) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func newTestScheduler(t *testing.T, cfg *SchedulerConfig) *MultistepScheduler {
	t.Helper()
	s, err := NewMultistepScheduler(cfg)
	if err != nil {
		t.Fatalf("NewMultistepScheduler: %v", err)
	}
	return s
}

func TestSetTimestepsSchedule(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.SetTimesteps(20); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	want := []int{999, 949, 899, 849, 799, 749, 699, 649, 599, 549, 500, 450, 400, 350, 300, 250, 200, 150, 100, 50}
	if !slices.Equal(s.Timesteps, want) {
		t.Errorf("timesteps = %v, want %v", s.Timesteps, want)
	}

	// Strictly decreasing and starting at the boundary step.
	if s.Timesteps[0] != s.Config.NumTrainTimesteps-1 {
		t.Errorf("first timestep %d, want boundary %d", s.Timesteps[0], s.Config.NumTrainTimesteps-1)
	}
	for i := 1; i < len(s.Timesteps); i++ {
		if s.Timesteps[i] >= s.Timesteps[i-1] {
			t.Fatalf("timesteps not strictly decreasing at %d", i)
		}
	}
}

// Rounding the linspace can collide adjacent entries when n is close to the
// training horizon; those collapse into one entry so every solver interval
// keeps nonzero width.
func TestSetTimestepsFullSchedule(t *testing.T) {
	s := newTestScheduler(t, nil)
	n := s.Config.NumTrainTimesteps
	if err := s.SetTimesteps(n); err != nil {
		t.Fatalf("SetTimesteps(%d): %v", n, err)
	}

	if len(s.Timesteps) == 0 || len(s.Timesteps) > n {
		t.Fatalf("schedule length %d, want in (0, %d]", len(s.Timesteps), n)
	}
	if s.Timesteps[0] != n-1 {
		t.Errorf("first timestep %d, want boundary %d", s.Timesteps[0], n-1)
	}
	for i := 1; i < len(s.Timesteps); i++ {
		if s.Timesteps[i] >= s.Timesteps[i-1] {
			t.Fatalf("timesteps not strictly decreasing at %d: %d then %d", i, s.Timesteps[i-1], s.Timesteps[i])
		}
	}

	shape := []int{1, 4, 2, 2}
	sample := constDense(shape, 1)
	for i, ts := range s.Timesteps {
		prev, err := s.Step(constDense(shape, 0.1), ts, sample)
		if err != nil {
			t.Fatalf("step %d (timestep %d): %v", i, ts, err)
		}
		for _, v := range prev.Data().([]float32) {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("step %d (timestep %d): sample not finite", i, ts)
			}
		}
		sample = prev
	}
	if !s.Done() {
		t.Error("scheduler should be done after consuming the schedule")
	}
}

func TestStepStateMachine(t *testing.T) {
	s := newTestScheduler(t, nil)
	shape := []int{1, 4, 2, 2}

	// Stepping before SetTimesteps is a usage error.
	if _, err := s.Step(constDense(shape, 0), 999, constDense(shape, 1)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	const n = 5
	if err := s.SetTimesteps(n); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	sample := constDense(shape, 1)
	for i := 0; i < n; i++ {
		prev, err := s.Step(constDense(shape, 0.1), s.Timesteps[i], sample)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		sample = prev
	}
	if !s.Done() {
		t.Error("scheduler should be done after consuming the schedule")
	}

	// One call past the end is a usage error.
	if _, err := s.Step(constDense(shape, 0.1), s.Timesteps[n-1], sample); !errors.Is(err, ErrDone) {
		t.Fatalf("expected ErrDone, got %v", err)
	}

	// A fresh SetTimesteps starts a new run.
	if err := s.SetTimesteps(3); err != nil {
		t.Fatalf("SetTimesteps after done: %v", err)
	}
	if s.Done() {
		t.Error("new run should not be done")
	}
}

func TestStepRejectsOutOfOrderTimestep(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.SetTimesteps(4); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	shape := []int{1, 1, 2, 2}
	if _, err := s.Step(constDense(shape, 0), s.Timesteps[1], constDense(shape, 1)); err == nil {
		t.Error("expected error for skipped timestep")
	}
}

func TestStepShapeMismatch(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.SetTimesteps(2); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	out := constDense([]int{1, 1, 2, 2}, 0)
	sample := constDense([]int{1, 1, 4, 4}, 1)
	if _, err := s.Step(out, s.Timesteps[0], sample); err == nil {
		t.Error("expected error for element count mismatch")
	}
}

// TestFirstOrderStepGolden checks the single-step case against a
// hand-computed first-order update. With sample prediction the converted
// output is the model output itself, so for x=1, x0=0.5 at t=999:
//
//	prev = (sigma_0/sigma_999)*x - alpha_0*(e^-h - 1)*x0
//	     = 0.00642528*1.0 + 0.99997902*0.5 = 0.50641477
func TestFirstOrderStepGolden(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Prediction = PredictionSample
	s := newTestScheduler(t, cfg)
	if err := s.SetTimesteps(1); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	shape := []int{1, 1, 1, 2}
	prev, err := s.Step(constDense(shape, 0.5), 999, constDense(shape, 1))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := float32(0.506414771)
	for i, got := range prev.Data().([]float32) {
		if abs32(got-want) > 1e-6 {
			t.Errorf("prev[%d] = %v, want %v", i, got, want)
		}
	}
}

// TestMultistepTrajectoryGolden drives a full 4-step order-2 run in sample
// prediction mode and compares every intermediate sample against reference
// values computed in float64/float32 mixed precision with the same update
// formulas.
func TestMultistepTrajectoryGolden(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Prediction = PredictionSample
	s := newTestScheduler(t, cfg)
	if err := s.SetTimesteps(4); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	want := []float32{1.11494863, 1.06333864, 0.852422178, 0.506414771}

	shape := []int{1, 2, 1, 1}
	sample := constDense(shape, 1)
	for i, timestep := range s.Timesteps {
		prev, err := s.Step(constDense(shape, 0.5), timestep, sample)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got := prev.Data().([]float32)[0]
		if abs32(got-want[i]) > 1e-5 {
			t.Errorf("step %d: sample = %v, want %v", i, got, want[i])
		}
		sample = prev
	}
}

// TestEpsilonTrajectoryGolden covers the epsilon parameterization,
// including the low-alpha conversion at the boundary timestep.
func TestEpsilonTrajectoryGolden(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.SetTimesteps(4); err != nil {
		t.Fatalf("SetTimesteps: %v", err)
	}

	want := []float32{6936.59863, 12813.2812, 16796.0449, 18261.6758}

	shape := []int{1, 1, 1, 1}
	sample := constDense(shape, 1)
	for i, timestep := range s.Timesteps {
		prev, err := s.Step(constDense(shape, 0.1), timestep, sample)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got := prev.Data().([]float32)[0]
		if abs32(got-want[i])/want[i] > 1e-4 {
			t.Errorf("step %d: sample = %v, want %v", i, got, want[i])
		}
		sample = prev
	}
}

// TestStepDeterminism runs the same schedule twice and expects identical
// trajectories bit for bit.
func TestStepDeterminism(t *testing.T) {
	run := func() []float32 {
		s := newTestScheduler(t, nil)
		if err := s.SetTimesteps(6); err != nil {
			t.Fatalf("SetTimesteps: %v", err)
		}
		shape := []int{1, 1, 2, 2}
		sample := constDense(shape, 0.7)
		for _, timestep := range s.Timesteps {
			prev, err := s.Step(constDense(shape, 0.3), timestep, sample)
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			sample = prev
		}
		return sample.Data().([]float32)
	}

	a, b := run(), run()
	if !slices.Equal(a, b) {
		t.Errorf("trajectories differ: %v vs %v", a, b)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.SolverOrder = 4
	if _, err := NewMultistepScheduler(cfg); err == nil {
		t.Error("expected error for solver order 4")
	}

	cfg = DefaultSchedulerConfig()
	cfg.Prediction = "velocity"
	if _, err := NewMultistepScheduler(cfg); err == nil {
		t.Error("expected error for unknown prediction type")
	}

	s := newTestScheduler(t, nil)
	if err := s.SetTimesteps(0); err == nil {
		t.Error("expected error for zero inference steps")
	}
	if err := s.SetTimesteps(1001); err == nil {
		t.Error("expected error for more inference steps than training timesteps")
	}
}

func abs32(x float32) float32 {
	return float32(math.Abs(float64(x)))
}

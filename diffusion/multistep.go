package diffusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// Prediction identifies the parameterization of the model output.
type Prediction string

const (
	// PredictionEpsilon means the model predicts the added noise.
	PredictionEpsilon Prediction = "epsilon"
	// PredictionSample means the model predicts the clean sample directly.
	PredictionSample Prediction = "sample"
)

const maxSolverOrder = 3

var (
	// ErrNotReady is returned when Step is called before SetTimesteps.
	ErrNotReady = errors.New("scheduler: timesteps not set")
	// ErrDone is returned when Step is called after the schedule has been
	// fully consumed.
	ErrDone = errors.New("scheduler: sampling run already complete")
)

// SchedulerConfig holds the multistep scheduler configuration.
type SchedulerConfig struct {
	NumTrainTimesteps int        `json:"num_train_timesteps"` // 1000
	BetaSchedule      string     `json:"beta_schedule"`       // cosine
	SolverOrder       int        `json:"solver_order"`        // 2, max 3
	Prediction        Prediction `json:"prediction_type"`     // epsilon
	LowerOrderFinal   bool       `json:"lower_order_final"`   // stabilize tails of short runs
}

// DefaultSchedulerConfig returns the training defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		NumTrainTimesteps: 1000,
		BetaSchedule:      ScheduleCosine,
		SolverOrder:       2,
		Prediction:        PredictionEpsilon,
		LowerOrderFinal:   true,
	}
}

// MultistepScheduler converts a sequence of per-timestep model outputs into
// a denoised latent trajectory using a multistep exponential-integrator
// update (DPM-Solver++ style). A scheduler owns the state of exactly one
// sampling run at a time: SetTimesteps starts a fresh run, each Step
// consumes one schedule entry, and after the final entry the run is done.
// It is not safe for concurrent use; each worker owns its own instance.
type MultistepScheduler struct {
	Config *SchedulerConfig

	table     *noiseTable
	Timesteps []int // strictly decreasing, set by SetTimesteps

	// history is a bounded ring of the last converted model outputs,
	// most recent at index (count-1) mod cap. Its depth is what makes
	// the solver "multistep".
	history [maxSolverOrder][]float32
	// histTimesteps are the training timesteps the history entries were
	// evaluated at, parallel to history.
	histTimesteps [maxSolverOrder]int

	cursor int
	done   bool
	ready  bool
}

// NewMultistepScheduler validates the configuration and precomputes the
// noise tables.
func NewMultistepScheduler(cfg *SchedulerConfig) (*MultistepScheduler, error) {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if cfg.SolverOrder < 1 || cfg.SolverOrder > maxSolverOrder {
		return nil, fmt.Errorf("solver order must be in [1, %d], got %d", maxSolverOrder, cfg.SolverOrder)
	}
	switch cfg.Prediction {
	case PredictionEpsilon, PredictionSample:
	default:
		return nil, fmt.Errorf("unknown prediction type %q", cfg.Prediction)
	}

	betas, err := MakeBetas(cfg.BetaSchedule, cfg.NumTrainTimesteps)
	if err != nil {
		return nil, err
	}

	return &MultistepScheduler{
		Config: cfg,
		table:  newNoiseTable(betas),
	}, nil
}

// SetTimesteps selects n timesteps from the training schedule and resets
// the run state. The selection is the rounded linspace over [0, T-1],
// reversed and with the zero entry dropped, so the schedule is strictly
// decreasing and starts at the boundary timestep T-1.
func (s *MultistepScheduler) SetTimesteps(n int) error {
	if n <= 0 {
		return fmt.Errorf("inference steps must be positive, got %d", n)
	}
	if n > s.Config.NumTrainTimesteps {
		return fmt.Errorf("inference steps %d exceed training timesteps %d", n, s.Config.NumTrainTimesteps)
	}

	// Rounding can map adjacent linspace entries to the same timestep
	// when n approaches T; collapse those so the schedule stays strictly
	// decreasing and no solver interval has zero width.
	timesteps := make([]int, 0, n)
	for i := 0; i < n; i++ {
		j := n - i
		t := int(math.Round(float64(j) * float64(s.Config.NumTrainTimesteps-1) / float64(n)))
		if len(timesteps) > 0 && t >= timesteps[len(timesteps)-1] {
			continue
		}
		timesteps = append(timesteps, t)
	}
	s.Timesteps = timesteps

	for i := range s.history {
		s.history[i] = nil
		s.histTimesteps[i] = 0
	}
	s.cursor = 0
	s.done = false
	s.ready = true
	return nil
}

// Step advances the reverse-diffusion trajectory by one schedule entry.
// modelOutput is the prediction for the given timestep, sample the current
// noisy latent; the returned tensor is the sample at the previous noise
// level. Given identical inputs and schedule, Step is deterministic.
func (s *MultistepScheduler) Step(modelOutput *tensor.Dense, timestep int, sample *tensor.Dense) (*tensor.Dense, error) {
	if !s.ready {
		return nil, ErrNotReady
	}
	if s.done {
		return nil, ErrDone
	}
	if timestep != s.Timesteps[s.cursor] {
		return nil, fmt.Errorf("scheduler: timestep %d out of order, expected %d at step %d", timestep, s.Timesteps[s.cursor], s.cursor)
	}

	out, err := denseData(modelOutput)
	if err != nil {
		return nil, err
	}
	cur, err := denseData(sample)
	if err != nil {
		return nil, err
	}
	if len(out) != len(cur) {
		return nil, fmt.Errorf("scheduler: model output has %d elements, sample has %d", len(out), len(cur))
	}

	// 1. Convert the model output to the x0 parameterization required by
	// the exponential-integrator update.
	x0 := s.convertOutput(out, cur, timestep)

	// 2. Push into the history ring, evicting the oldest entry.
	slot := s.cursor % maxSolverOrder
	s.history[slot] = x0
	s.histTimesteps[slot] = timestep

	// 3. Effective order: the first calls lack history and must drop to
	// lower order, and short runs optionally finish at lower order so the
	// tail of the trajectory is not extrapolated past t=0.
	order := s.Config.SolverOrder
	if o := s.cursor + 1; o < order {
		order = o
	}
	if s.Config.LowerOrderFinal && len(s.Timesteps) < 15 {
		if rem := len(s.Timesteps) - s.cursor; rem < order {
			order = rem
		}
	}

	// 4. Apply the update of that order.
	prevTimestep := 0
	if s.cursor+1 < len(s.Timesteps) {
		prevTimestep = s.Timesteps[s.cursor+1]
	}

	var prev []float32
	switch order {
	case 1:
		prev = s.firstOrderUpdate(cur, prevTimestep)
	case 2:
		prev = s.secondOrderUpdate(cur, prevTimestep)
	default:
		prev = s.thirdOrderUpdate(cur, prevTimestep)
	}

	// 5. Advance the cursor; the run is done once every schedule entry has
	// been consumed.
	s.cursor++
	if s.cursor == len(s.Timesteps) {
		s.done = true
	}

	return tensor.New(tensor.WithShape(sample.Shape()...), tensor.WithBacking(prev)), nil
}

// Done reports whether the current sampling run has consumed its schedule.
func (s *MultistepScheduler) Done() bool {
	return s.done
}

// convertOutput maps the model's native parameterization to a predicted
// clean sample using the noise coefficients at the given timestep.
func (s *MultistepScheduler) convertOutput(out, sample []float32, timestep int) []float32 {
	x0 := make([]float32, len(out))
	switch s.Config.Prediction {
	case PredictionSample:
		copy(x0, out)
	default: // epsilon
		alpha := float32(s.table.alphaT[timestep])
		sigma := float32(s.table.sigmaT[timestep])
		for i := range out {
			x0[i] = (sample[i] - sigma*out[i]) / alpha
		}
	}
	return x0
}

// recent returns the k-th most recent history entry (k=0 is the newest)
// and the timestep it was evaluated at.
func (s *MultistepScheduler) recent(k int) ([]float32, int) {
	slot := (s.cursor - k) % maxSolverOrder
	if slot < 0 {
		slot += maxSolverOrder
	}
	return s.history[slot], s.histTimesteps[slot]
}

// firstOrderUpdate is the single explicit exponential-Euler step:
//
//	x_prev = (sigma_prev/sigma_cur) * x - alpha_prev * (e^-h - 1) * x0
//
// with h = lambda_prev - lambda_cur.
func (s *MultistepScheduler) firstOrderUpdate(sample []float32, prevTimestep int) []float32 {
	m0, t0 := s.recent(0)

	alphaP := s.table.alphaT[prevTimestep]
	sigmaP := s.table.sigmaT[prevTimestep]
	h := s.table.lambdaT[prevTimestep] - s.table.lambdaT[t0]

	c0 := float32(sigmaP / s.table.sigmaT[t0])
	c1 := float32(-alphaP * (math.Exp(-h) - 1))

	prev := make([]float32, len(sample))
	for i := range sample {
		prev[i] = c0*sample[i] + c1*m0[i]
	}
	return prev
}

// secondOrderUpdate combines the two most recent converted outputs with a
// finite-difference correction term.
func (s *MultistepScheduler) secondOrderUpdate(sample []float32, prevTimestep int) []float32 {
	m0, t0 := s.recent(0)
	m1, t1 := s.recent(1)

	lambdaP := s.table.lambdaT[prevTimestep]
	lambda0 := s.table.lambdaT[t0]
	lambda1 := s.table.lambdaT[t1]

	h := lambdaP - lambda0
	h0 := lambda0 - lambda1
	r0 := h0 / h

	alphaP := s.table.alphaT[prevTimestep]
	sigmaP := s.table.sigmaT[prevTimestep]

	c0 := float32(sigmaP / s.table.sigmaT[t0])
	expTerm := math.Exp(-h) - 1
	cD0 := float32(-alphaP * expTerm)
	cD1 := float32(-0.5 * alphaP * expTerm)
	invR0 := float32(1 / r0)

	prev := make([]float32, len(sample))
	for i := range sample {
		d0 := m0[i]
		d1 := invR0 * (m0[i] - m1[i])
		prev[i] = c0*sample[i] + cD0*d0 + cD1*d1
	}
	return prev
}

// thirdOrderUpdate adds the second finite-difference correction from the
// three most recent converted outputs.
func (s *MultistepScheduler) thirdOrderUpdate(sample []float32, prevTimestep int) []float32 {
	m0, t0 := s.recent(0)
	m1, t1 := s.recent(1)
	m2, t2 := s.recent(2)

	lambdaP := s.table.lambdaT[prevTimestep]
	lambda0 := s.table.lambdaT[t0]
	lambda1 := s.table.lambdaT[t1]
	lambda2 := s.table.lambdaT[t2]

	h := lambdaP - lambda0
	h0 := lambda0 - lambda1
	h1 := lambda1 - lambda2
	r0 := h0 / h
	r1 := h1 / h

	alphaP := s.table.alphaT[prevTimestep]
	sigmaP := s.table.sigmaT[prevTimestep]

	c0 := float32(sigmaP / s.table.sigmaT[t0])
	expTerm := math.Exp(-h) - 1
	cD0 := -alphaP * expTerm
	cD1 := alphaP * (expTerm/h + 1)
	cD2 := -alphaP * (expTerm/(h*h) + 1/h - 0.5)

	w10 := 1 / r0
	w11 := 1 / r1
	blend := r0 / (r0 + r1)
	scaleD2 := 1 / (r0 + r1)

	prev := make([]float32, len(sample))
	for i := range sample {
		d0 := float64(m0[i])
		d10 := w10 * float64(m0[i]-m1[i])
		d11 := w11 * float64(m1[i]-m2[i])
		d1 := d10 + blend*(d10-d11)
		d2 := scaleD2 * (d10 - d11)
		prev[i] = c0*sample[i] + float32(cD0*d0+cD1*d1+cD2*d2)
	}
	return prev
}

// denseData returns the flat float32 backing of a dense tensor.
func denseData(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("scheduler: tensor backing is %T, want []float32", t.Data())
	}
	return data, nil
}

// Package diffusion implements the numerical schedulers used to reverse the
// latent noising process: the discrete beta/alpha noise tables and a
// multistep ODE solver over them.
package diffusion

import (
	"fmt"
	"math"
)

// Beta schedule names accepted by MakeBetas. The cosine schedule is the
// training default; linear and scaled_linear match the DDPM and Stable
// Diffusion conventions respectively.
const (
	ScheduleLinear       = "linear"
	ScheduleScaledLinear = "scaled_linear"
	ScheduleCosine       = "cosine"
)

const (
	defaultBetaStart = 0.0001
	defaultBetaEnd   = 0.02

	// maxBeta caps the cosine schedule so alpha products stay positive.
	maxBeta = 0.999
)

// MakeBetas returns the per-timestep noise variances for the named schedule.
func MakeBetas(schedule string, numTrainTimesteps int) ([]float64, error) {
	if numTrainTimesteps <= 0 {
		return nil, fmt.Errorf("num train timesteps must be positive, got %d", numTrainTimesteps)
	}

	betas := make([]float64, numTrainTimesteps)
	switch schedule {
	case ScheduleLinear:
		for i := range betas {
			betas[i] = defaultBetaStart + float64(i)/float64(numTrainTimesteps-1)*(defaultBetaEnd-defaultBetaStart)
		}
	case ScheduleScaledLinear:
		// betas = linspace(sqrt(start), sqrt(end), n)^2
		sqrtStart := math.Sqrt(defaultBetaStart)
		sqrtEnd := math.Sqrt(defaultBetaEnd)
		for i := range betas {
			b := sqrtStart + float64(i)/float64(numTrainTimesteps-1)*(sqrtEnd-sqrtStart)
			betas[i] = b * b
		}
	case ScheduleCosine:
		// squaredcos_cap_v2: beta_i = 1 - alphaBar((i+1)/n) / alphaBar(i/n)
		for i := range betas {
			t0 := float64(i) / float64(numTrainTimesteps)
			t1 := float64(i+1) / float64(numTrainTimesteps)
			betas[i] = math.Min(1-alphaBar(t1)/alphaBar(t0), maxBeta)
		}
	default:
		return nil, fmt.Errorf("unknown beta schedule %q", schedule)
	}

	return betas, nil
}

// alphaBar is the cumulative signal fraction of the cosine schedule at
// continuous time t in [0, 1].
func alphaBar(t float64) float64 {
	c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
	return c * c
}

// noiseTable holds the per-timestep coefficients derived from a beta
// schedule. alphaT is the signal scale sqrt(alphaCumprod), sigmaT the noise
// scale sqrt(1-alphaCumprod), and lambdaT the half log-SNR used by the
// solver update formulas.
type noiseTable struct {
	alphaT  []float64
	sigmaT  []float64
	lambdaT []float64
}

func newNoiseTable(betas []float64) *noiseTable {
	n := len(betas)
	t := &noiseTable{
		alphaT:  make([]float64, n),
		sigmaT:  make([]float64, n),
		lambdaT: make([]float64, n),
	}

	prod := 1.0
	for i, beta := range betas {
		prod *= 1 - beta
		t.alphaT[i] = math.Sqrt(prod)
		t.sigmaT[i] = math.Sqrt(1 - prod)
		t.lambdaT[i] = math.Log(t.alphaT[i]) - math.Log(t.sigmaT[i])
	}

	return t
}

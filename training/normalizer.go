package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/stat"

	"github.com/YTianZHU/unilm/cluster"
)

// LatentNormalizer fixes a global affine transform for autoencoder latents.
// The transform is computed from the first observed batch, averaged across
// all workers, and frozen for the rest of the run so the diffusion target
// distribution stays stationary.
type LatentNormalizer struct {
	reducer cluster.Reducer

	set   bool
	scale float64
	bias  float64
}

func NewLatentNormalizer(reducer cluster.Reducer) *LatentNormalizer {
	return &LatentNormalizer{reducer: reducer}
}

// ObserveOrGet returns the frozen (scale, bias) pair, computing it from the
// batch on the first call. Every worker computes local statistics over all
// elements of its own batch, then both scalars are sum-reduced and divided
// by the world size. The input is ignored once the transform is set.
func (n *LatentNormalizer) ObserveOrGet(ctx context.Context, batch *tensor.Dense) (scale, bias float64, err error) {
	if n.set {
		return n.scale, n.bias, nil
	}

	data, ok := batch.Data().([]float32)
	if !ok {
		return 0, 0, fmt.Errorf("expected float32 latents, got %T", batch.Data())
	}
	if len(data) < 2 {
		return 0, 0, errors.New("latent batch too small for statistics")
	}

	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	mean := stat.Mean(values, nil)
	std := stat.StdDev(values, nil)
	if std == 0 {
		return 0, 0, errors.New("latent batch has zero variance")
	}

	localScale := 1 / std
	localBias := -mean

	worldSize := float64(n.reducer.WorldSize())
	scaleSum, err := n.reducer.AllReduceSum(ctx, localScale)
	if err != nil {
		return 0, 0, fmt.Errorf("reducing scaling factor: %w", err)
	}
	biasSum, err := n.reducer.AllReduceSum(ctx, localBias)
	if err != nil {
		return 0, 0, fmt.Errorf("reducing bias factor: %w", err)
	}

	n.scale = scaleSum / worldSize
	n.bias = biasSum / worldSize
	n.set = true
	slog.Info("fixed latent normalization", "scaling_factor", n.scale, "bias_factor", n.bias)
	return n.scale, n.bias, nil
}

// Seed restores a transform from a checkpoint, bypassing computation.
func (n *LatentNormalizer) Seed(scale, bias float64) {
	n.scale = scale
	n.bias = bias
	n.set = true
}

// Transform returns the frozen pair, if set.
func (n *LatentNormalizer) Transform() (scale, bias float64, ok bool) {
	return n.scale, n.bias, n.set
}

// Apply returns (latent + bias) * scale as a new tensor. Valid only after
// the transform is set.
func (n *LatentNormalizer) Apply(latent *tensor.Dense) (*tensor.Dense, error) {
	if !n.set {
		return nil, errors.New("normalization transform not set")
	}
	data, ok := latent.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 latents, got %T", latent.Data())
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32((float64(v) + n.bias) * n.scale)
	}
	return tensor.New(tensor.WithShape(latent.Shape()...), tensor.WithBacking(out)), nil
}

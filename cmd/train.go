package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"

	"github.com/YTianZHU/unilm/cluster"
	"github.com/YTianZHU/unilm/diffusion"
	"github.com/YTianZHU/unilm/envconfig"
	"github.com/YTianZHU/unilm/logutil"
	"github.com/YTianZHU/unilm/progress"
	"github.com/YTianZHU/unilm/training"
)

func trainCmd() *cobra.Command {
	var (
		steps           int64
		inferenceSteps  int
		logEvery        int64
		checkpointEvery int64
		outputDir       string
		resume          string
		restoreEMA      bool
		seed            int64
		clusterConfig   string
		batchSize       int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop against the synthetic pipeline",
		Long: "Run the training loop end to end with synthetic data, autoencoder and\n" +
			"denoiser collaborators. Useful for validating the numerical pipeline,\n" +
			"checkpointing and cluster setup before wiring a real model.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			workerConfig, err := cluster.LoadWorkerConfig(clusterConfig)
			if err != nil {
				return err
			}
			logutil.InitLogging(workerConfig.Rank)

			var reducer cluster.Reducer = cluster.LocalReducer{}
			if workerConfig.WorldSize > 1 {
				tcp, err := cluster.Connect(ctx, workerConfig)
				if err != nil {
					return fmt.Errorf("joining cluster: %w", err)
				}
				defer tcp.Close()
				reducer = tcp
			}

			cfg := training.DefaultConfig()
			cfg.InferenceSteps = inferenceSteps
			cfg.LogEvery = logEvery
			cfg.CheckpointEvery = checkpointEvery
			cfg.OutputDir = outputDir
			cfg.Resume = resume
			cfg.RestoreEMAWeights = restoreEMA
			cfg.Seed = seed + int64(workerConfig.Rank)
			// The synthetic denoiser predicts the clean sample directly.
			cfg.Scheduler.Prediction = diffusion.PredictionSample

			deps := syntheticDeps(batchSize, cfg.Seed)
			deps.Reducer = reducer

			trainer, err := training.New(cfg, deps)
			if err != nil {
				return err
			}

			p := progress.NewProgress(os.Stderr)
			bar := progress.NewBar("training", steps, trainer.Step())
			p.Add(bar)

			for trainer.Step() < steps {
				if err := ctx.Err(); err != nil {
					p.StopAndClear()
					return err
				}
				loss, err := trainer.RunStep(ctx)
				if err != nil {
					p.StopAndClear()
					return err
				}
				bar.Set(trainer.Step())
				bar.SetLoss(loss)
			}
			p.Stop()

			if outputDir != "" {
				if _, err := trainer.SaveCheckpoint(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&steps, "steps", 1000, "Total optimizer steps to run")
	cmd.Flags().IntVar(&inferenceSteps, "inference-steps", 20, "Reverse-diffusion steps per training step")
	cmd.Flags().Int64Var(&logEvery, "log-every", 50, "Log a training summary every N steps")
	cmd.Flags().Int64Var(&checkpointEvery, "checkpoint-every", 500, "Write a checkpoint every N steps (0 disables)")
	cmd.Flags().StringVar(&outputDir, "output", envconfig.OutputDir, "Checkpoint output directory")
	cmd.Flags().StringVar(&resume, "resume", "", "Resume from an explicit checkpoint directory")
	cmd.Flags().BoolVar(&restoreEMA, "restore-ema", false, "Apply restored EMA shadows to the live parameters")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Base random seed; the worker rank is added")
	cmd.Flags().StringVar(&clusterConfig, "cluster", "", "Path to a worker config JSON file")
	cmd.Flags().IntVar(&batchSize, "batch-size", 16, "Images per batch")

	return cmd
}

const (
	imageChannels  = 3
	imageSize      = 32
	latentChannels = 4
	latentSize     = imageSize / 4
)

// syntheticDeps wires a self-contained collaborator set: Gaussian images, a
// pooling autoencoder and a per-channel affine denoiser. Gradients are not
// computed; the run exercises the numerical pipeline, not model quality.
func syntheticDeps(batchSize int, seed int64) training.Deps {
	denoiser := newSyntheticDenoiser()
	return training.Deps{
		Data:        &syntheticData{batchSize: batchSize, rng: rand.New(rand.NewSource(seed))},
		Autoencoder: syntheticAutoencoder{},
		Denoiser:    denoiser,
		Optimizer:   &syntheticOptimizer{denoiser: denoiser},
	}
}

// syntheticDatasetSize is the nominal dataset size the synthetic stream
// pretends to cycle through, so it reports epochs like a finite loader.
const syntheticDatasetSize = 50000

type syntheticData struct {
	batchSize int
	rng       *rand.Rand
	served    int64
}

func (d *syntheticData) NextBatch(context.Context) (training.Batch, error) {
	n := d.batchSize * imageChannels * imageSize * imageSize
	backing := make([]float32, n)
	for i := range backing {
		backing[i] = float32(d.rng.NormFloat64())
	}
	labels := make([]int64, d.batchSize)
	for i := range labels {
		labels[i] = int64(d.rng.Intn(1000))
	}
	epoch := d.served * int64(d.batchSize) / syntheticDatasetSize
	d.served++
	return training.Batch{
		Images: tensor.New(
			tensor.WithShape(d.batchSize, imageChannels, imageSize, imageSize),
			tensor.WithBacking(backing)),
		Labels: labels,
		Epoch:  epoch,
	}, nil
}

type syntheticAutoencoder struct{}

type pooledDistribution struct {
	mean  []float32
	shape []int
}

func (d pooledDistribution) Sample(rng *rand.Rand) *tensor.Dense {
	backing := make([]float32, len(d.mean))
	for i, m := range d.mean {
		backing[i] = m + 0.1*float32(rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(d.shape...), tensor.WithBacking(backing))
}

// Encode averages 4x4 spatial blocks of the image into a latent grid. Each
// latent channel reads from an image channel round-robin.
func (syntheticAutoencoder) Encode(images *tensor.Dense) (training.Distribution, error) {
	data, ok := images.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 images, got %T", images.Data())
	}
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != imageChannels || shape[2] != imageSize || shape[3] != imageSize {
		return nil, fmt.Errorf("unexpected image shape %v", shape)
	}
	batch := shape[0]

	mean := make([]float32, batch*latentChannels*latentSize*latentSize)
	idx := 0
	for b := 0; b < batch; b++ {
		for c := 0; c < latentChannels; c++ {
			src := c % imageChannels
			for y := 0; y < latentSize; y++ {
				for x := 0; x < latentSize; x++ {
					var sum float32
					for dy := 0; dy < 4; dy++ {
						for dx := 0; dx < 4; dx++ {
							sum += data[((b*imageChannels+src)*imageSize+y*4+dy)*imageSize+x*4+dx]
						}
					}
					mean[idx] = sum / 16
					idx++
				}
			}
		}
	}
	return pooledDistribution{
		mean:  mean,
		shape: []int{batch, latentChannels, latentSize, latentSize},
	}, nil
}

type syntheticDenoiser struct {
	weight training.Parameter
	bias   training.Parameter
}

func newSyntheticDenoiser() *syntheticDenoiser {
	return &syntheticDenoiser{
		weight: training.Parameter{
			Name:  "denoiser.weight",
			Value: tensor.New(tensor.WithShape(latentChannels), tensor.WithBacking([]float32{0.5, 0.5, 0.5, 0.5})),
		},
		bias: training.Parameter{
			Name:  "denoiser.bias",
			Value: tensor.New(tensor.WithShape(latentChannels), tensor.WithBacking(make([]float32, latentChannels))),
		},
	}
}

type labelConditioning struct {
	offset float32
}

func (d *syntheticDenoiser) Conditioning(_ *tensor.Dense, labels []int64) (training.Conditioning, error) {
	var sum int64
	for _, l := range labels {
		sum += l
	}
	return labelConditioning{offset: float32(sum%1000) * 1e-4}, nil
}

func (d *syntheticDenoiser) Denoise(image *tensor.Dense, _ int, cond training.Conditioning) (*tensor.Dense, error) {
	lc, ok := cond.(labelConditioning)
	if !ok {
		return nil, fmt.Errorf("unexpected conditioning type %T", cond)
	}
	data, ok := image.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 latents, got %T", image.Data())
	}
	shape := image.Shape()
	perChannel := shape[2] * shape[3]

	w := d.weight.Value.Data().([]float32)
	bias := d.bias.Value.Data().([]float32)

	out := make([]float32, len(data))
	for i, v := range data {
		c := (i / perChannel) % latentChannels
		out[i] = w[c]*v + bias[c] + lc.offset
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func (d *syntheticDenoiser) parameters() []training.Parameter {
	return []training.Parameter{d.weight, d.bias}
}

// syntheticOptimizer satisfies the optimizer contract without computing
// gradients. Every backward pass is its own sync boundary.
type syntheticOptimizer struct {
	denoiser *syntheticDenoiser
}

func (o *syntheticOptimizer) Backward(context.Context, float64) error { return nil }
func (o *syntheticOptimizer) SyncGradients() bool                     { return true }
func (o *syntheticOptimizer) GradNorm() float64                       { return 0 }

func (o *syntheticOptimizer) Parameters() []training.Parameter {
	if o.denoiser == nil {
		return nil
	}
	return o.denoiser.parameters()
}

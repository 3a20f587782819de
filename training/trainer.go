package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pdevine/tensor"

	"github.com/YTianZHU/unilm/checkpoint"
	"github.com/YTianZHU/unilm/cluster"
	"github.com/YTianZHU/unilm/diffusion"
	"github.com/YTianZHU/unilm/envconfig"
	"github.com/YTianZHU/unilm/format"
	"github.com/YTianZHU/unilm/telemetry"
)

// Batch is one unit of training data: decoded images plus class labels.
// Epoch counts completed passes over the underlying dataset; sources that
// stream indefinitely report zero.
type Batch struct {
	Images *tensor.Dense
	Labels []int64
	Epoch  int64
}

// DataSource produces training batches for this worker's shard.
type DataSource interface {
	NextBatch(ctx context.Context) (Batch, error)
}

// Distribution is a latent posterior returned by the autoencoder.
type Distribution interface {
	Sample(rng *rand.Rand) *tensor.Dense
}

// Autoencoder encodes images into a latent distribution. Frozen during
// training; no gradients flow through it.
type Autoencoder interface {
	Encode(images *tensor.Dense) (Distribution, error)
}

// Conditioning is an opaque handle for per-batch conditioning state,
// computed once and reused across every reverse-diffusion step.
type Conditioning any

// Denoiser is the trainable predictor. A model that cannot precompute
// conditioning does not satisfy the interface.
type Denoiser interface {
	Conditioning(target *tensor.Dense, labels []int64) (Conditioning, error)
	Denoise(image *tensor.Dense, timestep int, cond Conditioning) (*tensor.Dense, error)
}

// Optimizer wraps the external gradient machinery. SyncGradients reports
// whether this backward pass completed a gradient-sync boundary across
// workers; EMA, logging, and checkpointing only happen on boundaries.
type Optimizer interface {
	Backward(ctx context.Context, loss float64) error
	SyncGradients() bool
	Parameters() []Parameter
	GradNorm() float64
}

// Config controls one training run.
type Config struct {
	Scheduler      *diffusion.SchedulerConfig
	EMA            *DecaySchedule // nil disables EMA tracking
	InferenceSteps int

	LogEvery        int64
	CheckpointEvery int64
	OutputDir       string

	// Resume names an explicit checkpoint directory. Empty means resume
	// from the latest pointer under OutputDir, or start fresh.
	Resume string
	// RestoreEMAWeights overwrites the live parameters with the restored
	// EMA shadows on resume.
	RestoreEMAWeights bool

	Seed int64
}

func DefaultConfig() Config {
	ema := DefaultDecaySchedule()
	return Config{
		Scheduler:       diffusion.DefaultSchedulerConfig(),
		EMA:             &ema,
		InferenceSteps:  20,
		LogEvery:        50,
		CheckpointEvery: 500,
	}
}

// Deps are the external collaborators of a Trainer.
type Deps struct {
	Data        DataSource
	Autoencoder Autoencoder
	Denoiser    Denoiser
	Optimizer   Optimizer
	Reducer     cluster.Reducer    // defaults to LocalReducer
	Recorder    telemetry.Recorder // defaults to NoopRecorder
}

// Trainer executes training steps. One instance per worker; not safe for
// concurrent use.
type Trainer struct {
	cfg  Config
	deps Deps

	scheduler  *diffusion.MultistepScheduler
	normalizer *LatentNormalizer
	ema        *EMA
	rng        *rand.Rand

	step  int64
	epoch int64

	windowLoss  float64
	windowSteps int64
	windowStart time.Time
}

// New builds a Trainer and, when a checkpoint is found under the output
// directory (or named by cfg.Resume), restores the normalization transform,
// the global step, and the EMA state from it.
func New(cfg Config, deps Deps) (*Trainer, error) {
	if deps.Data == nil || deps.Autoencoder == nil || deps.Denoiser == nil || deps.Optimizer == nil {
		return nil, errors.New("data source, autoencoder, denoiser and optimizer are required")
	}
	if deps.Reducer == nil {
		deps.Reducer = cluster.LocalReducer{}
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NoopRecorder{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = diffusion.DefaultSchedulerConfig()
	}
	if cfg.InferenceSteps <= 0 {
		return nil, fmt.Errorf("inference steps must be positive, got %d", cfg.InferenceSteps)
	}

	scheduler, err := diffusion.NewMultistepScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:         cfg,
		deps:        deps,
		scheduler:   scheduler,
		normalizer:  NewLatentNormalizer(deps.Reducer),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		windowStart: time.Now(),
	}

	if cfg.EMA != nil {
		t.ema, err = NewEMA(deps.Optimizer.Parameters(), *cfg.EMA)
		if err != nil {
			return nil, err
		}
	}

	if err := t.resume(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) resume() error {
	if t.cfg.OutputDir == "" && t.cfg.Resume == "" {
		return nil
	}
	path, err := checkpoint.Resolve(t.cfg.OutputDir, t.cfg.Resume)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	record, err := checkpoint.Load(path)
	if err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", path, err)
	}

	t.normalizer.Seed(record.State.ScalingFactor, record.State.BiasFactor)
	t.step = record.State.Steps

	if t.ema != nil && record.State.EMA != nil {
		shadow := make([]Parameter, len(record.Shadow))
		for i, ct := range record.Shadow {
			shadow[i] = Parameter{
				Name:  ct.Name,
				Value: tensor.New(tensor.WithShape(ct.Shape...), tensor.WithBacking(ct.Data)),
			}
		}
		sd := StateDict{
			Schedule: DecaySchedule{
				MaxDecay:  record.State.EMA.MaxDecay,
				MinDecay:  record.State.EMA.MinDecay,
				InvGamma:  record.State.EMA.InvGamma,
				Power:     record.State.EMA.Power,
				UseWarmup: record.State.EMA.UseWarmup,
			},
			Count:  record.State.EMA.Count,
			Shadow: shadow,
		}
		if err := t.ema.LoadStateDict(sd); err != nil {
			return fmt.Errorf("restoring ema state: %w", err)
		}
		if t.cfg.RestoreEMAWeights {
			if err := t.ema.CopyTo(t.deps.Optimizer.Parameters()); err != nil {
				return fmt.Errorf("applying ema weights: %w", err)
			}
		}
	}

	slog.Info("resumed from checkpoint", "path", path, "step", t.step)
	return nil
}

// Step returns the global step counter.
func (t *Trainer) Step() int64 {
	return t.step
}

// Epoch returns the dataset pass reported by the most recent batch.
func (t *Trainer) Epoch() int64 {
	return t.epoch
}

// Normalizer exposes the latent transform, mainly for inspection.
func (t *Trainer) Normalizer() *LatentNormalizer {
	return t.normalizer
}

// RunStep executes one training step and returns its loss. On a
// gradient-sync boundary it also advances the step counter and the EMA
// tracker and evaluates the logging and checkpointing cadence.
func (t *Trainer) RunStep(ctx context.Context) (float64, error) {
	batch, err := t.deps.Data.NextBatch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching batch: %w", err)
	}
	t.epoch = batch.Epoch

	dist, err := t.deps.Autoencoder.Encode(batch.Images)
	if err != nil {
		return 0, fmt.Errorf("encoding batch: %w", err)
	}
	latent := dist.Sample(t.rng)

	if _, _, err := t.normalizer.ObserveOrGet(ctx, latent); err != nil {
		return 0, err
	}
	target, err := t.normalizer.Apply(latent)
	if err != nil {
		return 0, err
	}

	image := t.gaussianLike(target)

	if err := t.scheduler.SetTimesteps(t.cfg.InferenceSteps); err != nil {
		return 0, err
	}
	cond, err := t.deps.Denoiser.Conditioning(target, batch.Labels)
	if err != nil {
		return 0, fmt.Errorf("computing conditioning: %w", err)
	}
	for _, ts := range t.scheduler.Timesteps {
		out, err := t.deps.Denoiser.Denoise(image, ts, cond)
		if err != nil {
			return 0, fmt.Errorf("denoising at timestep %d: %w", ts, err)
		}
		image, err = t.scheduler.Step(out, ts, image)
		if err != nil {
			return 0, err
		}
	}

	loss, err := mse(image, target)
	if err != nil {
		return 0, err
	}

	if err := t.deps.Optimizer.Backward(ctx, loss); err != nil {
		return 0, fmt.Errorf("backward pass: %w", err)
	}

	if t.deps.Optimizer.SyncGradients() {
		if err := t.onSyncBoundary(ctx, loss, len(batch.Labels)); err != nil {
			return 0, err
		}
	}
	return loss, nil
}

func (t *Trainer) onSyncBoundary(ctx context.Context, loss float64, batchSize int) error {
	t.step++
	if t.ema != nil {
		if err := t.ema.Step(t.deps.Optimizer.Parameters()); err != nil {
			return fmt.Errorf("ema update: %w", err)
		}
	}

	t.windowLoss += loss
	t.windowSteps++

	if t.cfg.LogEvery > 0 && t.step%t.cfg.LogEvery == 0 {
		avg := t.windowLoss / float64(t.windowSteps)
		elapsed := time.Since(t.windowStart)
		rate := float64(t.windowSteps) / elapsed.Seconds()
		gnorm := t.deps.Optimizer.GradNorm()

		fields := []any{
			"loss", avg,
			"epoch", t.epoch,
			"step", t.step,
			"gnorm", gnorm,
			"batch_size", batchSize,
			"rate", format.HumanRate(rate),
		}
		values := map[string]float64{
			"loss":         avg,
			"gnorm":        gnorm,
			"batch_size":   float64(batchSize),
			"step_seconds": elapsed.Seconds() / float64(t.windowSteps),
		}
		if t.ema != nil {
			// Decay already advanced for this step; log the rate used.
			d := t.ema.schedule.Decay(t.ema.count - 1)
			fields = append(fields, "ema_decay", d)
			values["ema_decay"] = d
		}
		slog.Info("train", fields...)
		t.deps.Recorder.Record(ctx, t.step, values)

		t.windowLoss = 0
		t.windowSteps = 0
		t.windowStart = time.Now()
	}

	if t.cfg.CheckpointEvery > 0 && t.step%t.cfg.CheckpointEvery == 0 {
		if _, err := t.SaveCheckpoint(); err != nil {
			return err
		}
	}
	return nil
}

// SaveCheckpoint writes one checkpoint record and prunes old ones per
// configuration. Returns the published directory.
func (t *Trainer) SaveCheckpoint() (string, error) {
	scale, bias, _ := t.normalizer.Transform()
	state := checkpoint.State{
		ScalingFactor: scale,
		BiasFactor:    bias,
		Steps:         t.step,
	}

	var shadow []checkpoint.Tensor
	if t.ema != nil {
		sd := t.ema.StateDict()
		state.EMA = &checkpoint.EMAState{
			MaxDecay:  sd.Schedule.MaxDecay,
			MinDecay:  sd.Schedule.MinDecay,
			InvGamma:  sd.Schedule.InvGamma,
			Power:     sd.Schedule.Power,
			UseWarmup: sd.Schedule.UseWarmup,
			Count:     sd.Count,
		}
		shadow = toCheckpointTensors(sd.Shadow)
	}

	model := toCheckpointTensors(t.deps.Optimizer.Parameters())
	path, err := checkpoint.Save(t.cfg.OutputDir, state, model, shadow)
	if err != nil {
		return "", fmt.Errorf("saving checkpoint: %w", err)
	}
	slog.Info("saved checkpoint", "path", path, "step", t.step)

	if keep := envconfig.CheckpointKeep; keep > 0 && !envconfig.NoPrune {
		if err := checkpoint.Prune(t.cfg.OutputDir, keep); err != nil {
			slog.Warn("pruning old checkpoints", "error", err)
		}
	}
	return path, nil
}

func (t *Trainer) gaussianLike(ref *tensor.Dense) *tensor.Dense {
	n := ref.Shape().TotalSize()
	backing := make([]float32, n)
	for i := range backing {
		backing[i] = float32(t.rng.NormFloat64())
	}
	return tensor.New(tensor.WithShape(ref.Shape()...), tensor.WithBacking(backing))
}

func toCheckpointTensors(params []Parameter) []checkpoint.Tensor {
	out := make([]checkpoint.Tensor, len(params))
	for i, p := range params {
		data := p.Value.Data().([]float32)
		cloned := make([]float32, len(data))
		copy(cloned, data)
		out[i] = checkpoint.Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape()...),
			Data:  cloned,
		}
	}
	return out
}

func mse(a, b *tensor.Dense) (float64, error) {
	x, ok := a.Data().([]float32)
	if !ok {
		return 0, fmt.Errorf("expected float32 data, got %T", a.Data())
	}
	y, ok := b.Data().([]float32)
	if !ok {
		return 0, fmt.Errorf("expected float32 data, got %T", b.Data())
	}
	if len(x) != len(y) {
		return 0, fmt.Errorf("shape mismatch: %d vs %d elements", len(x), len(y))
	}
	var sum float64
	for i := range x {
		d := float64(x[i]) - float64(y[i])
		sum += d * d
	}
	return sum / float64(len(x)), nil
}

// Package checkpoint persists and restores the training state that must
// survive a restart: external model (and optional EMA shadow) tensors as
// safetensors files, plus a side record with the latent normalization
// transform and the global step counter. A checkpoint only becomes visible
// through the "latest" pointer after its directory is fully written, so a
// crash mid-write can never surface a half-written record as current.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	modelFile  = "model.safetensors"
	emaFile    = "ema.safetensors"
	stateFile  = "state.json"
	latestFile = "latest"
)

// ErrNotFound reports that no recognized checkpoint artifact exists at a
// resume path.
var ErrNotFound = errors.New("checkpoint not found")

// EMAState carries the decay-schedule configuration and cursor of the EMA
// tracker. The shadow tensors themselves live in ema.safetensors.
type EMAState struct {
	MaxDecay  float64 `json:"max_decay"`
	MinDecay  float64 `json:"min_decay"`
	InvGamma  float64 `json:"inv_gamma"`
	Power     float64 `json:"power"`
	UseWarmup bool    `json:"use_warmup"`
	Count     int64   `json:"count"`
}

// State is the side record bundled with every checkpoint.
type State struct {
	ScalingFactor float64   `json:"scaling_factor"`
	BiasFactor    float64   `json:"bias_factor"`
	Steps         int64     `json:"steps"`
	EMA           *EMAState `json:"ema"`
}

// Record is a fully loaded checkpoint.
type Record struct {
	Path   string
	State  State
	Model  []Tensor
	Shadow []Tensor // nil when the checkpoint carries no EMA state
}

// Save writes one checkpoint under outputDir and publishes it through the
// latest pointer. The directory is staged under a temporary name and
// renamed into place before the pointer moves, in that order, so readers
// only ever observe complete records. shadow may be nil.
func Save(outputDir string, state State, model, shadow []Tensor) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}

	final := filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d", state.Steps))
	staging := filepath.Join(outputDir, fmt.Sprintf(".staging-%s", uuid.New().String()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if err := WriteSafetensors(filepath.Join(staging, modelFile), model); err != nil {
		return "", fmt.Errorf("writing model tensors: %w", err)
	}
	if shadow != nil {
		if err := WriteSafetensors(filepath.Join(staging, emaFile), shadow); err != nil {
			return "", fmt.Errorf("writing ema tensors: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, stateFile), data, 0o644); err != nil {
		return "", fmt.Errorf("writing state record: %w", err)
	}

	// A retry after a crash may find the final directory already present;
	// replace it, it was never published if we got here.
	if err := os.RemoveAll(final); err != nil {
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publishing checkpoint: %w", err)
	}

	if err := writeLatest(outputDir, final); err != nil {
		return "", err
	}
	return final, nil
}

// writeLatest atomically updates the latest pointer file.
func writeLatest(outputDir, target string) error {
	path := filepath.Join(outputDir, latestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(target), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Resolve returns the checkpoint directory to resume from: the explicit
// path when given, otherwise the target of the latest pointer under
// outputDir. An empty result with a nil error means a fresh run.
func Resolve(outputDir, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(filepath.Join(explicit, stateFile)); err != nil {
			return "", fmt.Errorf("%w at %s", ErrNotFound, explicit)
		}
		return explicit, nil
	}

	data, err := os.ReadFile(filepath.Join(outputDir, latestFile))
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	target := strings.TrimSpace(string(data))
	if _, err := os.Stat(filepath.Join(target, stateFile)); err != nil {
		return "", fmt.Errorf("%w at %s (from latest pointer)", ErrNotFound, target)
	}
	return target, nil
}

// Load reads a checkpoint directory in full.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(path, stateFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}

	record := &Record{Path: path}
	if err := json.Unmarshal(data, &record.State); err != nil {
		return nil, fmt.Errorf("parsing state record at %s: %w", path, err)
	}

	record.Model, err = ReadSafetensors(filepath.Join(path, modelFile))
	if err != nil {
		return nil, fmt.Errorf("reading model tensors: %w", err)
	}

	if record.State.EMA != nil {
		record.Shadow, err = ReadSafetensors(filepath.Join(path, emaFile))
		if err != nil {
			return nil, fmt.Errorf("reading ema tensors: %w", err)
		}
	}

	return record, nil
}

// List returns every checkpoint directory under outputDir ordered by step.
func List(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	type candidate struct {
		path string
		step int64
	}
	var found []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		step, ok := stepOf(entry.Name())
		if !ok {
			continue
		}
		found = append(found, candidate{filepath.Join(outputDir, entry.Name()), step})
	}

	slices.SortFunc(found, func(a, b candidate) int {
		return int(a.step - b.step)
	})

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// Prune removes the oldest checkpoints beyond keep, never touching the
// latest pointer target. keep <= 0 retains everything.
func Prune(outputDir string, keep int) error {
	if keep <= 0 {
		return nil
	}

	paths, err := List(outputDir)
	if err != nil {
		return err
	}
	if len(paths) <= keep {
		return nil
	}

	latest, _ := Resolve(outputDir, "")
	for _, path := range paths[:len(paths)-keep] {
		if path == latest {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func stepOf(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "checkpoint-")
	if !ok {
		return 0, false
	}
	step, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return step, true
}

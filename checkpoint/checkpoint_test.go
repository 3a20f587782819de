package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testModel() []Tensor {
	return []Tensor{
		{Name: "layer.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "layer.bias", Shape: []int{2}, Data: []float32{0.1, -0.1}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	outputDir := t.TempDir()

	state := State{
		ScalingFactor: 2.0,
		BiasFactor:    -1.5,
		Steps:         500,
		EMA: &EMAState{
			MaxDecay:  0.9999,
			MinDecay:  0,
			InvGamma:  1,
			Power:     0.75,
			UseWarmup: true,
			Count:     500,
		},
	}
	shadow := []Tensor{
		{Name: "shadow.0", Shape: []int{2, 2}, Data: []float32{1.5, 2.5, 3.5, 4.5}},
		{Name: "shadow.1", Shape: []int{2}, Data: []float32{0.2, -0.2}},
	}

	path, err := Save(outputDir, state, testModel(), shadow)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "checkpoint-500" {
		t.Errorf("unexpected checkpoint dir %s", path)
	}

	resolved, err := Resolve(outputDir, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != path {
		t.Errorf("latest pointer resolves to %s, want %s", resolved, path)
	}

	record, err := Load(resolved)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if record.State.ScalingFactor != 2.0 || record.State.BiasFactor != -1.5 {
		t.Errorf("normalization transform not preserved: %+v", record.State)
	}
	if record.State.Steps != 500 {
		t.Errorf("steps = %d, want 500", record.State.Steps)
	}
	if record.State.EMA == nil || record.State.EMA.Count != 500 || !record.State.EMA.UseWarmup {
		t.Errorf("ema state not preserved: %+v", record.State.EMA)
	}
	if len(record.Model) != 2 || len(record.Shadow) != 2 {
		t.Errorf("tensor counts: model=%d shadow=%d", len(record.Model), len(record.Shadow))
	}
}

func TestSaveWithoutEMA(t *testing.T) {
	outputDir := t.TempDir()

	path, err := Save(outputDir, State{ScalingFactor: 1, Steps: 10}, testModel(), nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	record, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if record.State.EMA != nil || record.Shadow != nil {
		t.Error("expected no EMA state")
	}
	if _, err := os.Stat(filepath.Join(path, "ema.safetensors")); !os.IsNotExist(err) {
		t.Error("ema.safetensors should not exist")
	}
}

func TestResolveMissing(t *testing.T) {
	outputDir := t.TempDir()

	// No latest pointer means a fresh run, not an error.
	path, err := Resolve(outputDir, "")
	if err != nil || path != "" {
		t.Errorf("expected fresh run, got path=%q err=%v", path, err)
	}

	// An explicit path without a checkpoint is fatal and names the path.
	missing := filepath.Join(outputDir, "checkpoint-999")
	_, err = Resolve(outputDir, missing)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Errorf("error should name the searched path: %v", err)
	}
}

func TestLatestPointerSkipsPartialWrites(t *testing.T) {
	outputDir := t.TempDir()

	first, err := Save(outputDir, State{ScalingFactor: 1, Steps: 100}, testModel(), nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash mid-write: a staging directory exists but was never
	// renamed, so the pointer still names the previous record.
	staging := filepath.Join(outputDir, ".staging-deadbeef")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, "model.safetensors"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	resolved, err := Resolve(outputDir, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != first {
		t.Errorf("latest resolves to %s, want %s", resolved, first)
	}
}

func TestListAndPrune(t *testing.T) {
	outputDir := t.TempDir()

	for _, step := range []int64{100, 300, 200} {
		if _, err := Save(outputDir, State{ScalingFactor: 1, Steps: step}, testModel(), nil); err != nil {
			t.Fatalf("Save step %d: %v", step, err)
		}
	}

	paths, err := List(outputDir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("got %d checkpoints, want 3", len(paths))
	}
	for i, want := range []string{"checkpoint-100", "checkpoint-200", "checkpoint-300"} {
		if filepath.Base(paths[i]) != want {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], want)
		}
	}

	if err := Prune(outputDir, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	paths, err = List(outputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("after prune: got %d checkpoints, want 2", len(paths))
	}
	if filepath.Base(paths[0]) != "checkpoint-200" {
		t.Errorf("oldest remaining = %s, want checkpoint-200", paths[0])
	}

	// The latest pointer target survives pruning even when old.
	if err := Prune(outputDir, 1); err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(outputDir, "")
	if err != nil {
		t.Fatalf("Resolve after prune: %v", err)
	}
	if _, err := os.Stat(resolved); err != nil {
		t.Errorf("latest target was pruned: %v", err)
	}
}

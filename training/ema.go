// Package training implements the latent-diffusion training loop: the EMA
// parameter tracker, the one-time latent normalization, and the orchestrator
// that ties them to the scheduler and the external model collaborators.
package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// Parameter is one named trainable tensor. Order is significant: the EMA
// tracker matches live parameters to shadows by position, names are carried
// for serialization only.
type Parameter struct {
	Name  string
	Value *tensor.Dense
}

// DecaySchedule maps an update count to an EMA decay rate.
type DecaySchedule struct {
	MaxDecay  float64
	MinDecay  float64
	InvGamma  float64
	Power     float64
	UseWarmup bool
}

// DefaultDecaySchedule mirrors the usual diffusion-training EMA knobs.
func DefaultDecaySchedule() DecaySchedule {
	return DecaySchedule{
		MaxDecay:  0.9999,
		InvGamma:  1.0,
		Power:     0.75,
		UseWarmup: true,
	}
}

// Decay returns the decay rate for the given update count. With warmup the
// rate rises from 0 toward MaxDecay so early, noisy parameters are averaged
// less aggressively.
func (s DecaySchedule) Decay(step int64) float64 {
	if !s.UseWarmup {
		return math.Max(s.MinDecay, s.MaxDecay)
	}
	raw := 1 - math.Pow(1+float64(step)/s.InvGamma, -s.Power)
	return math.Min(s.MaxDecay, math.Max(s.MinDecay, raw))
}

// EMA keeps an exponential moving average of a parameter set. One instance
// per worker; not safe for concurrent use.
type EMA struct {
	schedule DecaySchedule
	shadow   []Parameter
	count    int64
}

// NewEMA seeds the shadow set from the current parameter values.
func NewEMA(params []Parameter, schedule DecaySchedule) (*EMA, error) {
	if schedule.InvGamma <= 0 {
		return nil, fmt.Errorf("inv_gamma must be positive, got %v", schedule.InvGamma)
	}
	if schedule.MaxDecay < schedule.MinDecay {
		return nil, fmt.Errorf("max_decay %v below min_decay %v", schedule.MaxDecay, schedule.MinDecay)
	}

	shadow := make([]Parameter, len(params))
	for i, p := range params {
		data, err := paramData(p)
		if err != nil {
			return nil, err
		}
		shadow[i] = Parameter{
			Name:  p.Name,
			Value: cloneDense(p.Value.Shape(), data),
		}
	}
	return &EMA{schedule: schedule, shadow: shadow}, nil
}

// Step folds the live parameters into the shadows using a single decay rate
// for the whole set, then advances the update counter. The shadow set is
// only mutated once every parameter has been validated, so a failed call
// leaves it untouched.
func (e *EMA) Step(params []Parameter) error {
	if len(params) != len(e.shadow) {
		return fmt.Errorf("parameter count changed: %d live, %d shadow", len(params), len(e.shadow))
	}

	live := make([][]float32, len(params))
	for i, p := range params {
		data, err := paramData(p)
		if err != nil {
			return err
		}
		if len(data) != e.shadow[i].Value.Shape().TotalSize() {
			return fmt.Errorf("parameter %s: shape %v does not match shadow %v",
				p.Name, p.Value.Shape(), e.shadow[i].Value.Shape())
		}
		live[i] = data
	}

	d := e.schedule.Decay(e.count)
	for i := range e.shadow {
		shadow := e.shadow[i].Value.Data().([]float32)
		for j, v := range live[i] {
			shadow[j] += float32((1 - d) * float64(v-shadow[j]))
		}
	}
	e.count++
	return nil
}

// CopyTo overwrites the live parameters with the shadow values.
func (e *EMA) CopyTo(params []Parameter) error {
	if len(params) != len(e.shadow) {
		return fmt.Errorf("parameter count changed: %d live, %d shadow", len(params), len(e.shadow))
	}
	for i, p := range params {
		data, err := paramData(p)
		if err != nil {
			return err
		}
		shadow := e.shadow[i].Value.Data().([]float32)
		if len(data) != len(shadow) {
			return fmt.Errorf("parameter %s: shape %v does not match shadow %v",
				p.Name, p.Value.Shape(), e.shadow[i].Value.Shape())
		}
		copy(data, shadow)
	}
	return nil
}

// CurrentDecay returns the decay rate the next Step call will use.
func (e *EMA) CurrentDecay() float64 {
	return e.schedule.Decay(e.count)
}

// Count returns the number of Step calls applied so far.
func (e *EMA) Count() int64 {
	return e.count
}

// StateDict captures everything needed to resume the tracker exactly:
// shadow tensors, the update counter, and the schedule knobs.
type StateDict struct {
	Schedule DecaySchedule
	Count    int64
	Shadow   []Parameter
}

// StateDict returns a deep copy of the tracker state.
func (e *EMA) StateDict() StateDict {
	shadow := make([]Parameter, len(e.shadow))
	for i, p := range e.shadow {
		shadow[i] = Parameter{
			Name:  p.Name,
			Value: cloneDense(p.Value.Shape(), p.Value.Data().([]float32)),
		}
	}
	return StateDict{Schedule: e.schedule, Count: e.count, Shadow: shadow}
}

// LoadStateDict restores a previously captured state. The shadow set must
// match the current one in count and shapes.
func (e *EMA) LoadStateDict(sd StateDict) error {
	if sd.Schedule.InvGamma <= 0 {
		return errors.New("state dict carries non-positive inv_gamma")
	}
	if len(sd.Shadow) != len(e.shadow) {
		return fmt.Errorf("state dict has %d shadows, tracker has %d", len(sd.Shadow), len(e.shadow))
	}
	restored := make([]Parameter, len(sd.Shadow))
	for i, p := range sd.Shadow {
		data, err := paramData(p)
		if err != nil {
			return err
		}
		if len(data) != e.shadow[i].Value.Shape().TotalSize() {
			return fmt.Errorf("shadow %s: shape %v does not match tracker %v",
				p.Name, p.Value.Shape(), e.shadow[i].Value.Shape())
		}
		restored[i] = Parameter{
			Name:  e.shadow[i].Name,
			Value: cloneDense(e.shadow[i].Value.Shape(), data),
		}
	}
	e.schedule = sd.Schedule
	e.count = sd.Count
	e.shadow = restored
	return nil
}

func paramData(p Parameter) ([]float32, error) {
	data, ok := p.Value.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("parameter %s: expected float32 backing, got %T", p.Name, p.Value.Data())
	}
	return data, nil
}

func cloneDense(shape tensor.Shape, data []float32) *tensor.Dense {
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

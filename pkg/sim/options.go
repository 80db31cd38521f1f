package sim

import "github.com/qubicDB/spikesim/pkg/core"

// PresetCount is the number of derived stimulus presets.
const PresetCount = 5

// Options are the per-session knobs resolved from configuration.
type Options struct {
	TimeStep             float64
	Defaults             core.NeuronParams
	HistoryCapacity      int
	SpikeLogCapacity     int
	StimulusPresets      []float64
	StimulateWhilePaused bool
	MaxNeurons           int
	MaxStepsPerRequest   int
}

// DefaultOptions mirrors core.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(core.DefaultConfig())
}

// OptionsFromConfig extracts the simulation section of cfg.
func OptionsFromConfig(cfg *core.Config) Options {
	s := cfg.Simulation
	return Options{
		TimeStep:             s.TimeStep,
		Defaults:             cfg.NeuronDefaults(),
		HistoryCapacity:      s.HistoryCapacity,
		SpikeLogCapacity:     s.SpikeLogCapacity,
		StimulusPresets:      append([]float64(nil), s.StimulusPresets...),
		StimulateWhilePaused: s.StimulateWhilePaused,
		MaxNeurons:           s.MaxNeurons,
		MaxStepsPerRequest:   s.MaxStepsPerRequest,
	}
}

// DefaultPresets scales the five stimulus strengths 0.1, 0.3, 0.5, 0.7 and
// 0.9 by the threshold-resting gap of p, in millivolts.
func DefaultPresets(p core.NeuronParams) []float64 {
	gap := p.Threshold - p.Resting
	out := make([]float64, PresetCount)
	for i := range out {
		out[i] = (0.1 + 0.2*float64(i)) * gap
	}
	return out
}

func (o Options) presets() []float64 {
	if len(o.StimulusPresets) > 0 {
		return append([]float64(nil), o.StimulusPresets...)
	}
	return DefaultPresets(o.Defaults)
}

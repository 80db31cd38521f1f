package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is a driver-supplied network: neuron constants plus the synapse set.
type Topology struct {
	Neurons  []NeuronParams `json:"neurons" msgpack:"neurons"`
	Synapses []Synapse      `json:"synapses" msgpack:"synapses"`
}

// neuronEntry uses pointers so an empty YAML mapping inherits the defaults
type neuronEntry struct {
	Threshold *float64 `yaml:"threshold"`
	Resting   *float64 `yaml:"resting"`
	LeakRate  *float64 `yaml:"leakRate"`
}

type topologyFile struct {
	Neurons  []neuronEntry `yaml:"neurons"`
	Count    int           `yaml:"count"`
	Synapses []Synapse     `yaml:"synapses"`
}

// UniformTopology returns n identical neurons and no synapses
func UniformTopology(n int, params NeuronParams) Topology {
	t := Topology{Neurons: make([]NeuronParams, n)}
	for i := range t.Neurons {
		t.Neurons[i] = params
	}
	return t
}

// Validate checks every neuron's constants and every synapse's indices.
func (t Topology) Validate() error {
	if len(t.Neurons) == 0 {
		return fmt.Errorf("%w: network needs at least one neuron", ErrInvalidTopology)
	}
	for i, p := range t.Neurons {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("neuron %d: %w", i, err)
		}
	}
	for _, s := range t.Synapses {
		if err := s.Validate(len(t.Neurons)); err != nil {
			return err
		}
	}
	return nil
}

// LoadTopology reads a YAML network description from disk.
func LoadTopology(path string, defaults NeuronParams) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("reading network file %s: %w", path, err)
	}
	t, err := ParseTopology(data, defaults)
	if err != nil {
		return Topology{}, fmt.Errorf("network file %s: %w", path, err)
	}
	return t, nil
}

// ParseTopology decodes a YAML network description.
//
//	neurons:
//	  - {threshold: -50, resting: -70}
//	  - {}
//	synapses:
//	  - {from: 0, to: 1, weight: 30, delay: 2}
//
// "count: N" may replace the neurons list for N default neurons. Fields left
// out of a neuron entry take the given defaults.
func ParseTopology(data []byte, defaults NeuronParams) (Topology, error) {
	var f topologyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Topology{}, fmt.Errorf("%w: %v", ErrInvalidTopologyFile, err)
	}
	if f.Count < 0 {
		return Topology{}, fmt.Errorf("%w: count must be >= 0, got %d", ErrInvalidTopologyFile, f.Count)
	}
	if len(f.Neurons) > 0 && f.Count > 0 && f.Count != len(f.Neurons) {
		return Topology{}, fmt.Errorf("%w: count (%d) disagrees with %d listed neurons", ErrInvalidTopologyFile, f.Count, len(f.Neurons))
	}

	t := Topology{Synapses: f.Synapses}
	if len(f.Neurons) == 0 {
		t.Neurons = UniformTopology(f.Count, defaults).Neurons
	} else {
		t.Neurons = make([]NeuronParams, len(f.Neurons))
		for i, e := range f.Neurons {
			p := defaults
			if e.Threshold != nil {
				p.Threshold = *e.Threshold
			}
			if e.Resting != nil {
				p.Resting = *e.Resting
			}
			if e.LeakRate != nil {
				p.LeakRate = *e.LeakRate
			}
			t.Neurons[i] = p
		}
	}

	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

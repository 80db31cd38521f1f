package core

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID is a unique identifier for a simulation session
type SessionID string

// NewSessionID generates a new unique session ID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ParseSessionID normalizes a client-supplied session ID.
// Any valid UUID form is accepted and rendered canonically.
func ParseSessionID(raw string) (SessionID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: session id %q is not a uuid", ErrInvalidParameter, raw)
	}
	return SessionID(id.String()), nil
}

const (
	// DefaultThreshold is the firing threshold in millivolts.
	DefaultThreshold = -50.0

	// DefaultResting is the resting membrane potential in millivolts.
	DefaultResting = -70.0

	// DefaultLeakRate is the fraction of the distance to rest recovered per unit time.
	DefaultLeakRate = 0.1
)

// NeuronParams holds the fixed constants of a leaky integrate-and-fire neuron
type NeuronParams struct {
	Threshold float64 `yaml:"threshold" json:"threshold" msgpack:"threshold"`
	Resting   float64 `yaml:"resting" json:"resting" msgpack:"resting"`
	LeakRate  float64 `yaml:"leakRate" json:"leakRate" msgpack:"leak_rate"`
}

// DefaultNeuronParams returns the canonical -50/-70 mV neuron
func DefaultNeuronParams() NeuronParams {
	return NeuronParams{
		Threshold: DefaultThreshold,
		Resting:   DefaultResting,
		LeakRate:  DefaultLeakRate,
	}
}

// Validate checks threshold > resting and a positive leak rate.
func (p NeuronParams) Validate() error {
	if p.Threshold <= p.Resting {
		return fmt.Errorf("%w: threshold (%g) must be > resting (%g)", ErrInvalidParameter, p.Threshold, p.Resting)
	}
	if p.LeakRate <= 0 {
		return fmt.Errorf("%w: leak rate must be > 0, got %g", ErrInvalidParameter, p.LeakRate)
	}
	return nil
}

// Neuron is a leaky integrate-and-fire membrane.
//
// Voltage is the only mutable field; Params never change after creation.
// Neurons are not safe for concurrent use, the owning session serializes access.
type Neuron struct {
	Voltage float64      `json:"voltage" msgpack:"voltage"`
	Params  NeuronParams `json:"params" msgpack:"params"`
}

// NewNeuron creates a neuron at its resting potential
func NewNeuron(params NeuronParams) *Neuron {
	return &Neuron{
		Voltage: params.Resting,
		Params:  params,
	}
}

// Update advances the membrane by one tick of length dt and reports whether it fired.
//
// The leak pulls the voltage toward rest: v += (resting - v) * leakRate * dt.
// Firing is evaluated both on the voltage the tick starts with (input that
// was delivered this tick) and on the integrated voltage; a firing neuron is
// reset to resting. dt must be positive, callers guarantee it.
func (n *Neuron) Update(dt float64) bool {
	if n.Voltage >= n.Params.Threshold {
		n.Voltage = n.Params.Resting
		return true
	}

	n.Voltage += (n.Params.Resting - n.Voltage) * n.Params.LeakRate * dt
	if n.Voltage >= n.Params.Threshold {
		n.Voltage = n.Params.Resting
		return true
	}
	return false
}

// ApplyInput adds amount to the membrane voltage immediately.
// There is no clamping and no firing check; firing is only decided in Update.
func (n *Neuron) ApplyInput(amount float64) {
	n.Voltage += amount
}

// Reset returns the neuron to its resting potential
func (n *Neuron) Reset() {
	n.Voltage = n.Params.Resting
}

// Synapse is a directed, weighted, delayed edge between two neuron indices.
// Positive weights are excitatory, negative weights inhibitory.
type Synapse struct {
	Source     int     `yaml:"from" json:"from" msgpack:"from"`
	Target     int     `yaml:"to" json:"to" msgpack:"to"`
	Weight     float64 `yaml:"weight" json:"weight" msgpack:"weight"`
	DelaySteps int     `yaml:"delay" json:"delay" msgpack:"delay"`
}

// Validate checks the synapse against a network of n neurons
func (s Synapse) Validate(n int) error {
	if s.Source < 0 || s.Source >= n {
		return fmt.Errorf("%w: synapse source %d out of range [0,%d)", ErrInvalidTopology, s.Source, n)
	}
	if s.Target < 0 || s.Target >= n {
		return fmt.Errorf("%w: synapse target %d out of range [0,%d)", ErrInvalidTopology, s.Target, n)
	}
	if s.DelaySteps < 0 {
		return fmt.Errorf("%w: synapse %d->%d has negative delay %d", ErrInvalidParameter, s.Source, s.Target, s.DelaySteps)
	}
	return nil
}

// SpikeEvent is a scheduled delivery of a weight increment to a target neuron
type SpikeEvent struct {
	DeliveryTime int64   `json:"deliveryTime" msgpack:"delivery_time"`
	Target       int     `json:"target" msgpack:"target"`
	Weight       float64 `json:"weight" msgpack:"weight"`
}

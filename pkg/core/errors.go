package core

import "errors"

var (
	ErrInvalidTopology     = errors.New("invalid topology")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrInvalidTopologyFile = errors.New("invalid topology file")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrSessionLimit        = errors.New("session limit reached")
	ErrNeuronLimit         = errors.New("network has reached maximum neuron count")
	ErrLastNeuron          = errors.New("cannot remove the last neuron")
	ErrSimulationPaused    = errors.New("simulation is paused")
	ErrUnknownPreset       = errors.New("unknown stimulus preset")
	ErrTooManySteps        = errors.New("step count exceeds per-request limit")
)

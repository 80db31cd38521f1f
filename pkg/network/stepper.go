// Package network advances a set of neurons by one tick: deliver the spikes
// that are due, integrate every membrane, fan out from the neurons that fired.
package network

import (
	"fmt"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/queue"
)

// Report summarizes a single tick.
type Report struct {
	Tick      int64 `json:"tick" msgpack:"tick"`
	Delivered int   `json:"delivered" msgpack:"delivered"`
	Fired     []int `json:"fired" msgpack:"fired"`
	Scheduled int   `json:"scheduled" msgpack:"scheduled"`
}

// FanOut indexes synapses by source neuron.
// The slice for a source keeps the synapses in their original order.
type FanOut [][]core.Synapse

// BuildFanOut builds the adjacency index for n neurons.
// Synapses must already be validated against n.
func BuildFanOut(n int, synapses []core.Synapse) FanOut {
	f := make(FanOut, n)
	for _, s := range synapses {
		f[s.Source] = append(f[s.Source], s)
	}
	return f
}

// Validate checks that every synapse refers to one of n neurons.
func Validate(n int, synapses []core.Synapse) error {
	for _, s := range synapses {
		if err := s.Validate(n); err != nil {
			return err
		}
	}
	return nil
}

func validateQueue(n int, q *queue.EventQueue) error {
	for _, ev := range q.Pending() {
		if ev.Target < 0 || ev.Target >= n {
			return fmt.Errorf("%w: queued event targets neuron %d of %d", core.ErrInvalidTopology, ev.Target, n)
		}
	}
	return nil
}

// Deliver drains every event due at tick and applies its weight to the target.
// It returns the number of events delivered.
func Deliver(neurons []*core.Neuron, q *queue.EventQueue, tick int64) int {
	due := q.DrainDue(tick)
	for _, ev := range due {
		neurons[ev.Target].ApplyInput(ev.Weight)
	}
	return len(due)
}

// Integrate updates neurons in index order and schedules one event per
// outgoing synapse of each neuron that fired, due at tick + delay.
func Integrate(neurons []*core.Neuron, fan FanOut, q *queue.EventQueue, tick int64, dt float64) (fired []int, scheduled int) {
	for i, n := range neurons {
		if !n.Update(dt) {
			continue
		}
		fired = append(fired, i)
		for _, s := range fan[i] {
			q.Schedule(core.SpikeEvent{
				DeliveryTime: tick + int64(s.DelaySteps),
				Target:       s.Target,
				Weight:       s.Weight,
			})
			scheduled++
		}
	}
	return fired, scheduled
}

// Step advances the network by one tick.
//
// Inputs are validated before anything is touched: dt must be positive and
// every synapse and queued event must refer to an existing neuron. Events
// produced by this tick are never delivered within it; a zero-delay event is
// due at tick but the drain for tick already ran, so it lands on tick+1.
func Step(neurons []*core.Neuron, synapses []core.Synapse, q *queue.EventQueue, tick int64, dt float64) (Report, error) {
	if err := validateStep(neurons, synapses, q, dt); err != nil {
		return Report{Tick: tick}, err
	}
	return step(neurons, BuildFanOut(len(neurons), synapses), q, tick, dt), nil
}

func validateStep(neurons []*core.Neuron, synapses []core.Synapse, q *queue.EventQueue, dt float64) error {
	if !(dt > 0) {
		return fmt.Errorf("%w: time step must be > 0, got %g", core.ErrInvalidParameter, dt)
	}
	if err := Validate(len(neurons), synapses); err != nil {
		return err
	}
	return validateQueue(len(neurons), q)
}

func step(neurons []*core.Neuron, fan FanOut, q *queue.EventQueue, tick int64, dt float64) Report {
	r := Report{Tick: tick}
	r.Delivered = Deliver(neurons, q, tick)
	r.Fired, r.Scheduled = Integrate(neurons, fan, q, tick, dt)
	return r
}

// Stepper owns a neuron set, its synapses and the event queue, and caches
// the fan-out index between ticks. The tick counter stays with the caller.
// A Stepper is not safe for concurrent use.
type Stepper struct {
	neurons  []*core.Neuron
	synapses []core.Synapse
	fan      FanOut
	queue    *queue.EventQueue
}

// NewStepper validates the synapses against the neurons and builds the index.
func NewStepper(neurons []*core.Neuron, synapses []core.Synapse) (*Stepper, error) {
	if err := Validate(len(neurons), synapses); err != nil {
		return nil, err
	}
	s := &Stepper{
		neurons:  neurons,
		synapses: append([]core.Synapse(nil), synapses...),
		queue:    queue.New(),
	}
	s.fan = BuildFanOut(len(neurons), s.synapses)
	return s, nil
}

// Step runs one tick at the given tick number.
func (s *Stepper) Step(tick int64, dt float64) (Report, error) {
	if !(dt > 0) {
		return Report{Tick: tick}, fmt.Errorf("%w: time step must be > 0, got %g", core.ErrInvalidParameter, dt)
	}
	// SetNetwork keeps the index and the queue aligned with the neurons.
	if len(s.fan) != len(s.neurons) {
		return Report{Tick: tick}, fmt.Errorf("%w: fan-out index covers %d of %d neurons", core.ErrInvalidTopology, len(s.fan), len(s.neurons))
	}
	return step(s.neurons, s.fan, s.queue, tick, dt), nil
}

// SetSynapses replaces the synapse set. On error nothing changes.
func (s *Stepper) SetSynapses(synapses []core.Synapse) error {
	return s.SetNetwork(s.neurons, synapses)
}

// SetNetwork replaces neurons and synapses together, after validating the
// synapses and every queued event against the new neuron count.
func (s *Stepper) SetNetwork(neurons []*core.Neuron, synapses []core.Synapse) error {
	if err := Validate(len(neurons), synapses); err != nil {
		return err
	}
	if err := validateQueue(len(neurons), s.queue); err != nil {
		return err
	}
	s.neurons = neurons
	s.synapses = append([]core.Synapse(nil), synapses...)
	s.fan = BuildFanOut(len(neurons), s.synapses)
	return nil
}

// Neurons returns the live neuron slice.
func (s *Stepper) Neurons() []*core.Neuron { return s.neurons }

// Synapses returns a copy of the synapse set.
func (s *Stepper) Synapses() []core.Synapse {
	return append([]core.Synapse(nil), s.synapses...)
}

// Queue returns the stepper's event queue.
func (s *Stepper) Queue() *queue.EventQueue { return s.queue }

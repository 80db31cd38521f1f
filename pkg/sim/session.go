// Package sim holds the simulation context of one network: neurons,
// synapses, in-flight spikes, the tick counter, run state and the traces a
// display reads. A Session is driven by exactly one goroutine.
package sim

import (
	"fmt"
	"math"
	"time"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/network"
	"github.com/qubicDB/spikesim/pkg/trace"
)

// Session is a single simulated network and its driver state.
type Session struct {
	id      core.SessionID
	opts    Options
	presets []float64

	neurons   []*core.Neuron
	stepper   *network.Stepper
	histories []*trace.History
	spikes    []*trace.SpikeLog

	tick      int64
	running   bool
	lastFired []int
	createdAt time.Time
}

// NeuronState is the read-side view of one neuron.
type NeuronState struct {
	Index     int               `json:"index" msgpack:"index"`
	Voltage   float64           `json:"voltage" msgpack:"voltage"`
	Params    core.NeuronParams `json:"params" msgpack:"params"`
	Spikes    uint64            `json:"spikes" msgpack:"spikes"`
	LastSpike *int64            `json:"lastSpike,omitempty" msgpack:"last_spike,omitempty"`
}

// Snapshot is a consistent copy of the session state between ticks.
type Snapshot struct {
	ID            core.SessionID `json:"id" msgpack:"id"`
	Tick          int64          `json:"tick" msgpack:"tick"`
	TimeMs        float64        `json:"timeMs" msgpack:"time_ms"`
	TimeStep      float64        `json:"timeStep" msgpack:"time_step"`
	Running       bool           `json:"running" msgpack:"running"`
	Neurons       []NeuronState  `json:"neurons" msgpack:"neurons"`
	Synapses      []core.Synapse `json:"synapses" msgpack:"synapses"`
	PendingEvents int            `json:"pendingEvents" msgpack:"pending_events"`
	Presets       []float64      `json:"presets" msgpack:"presets"`
	CreatedAt     time.Time      `json:"createdAt" msgpack:"created_at"`
}

// RunSummary aggregates a burst of ticks.
type RunSummary struct {
	StartTick   int64 `json:"startTick"`
	Ticks       int   `json:"ticks"`
	Delivered   int   `json:"delivered"`
	Scheduled   int   `json:"scheduled"`
	Spikes      int   `json:"spikes"`
	SpikeCounts []int `json:"spikeCounts"`
}

// RemoveResult reports what a neuron removal discarded.
type RemoveResult struct {
	Index           int `json:"index"`
	SynapsesDropped int `json:"synapsesDropped"`
	EventsDropped   int `json:"eventsDropped"`
}

// NewSession builds a paused session at tick 0 from a validated topology.
func NewSession(id core.SessionID, opts Options, topo core.Topology) (*Session, error) {
	if !(opts.TimeStep > 0) {
		return nil, fmt.Errorf("%w: time step must be > 0, got %g", core.ErrInvalidParameter, opts.TimeStep)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxNeurons > 0 && len(topo.Neurons) > opts.MaxNeurons {
		return nil, fmt.Errorf("%w: %d neurons requested, limit is %d", core.ErrNeuronLimit, len(topo.Neurons), opts.MaxNeurons)
	}

	neurons := make([]*core.Neuron, len(topo.Neurons))
	for i, p := range topo.Neurons {
		neurons[i] = core.NewNeuron(p)
	}
	stepper, err := network.NewStepper(neurons, topo.Synapses)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        id,
		opts:      opts,
		presets:   opts.presets(),
		neurons:   neurons,
		stepper:   stepper,
		createdAt: time.Now(),
	}
	for _, n := range neurons {
		s.histories = append(s.histories, trace.NewHistory(opts.HistoryCapacity, n.Params.Resting))
		s.spikes = append(s.spikes, trace.NewSpikeLog(opts.SpikeLogCapacity))
	}
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() core.SessionID { return s.id }

// Options returns the options the session was built with
func (s *Session) Options() Options { return s.opts }

// Step advances one tick, archives every voltage and logs the spikes.
// The tick counter only advances when the step succeeds.
func (s *Session) Step() (network.Report, error) {
	r, err := s.stepper.Step(s.tick, s.opts.TimeStep)
	if err != nil {
		return r, err
	}
	for i, n := range s.neurons {
		s.histories[i].Push(n.Voltage)
	}
	for _, i := range r.Fired {
		s.spikes[i].Record(s.tick)
	}
	s.lastFired = r.Fired
	s.tick++
	return r, nil
}

// Run steps n times regardless of the running flag and stops at the first error.
func (s *Session) Run(n int) (RunSummary, error) {
	sum := RunSummary{StartTick: s.tick, SpikeCounts: make([]int, len(s.neurons))}
	if n < 0 {
		return sum, fmt.Errorf("%w: tick count must be >= 0, got %d", core.ErrInvalidParameter, n)
	}
	if s.opts.MaxStepsPerRequest > 0 && n > s.opts.MaxStepsPerRequest {
		return sum, fmt.Errorf("%w: %d > %d", core.ErrTooManySteps, n, s.opts.MaxStepsPerRequest)
	}
	for i := 0; i < n; i++ {
		r, err := s.Step()
		if err != nil {
			return sum, err
		}
		sum.Ticks++
		sum.Delivered += r.Delivered
		sum.Scheduled += r.Scheduled
		sum.Spikes += len(r.Fired)
		for _, idx := range r.Fired {
			sum.SpikeCounts[idx]++
		}
	}
	return sum, nil
}

// Play sets the running flag
func (s *Session) Play() { s.running = true }

// Pause clears the running flag
func (s *Session) Pause() { s.running = false }

// Toggle flips the running flag and returns the new value
func (s *Session) Toggle() bool {
	s.running = !s.running
	return s.running
}

// Running reports whether the frame clock should advance this session
func (s *Session) Running() bool { return s.running }

// Stimulate adds amount to the voltage of every target immediately.
// Empty targets means every neuron. All targets are checked before any is touched.
func (s *Session) Stimulate(amount float64, targets []int) error {
	if !s.running && !s.opts.StimulateWhilePaused {
		return core.ErrSimulationPaused
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: stimulus amount must be finite", core.ErrInvalidParameter)
	}
	for _, t := range targets {
		if t < 0 || t >= len(s.neurons) {
			return fmt.Errorf("%w: stimulus target %d out of range [0,%d)", core.ErrInvalidParameter, t, len(s.neurons))
		}
	}

	if len(targets) == 0 {
		for _, n := range s.neurons {
			n.ApplyInput(amount)
		}
		return nil
	}
	for _, t := range targets {
		s.neurons[t].ApplyInput(amount)
	}
	return nil
}

// StimulatePreset applies preset i (0-based).
func (s *Session) StimulatePreset(i int, targets []int) error {
	if i < 0 || i >= len(s.presets) {
		return fmt.Errorf("%w: preset %d, have %d", core.ErrUnknownPreset, i, len(s.presets))
	}
	return s.Stimulate(s.presets[i], targets)
}

// Presets returns the stimulus amounts in millivolts.
func (s *Session) Presets() []float64 {
	return append([]float64(nil), s.presets...)
}

// AddNeuron appends a neuron at rest and returns its index.
func (s *Session) AddNeuron(params core.NeuronParams) (int, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	if s.opts.MaxNeurons > 0 && len(s.neurons) >= s.opts.MaxNeurons {
		return 0, fmt.Errorf("%w: limit is %d", core.ErrNeuronLimit, s.opts.MaxNeurons)
	}

	neurons := make([]*core.Neuron, len(s.neurons), len(s.neurons)+1)
	copy(neurons, s.neurons)
	neurons = append(neurons, core.NewNeuron(params))
	if err := s.stepper.SetNetwork(neurons, s.stepper.Synapses()); err != nil {
		return 0, err
	}

	s.neurons = neurons
	s.histories = append(s.histories, trace.NewHistory(s.opts.HistoryCapacity, params.Resting))
	s.spikes = append(s.spikes, trace.NewSpikeLog(s.opts.SpikeLogCapacity))
	return len(neurons) - 1, nil
}

// RemoveNeuron deletes neuron i. Synapses touching it and events aimed at
// it are discarded; higher indices shift down by one everywhere.
func (s *Session) RemoveNeuron(i int) (RemoveResult, error) {
	if len(s.neurons) <= 1 {
		return RemoveResult{}, core.ErrLastNeuron
	}
	if i < 0 || i >= len(s.neurons) {
		return RemoveResult{}, fmt.Errorf("%w: neuron %d out of range [0,%d)", core.ErrInvalidParameter, i, len(s.neurons))
	}

	renumber := func(idx int) (int, bool) {
		switch {
		case idx == i:
			return 0, false
		case idx > i:
			return idx - 1, true
		default:
			return idx, true
		}
	}

	res := RemoveResult{Index: i}
	old := s.stepper.Synapses()
	synapses := make([]core.Synapse, 0, len(old))
	for _, syn := range old {
		src, okSrc := renumber(syn.Source)
		dst, okDst := renumber(syn.Target)
		if !okSrc || !okDst {
			res.SynapsesDropped++
			continue
		}
		syn.Source, syn.Target = src, dst
		synapses = append(synapses, syn)
	}

	neurons := make([]*core.Neuron, 0, len(s.neurons)-1)
	neurons = append(neurons, s.neurons[:i]...)
	neurons = append(neurons, s.neurons[i+1:]...)
	if err := network.Validate(len(neurons), synapses); err != nil {
		return RemoveResult{}, err
	}

	res.EventsDropped = s.stepper.Queue().Retarget(renumber)
	if err := s.stepper.SetNetwork(neurons, synapses); err != nil {
		return RemoveResult{}, err
	}

	s.neurons = neurons
	s.histories = append(s.histories[:i], s.histories[i+1:]...)
	s.spikes = append(s.spikes[:i], s.spikes[i+1:]...)
	return res, nil
}

// RemoveLastNeuron deletes the highest-indexed neuron.
func (s *Session) RemoveLastNeuron() (RemoveResult, error) {
	return s.RemoveNeuron(len(s.neurons) - 1)
}

// SetSynapses swaps in a new synapse set; on error the old set stays.
func (s *Session) SetSynapses(synapses []core.Synapse) error {
	return s.stepper.SetSynapses(synapses)
}

// Reset returns to tick 0, paused, with every neuron at rest and no spikes in flight.
func (s *Session) Reset() {
	for i, n := range s.neurons {
		n.Reset()
		s.histories[i].Reset(n.Params.Resting)
		s.spikes[i].Reset()
	}
	s.stepper.Queue().Clear()
	s.tick = 0
	s.running = false
	s.lastFired = nil
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// Tick returns the number of completed ticks
func (s *Session) Tick() int64 { return s.tick }

// TimeMs returns simulated time in milliseconds
func (s *Session) TimeMs() float64 { return float64(s.tick) * s.opts.TimeStep }

// NeuronCount returns the current network size
func (s *Session) NeuronCount() int { return len(s.neurons) }

// Voltages returns every neuron's membrane voltage in index order.
func (s *Session) Voltages() []float64 {
	out := make([]float64, len(s.neurons))
	for i, n := range s.neurons {
		out[i] = n.Voltage
	}
	return out
}

// Histories returns every neuron's voltage history, oldest sample first.
func (s *Session) Histories() [][]float64 {
	out := make([][]float64, len(s.histories))
	for i, h := range s.histories {
		out[i] = h.Values()
	}
	return out
}

// History returns neuron i's voltage history.
func (s *Session) History(i int) ([]float64, error) {
	if i < 0 || i >= len(s.histories) {
		return nil, fmt.Errorf("%w: neuron %d out of range [0,%d)", core.ErrInvalidParameter, i, len(s.histories))
	}
	return s.histories[i].Values(), nil
}

// Synapses returns a copy of the synapse set
func (s *Session) Synapses() []core.Synapse { return s.stepper.Synapses() }

// PendingEvents returns the in-flight spikes in delivery order
func (s *Session) PendingEvents() []core.SpikeEvent { return s.stepper.Queue().Pending() }

// Spikes returns the retained spike ticks of every neuron
func (s *Session) Spikes() [][]int64 {
	out := make([][]int64, len(s.spikes))
	for i, l := range s.spikes {
		out[i] = l.Ticks()
	}
	return out
}

// LastFired returns the neurons that fired on the most recent tick
func (s *Session) LastFired() []int {
	out := make([]int, len(s.lastFired))
	copy(out, s.lastFired)
	return out
}

// Snapshot copies the full state
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		Tick:          s.tick,
		TimeMs:        s.TimeMs(),
		TimeStep:      s.opts.TimeStep,
		Running:       s.running,
		Neurons:       make([]NeuronState, len(s.neurons)),
		Synapses:      s.stepper.Synapses(),
		PendingEvents: s.stepper.Queue().Len(),
		Presets:       s.Presets(),
		CreatedAt:     s.createdAt,
	}
	for i, n := range s.neurons {
		ns := NeuronState{
			Index:   i,
			Voltage: n.Voltage,
			Params:  n.Params,
			Spikes:  s.spikes[i].Total(),
		}
		if last, ok := s.spikes[i].Last(); ok {
			ns.LastSpike = &last
		}
		snap.Neurons[i] = ns
	}
	return snap
}

// Frame builds the display frame; histories are included on request.
func (s *Session) Frame(withHistories bool) *trace.Frame {
	f := &trace.Frame{
		SessionID: string(s.id),
		Tick:      s.tick,
		TimeMs:    s.TimeMs(),
		Running:   s.running,
		Voltages:  s.Voltages(),
		Spiked:    s.LastFired(),
	}
	if withHistories {
		f.Histories = s.Histories()
	}
	return f
}

package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/qubicDB/spikesim/pkg/core"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.HistoryCapacity = 8
	opts.SpikeLogCapacity = 4
	opts.MaxNeurons = 4
	opts.MaxStepsPerRequest = 100
	return opts
}

func newTestSession(t *testing.T, n int, synapses ...core.Synapse) *Session {
	t.Helper()
	topo := core.UniformTopology(n, core.DefaultNeuronParams())
	topo.Synapses = synapses
	s, err := NewSession(core.NewSessionID(), testOptions(), topo)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func TestNewSessionStartsPausedAtRest(t *testing.T) {
	s := newTestSession(t, 2)
	if s.Running() {
		t.Error("new session should be paused")
	}
	if s.Tick() != 0 || s.TimeMs() != 0 {
		t.Errorf("expected tick 0, got %d (%g ms)", s.Tick(), s.TimeMs())
	}
	for i, v := range s.Voltages() {
		if v != -70 {
			t.Errorf("neuron %d: expected -70, got %g", i, v)
		}
	}
	hist := s.Histories()
	if len(hist) != 2 || len(hist[0]) != 8 {
		t.Fatalf("expected 2 histories of 8, got %d/%d", len(hist), len(hist[0]))
	}
	for _, v := range hist[1] {
		if v != -70 {
			t.Fatalf("histories should be pre-filled with resting, got %v", hist[1])
		}
	}
}

func TestNewSessionRejections(t *testing.T) {
	opts := testOptions()

	if _, err := NewSession("x", opts, core.Topology{}); !errors.Is(err, core.ErrInvalidTopology) {
		t.Errorf("empty topology: expected ErrInvalidTopology, got %v", err)
	}

	big := core.UniformTopology(5, core.DefaultNeuronParams())
	if _, err := NewSession("x", opts, big); !errors.Is(err, core.ErrNeuronLimit) {
		t.Errorf("oversized topology: expected ErrNeuronLimit, got %v", err)
	}

	dangling := core.UniformTopology(2, core.DefaultNeuronParams())
	dangling.Synapses = []core.Synapse{{Source: 0, Target: 3}}
	if _, err := NewSession("x", opts, dangling); !errors.Is(err, core.ErrInvalidTopology) {
		t.Errorf("dangling synapse: expected ErrInvalidTopology, got %v", err)
	}

	opts.TimeStep = 0
	if _, err := NewSession("x", opts, core.UniformTopology(1, core.DefaultNeuronParams())); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("zero dt: expected ErrInvalidParameter, got %v", err)
	}
}

func TestStepArchivesAndAdvances(t *testing.T) {
	s := newTestSession(t, 2, core.Synapse{Source: 0, Target: 1, Weight: 30, DelaySteps: 2})
	s.Play()
	if err := s.Stimulate(20, []int{0}); err != nil {
		t.Fatalf("Stimulate: %v", err)
	}

	r, err := s.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(r.Fired) != 1 || r.Fired[0] != 0 {
		t.Fatalf("expected neuron 0 to fire, got %v", r.Fired)
	}
	if s.Tick() != 1 || s.TimeMs() != 1 {
		t.Errorf("expected tick 1 / 1 ms, got %d / %g", s.Tick(), s.TimeMs())
	}
	h, _ := s.History(0)
	if h[len(h)-1] != -70 {
		t.Errorf("history should hold the post-reset voltage, got %g", h[len(h)-1])
	}
	if spikes := s.Spikes(); len(spikes[0]) != 1 || spikes[0][0] != 0 {
		t.Errorf("expected a spike logged at tick 0, got %v", spikes)
	}
	if got := s.LastFired(); len(got) != 1 || got[0] != 0 {
		t.Errorf("expected LastFired [0], got %v", got)
	}
	if ev := s.PendingEvents(); len(ev) != 1 || ev[0].DeliveryTime != 2 {
		t.Errorf("expected one event due at tick 2, got %v", ev)
	}

	// Ticks 1 and 2: B receives +30 at tick 2 and fires.
	s.Step()
	r, _ = s.Step()
	if r.Delivered != 1 || len(r.Fired) != 1 || r.Fired[0] != 1 {
		t.Errorf("tick 2: expected delivery and B firing, got %+v", r)
	}
}

func TestRun(t *testing.T) {
	s := newTestSession(t, 2,
		core.Synapse{Source: 0, Target: 1, Weight: 30, DelaySteps: 1},
		core.Synapse{Source: 1, Target: 0, Weight: 30, DelaySteps: 1},
	)
	s.Play()
	s.Stimulate(20, []int{0})

	sum, err := s.Run(10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Ticks != 10 || s.Tick() != 10 {
		t.Errorf("expected 10 ticks, got %d (session at %d)", sum.Ticks, s.Tick())
	}
	// The pair ping-pongs: one spike per tick with delay 1.
	if sum.Spikes != 10 || sum.SpikeCounts[0] != 5 || sum.SpikeCounts[1] != 5 {
		t.Errorf("expected alternating spikes, got %+v", sum)
	}

	if _, err := s.Run(101); !errors.Is(err, core.ErrTooManySteps) {
		t.Errorf("expected ErrTooManySteps, got %v", err)
	}
	if _, err := s.Run(-1); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
	if s.Tick() != 10 {
		t.Error("rejected runs must not advance")
	}
}

func TestPlayPauseToggle(t *testing.T) {
	s := newTestSession(t, 1)
	s.Play()
	if !s.Running() {
		t.Error("Play should start the session")
	}
	s.Pause()
	if s.Running() {
		t.Error("Pause should stop the session")
	}
	if !s.Toggle() || !s.Running() {
		t.Error("Toggle from paused should run")
	}
	if s.Toggle() {
		t.Error("Toggle from running should pause")
	}
}

func TestStimulate(t *testing.T) {
	s := newTestSession(t, 3)

	if err := s.Stimulate(5, nil); !errors.Is(err, core.ErrSimulationPaused) {
		t.Fatalf("paused session: expected ErrSimulationPaused, got %v", err)
	}

	s.Play()
	if err := s.Stimulate(5, nil); err != nil {
		t.Fatalf("Stimulate: %v", err)
	}
	for i, v := range s.Voltages() {
		if v != -65 {
			t.Errorf("neuron %d: expected -65, got %g", i, v)
		}
	}

	if err := s.Stimulate(10, []int{2}); err != nil {
		t.Fatalf("Stimulate: %v", err)
	}
	if v := s.Voltages(); v[0] != -65 || v[2] != -55 {
		t.Errorf("expected only neuron 2 stimulated, got %v", v)
	}

	if err := s.Stimulate(10, []int{0, 7}); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("bad target: expected ErrInvalidParameter, got %v", err)
	}
	if s.Voltages()[0] != -65 {
		t.Error("rejected stimulus must not touch valid targets")
	}
	if err := s.Stimulate(math.NaN(), nil); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("NaN: expected ErrInvalidParameter, got %v", err)
	}
}

func TestStimulateWhilePausedOption(t *testing.T) {
	opts := testOptions()
	opts.StimulateWhilePaused = true
	s, err := NewSession("x", opts, core.UniformTopology(1, core.DefaultNeuronParams()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Stimulate(3, nil); err != nil {
		t.Errorf("stimulus should land on a paused session: %v", err)
	}
}

func TestStimulatePreset(t *testing.T) {
	s := newTestSession(t, 1)
	s.Play()

	want := []float64{2, 6, 10, 14, 18}
	got := s.Presets()
	if len(got) != len(want) {
		t.Fatalf("expected %d presets, got %v", len(want), got)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("preset %d: expected %g, got %g", i, want[i], got[i])
		}
	}

	if err := s.StimulatePreset(2, nil); err != nil {
		t.Fatalf("StimulatePreset: %v", err)
	}
	if v := s.Voltages()[0]; math.Abs(v-(-60)) > 1e-9 {
		t.Errorf("expected -60, got %g", v)
	}
	if err := s.StimulatePreset(5, nil); !errors.Is(err, core.ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestConfiguredPresets(t *testing.T) {
	opts := testOptions()
	opts.StimulusPresets = []float64{1.5}
	s, _ := NewSession("x", opts, core.UniformTopology(1, core.DefaultNeuronParams()))
	if p := s.Presets(); len(p) != 1 || p[0] != 1.5 {
		t.Errorf("expected configured preset, got %v", p)
	}
}

func TestAddNeuron(t *testing.T) {
	s := newTestSession(t, 1)
	s.Run(3)

	params := core.NeuronParams{Threshold: -45, Resting: -65, LeakRate: 0.2}
	idx, err := s.AddNeuron(params)
	if err != nil {
		t.Fatalf("AddNeuron: %v", err)
	}
	if idx != 1 || s.NeuronCount() != 2 {
		t.Fatalf("expected index 1 of 2, got %d of %d", idx, s.NeuronCount())
	}
	if v := s.Voltages()[1]; v != -65 {
		t.Errorf("new neuron should rest at -65, got %g", v)
	}
	h, _ := s.History(1)
	for _, v := range h {
		if v != -65 {
			t.Fatalf("new history should be filled with its resting voltage, got %v", h)
		}
	}

	// The new neuron is usable as a synapse endpoint immediately.
	if err := s.SetSynapses([]core.Synapse{{Source: 0, Target: 1, Weight: 30}}); err != nil {
		t.Errorf("SetSynapses to new neuron: %v", err)
	}

	if _, err := s.AddNeuron(core.NeuronParams{Threshold: -80, Resting: -70, LeakRate: 0.1}); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("bad params: expected ErrInvalidParameter, got %v", err)
	}

	s.AddNeuron(core.DefaultNeuronParams())
	s.AddNeuron(core.DefaultNeuronParams())
	if _, err := s.AddNeuron(core.DefaultNeuronParams()); !errors.Is(err, core.ErrNeuronLimit) {
		t.Errorf("expected ErrNeuronLimit at 4 neurons, got %v", err)
	}
}

func TestRemoveNeuronReconciles(t *testing.T) {
	s := newTestSession(t, 3,
		core.Synapse{Source: 0, Target: 1, Weight: 1, DelaySteps: 5},
		core.Synapse{Source: 0, Target: 2, Weight: 2, DelaySteps: 5},
		core.Synapse{Source: 2, Target: 0, Weight: 3, DelaySteps: 5},
		core.Synapse{Source: 1, Target: 1, Weight: 4, DelaySteps: 5},
	)
	s.Play()
	s.Stimulate(25, []int{0})
	if _, err := s.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(s.PendingEvents()) != 2 {
		t.Fatalf("expected 2 events in flight, got %v", s.PendingEvents())
	}
	s.Stimulate(3, []int{2})
	v2 := s.Voltages()[2]

	res, err := s.RemoveNeuron(1)
	if err != nil {
		t.Fatalf("RemoveNeuron: %v", err)
	}
	if res.SynapsesDropped != 2 || res.EventsDropped != 1 {
		t.Errorf("expected 2 synapses and 1 event dropped, got %+v", res)
	}
	if s.NeuronCount() != 2 || len(s.Histories()) != 2 || len(s.Spikes()) != 2 {
		t.Fatalf("expected 2 neurons with traces, got %d", s.NeuronCount())
	}
	if s.Voltages()[1] != v2 {
		t.Errorf("old neuron 2 should now be index 1 with voltage %g, got %g", v2, s.Voltages()[1])
	}

	syns := s.Synapses()
	if len(syns) != 2 {
		t.Fatalf("expected 2 surviving synapses, got %v", syns)
	}
	if syns[0] != (core.Synapse{Source: 0, Target: 1, Weight: 2, DelaySteps: 5}) {
		t.Errorf("unexpected renumbered synapse %+v", syns[0])
	}
	if syns[1] != (core.Synapse{Source: 1, Target: 0, Weight: 3, DelaySteps: 5}) {
		t.Errorf("unexpected renumbered synapse %+v", syns[1])
	}

	ev := s.PendingEvents()
	if len(ev) != 1 || ev[0].Target != 1 || ev[0].Weight != 2 {
		t.Errorf("expected the event for old neuron 2 retargeted to 1, got %v", ev)
	}

	// The network keeps stepping cleanly after the edit.
	if _, err := s.Run(10); err != nil {
		t.Errorf("Run after removal: %v", err)
	}
}

func TestRemoveNeuronRejections(t *testing.T) {
	s := newTestSession(t, 2)
	if _, err := s.RemoveNeuron(2); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("out of range: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := s.RemoveLastNeuron(); err != nil {
		t.Fatalf("RemoveLastNeuron: %v", err)
	}
	if _, err := s.RemoveLastNeuron(); !errors.Is(err, core.ErrLastNeuron) {
		t.Errorf("expected ErrLastNeuron, got %v", err)
	}
	if s.NeuronCount() != 1 {
		t.Errorf("expected 1 neuron, got %d", s.NeuronCount())
	}
}

func TestSetSynapsesAtomic(t *testing.T) {
	s := newTestSession(t, 2, core.Synapse{Source: 0, Target: 1, Weight: 1})
	err := s.SetSynapses([]core.Synapse{{Source: 0, Target: 1}, {Source: 1, Target: 9}})
	if !errors.Is(err, core.ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got %v", err)
	}
	if syns := s.Synapses(); len(syns) != 1 || syns[0].Weight != 1 {
		t.Errorf("failed swap must keep old synapses, got %v", syns)
	}
}

func TestReset(t *testing.T) {
	s := newTestSession(t, 2, core.Synapse{Source: 0, Target: 1, Weight: 10, DelaySteps: 3})
	s.Play()
	s.Stimulate(25, []int{0})
	s.Run(2)
	s.Stimulate(4, []int{1})

	s.Reset()
	if s.Tick() != 0 || s.Running() {
		t.Errorf("expected paused at tick 0, got tick %d running %v", s.Tick(), s.Running())
	}
	if len(s.PendingEvents()) != 0 {
		t.Error("reset should clear in-flight spikes")
	}
	for _, v := range s.Voltages() {
		if v != -70 {
			t.Errorf("expected rest, got %v", s.Voltages())
		}
	}
	for _, l := range s.Spikes() {
		if len(l) != 0 {
			t.Errorf("expected empty spike logs, got %v", s.Spikes())
		}
	}
	if len(s.Synapses()) != 1 {
		t.Error("reset keeps the topology")
	}
}

func TestSnapshotAndFrame(t *testing.T) {
	s := newTestSession(t, 2, core.Synapse{Source: 0, Target: 1, Weight: 30, DelaySteps: 2})
	s.Play()
	s.Stimulate(20, []int{0})
	s.Step()

	snap := s.Snapshot()
	if snap.ID != s.ID() || snap.Tick != 1 || !snap.Running {
		t.Errorf("unexpected snapshot header %+v", snap)
	}
	if len(snap.Neurons) != 2 || snap.Neurons[0].Spikes != 1 || snap.Neurons[0].LastSpike == nil || *snap.Neurons[0].LastSpike != 0 {
		t.Errorf("unexpected neuron states %+v", snap.Neurons)
	}
	if snap.Neurons[1].LastSpike != nil {
		t.Error("silent neuron should have no last spike")
	}
	if snap.PendingEvents != 1 || len(snap.Synapses) != 1 || len(snap.Presets) != PresetCount {
		t.Errorf("unexpected snapshot body %+v", snap)
	}

	f := s.Frame(false)
	if f.Tick != 1 || len(f.Voltages) != 2 || f.Histories != nil {
		t.Errorf("unexpected frame %+v", f)
	}
	if len(f.Spiked) != 1 || f.Spiked[0] != 0 {
		t.Errorf("expected spiked [0], got %v", f.Spiked)
	}
	if f = s.Frame(true); len(f.Histories) != 2 || len(f.Histories[0]) != 8 {
		t.Errorf("expected histories in frame, got %d", len(f.Histories))
	}
}

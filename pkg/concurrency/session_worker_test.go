package concurrency

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/network"
	"github.com/qubicDB/spikesim/pkg/sim"
	"github.com/qubicDB/spikesim/pkg/trace"
)

type recordingObserver struct {
	mu    sync.Mutex
	stats []TickStats
}

func (o *recordingObserver) ObserveTicks(_ core.SessionID, st TickStats) {
	o.mu.Lock()
	o.stats = append(o.stats, st)
	o.mu.Unlock()
}

func (o *recordingObserver) totalTicks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.stats {
		n += st.Ticks
	}
	return n
}

func newTestWorker(t *testing.T, obs TickObserver) *SessionWorker {
	t.Helper()
	topo := core.UniformTopology(2, core.DefaultNeuronParams())
	topo.Synapses = []core.Synapse{{Source: 0, Target: 1, Weight: 30, DelaySteps: 2}}
	s, err := sim.NewSession(core.NewSessionID(), sim.DefaultOptions(), topo)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	w := NewSessionWorker(s, obs)
	t.Cleanup(w.Stop)
	return w
}

func intPtr(v int) *int { return &v }

func TestOperationTypesDistinct(t *testing.T) {
	ops := []OpType{
		OpStep, OpRun, OpPlay, OpPause, OpToggle, OpStimulate, OpAddNeuron,
		OpRemoveNeuron, OpSetSynapses, OpReset, OpSnapshot, OpFrame,
		OpHistory, OpEvents, OpSpikes, OpGetStats, OpFrameTick, OpShutdown,
	}
	seen := make(map[OpType]bool)
	names := make(map[string]bool)
	for _, op := range ops {
		if seen[op] {
			t.Errorf("Duplicate OpType: %d", op)
		}
		seen[op] = true
		if names[op.String()] {
			t.Errorf("Duplicate OpType name: %s", op)
		}
		names[op.String()] = true
	}
	if OpType(99).String() != "op(99)" {
		t.Errorf("unexpected name for unknown op: %s", OpType(99))
	}
}

func TestSessionWorkerStepAndStimulate(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWorker(t, obs)

	// Paused sessions reject stimuli by default.
	_, err := w.Submit(&Operation{Type: OpStimulate, Payload: StimulateRequest{Amount: 20, Targets: []int{0}}})
	if !errors.Is(err, core.ErrSimulationPaused) {
		t.Fatalf("expected ErrSimulationPaused, got %v", err)
	}

	if res, _ := w.Submit(&Operation{Type: OpPlay}); res.(bool) != true {
		t.Error("OpPlay should report running")
	}
	if _, err := w.Submit(&Operation{Type: OpStimulate, Payload: StimulateRequest{Amount: 20, Targets: []int{0}}}); err != nil {
		t.Fatalf("OpStimulate failed: %v", err)
	}

	res, err := w.Submit(&Operation{Type: OpStep})
	if err != nil {
		t.Fatalf("OpStep failed: %v", err)
	}
	r := res.(network.Report)
	if r.Tick != 0 || len(r.Fired) != 1 || r.Fired[0] != 0 {
		t.Errorf("expected neuron 0 to fire at tick 0, got %+v", r)
	}

	res, err = w.Submit(&Operation{Type: OpRun, Payload: RunRequest{Ticks: 2}})
	if err != nil {
		t.Fatalf("OpRun failed: %v", err)
	}
	sum := res.(sim.RunSummary)
	if sum.Ticks != 2 || sum.Delivered != 1 || sum.SpikeCounts[1] != 1 {
		t.Errorf("expected B to receive and fire during the burst, got %+v", sum)
	}

	if obs.totalTicks() != 3 {
		t.Errorf("observer should see 3 ticks, got %d", obs.totalTicks())
	}
}

func TestSessionWorkerPresetStimulus(t *testing.T) {
	w := newTestWorker(t, nil)
	w.Submit(&Operation{Type: OpPlay})

	if _, err := w.Submit(&Operation{Type: OpStimulate, Payload: StimulateRequest{Preset: intPtr(4)}}); err != nil {
		t.Fatalf("preset stimulus failed: %v", err)
	}
	res, _ := w.Submit(&Operation{Type: OpSnapshot})
	snap := res.(sim.Snapshot)
	if v := snap.Neurons[0].Voltage; v < -52.01 || v > -51.99 {
		t.Errorf("preset 5 should add 18 mV, got %g", v)
	}

	_, err := w.Submit(&Operation{Type: OpStimulate, Payload: StimulateRequest{Preset: intPtr(9)}})
	if !errors.Is(err, core.ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestSessionWorkerTopologyOps(t *testing.T) {
	w := newTestWorker(t, nil)

	res, err := w.Submit(&Operation{Type: OpAddNeuron, Payload: AddNeuronRequest{}})
	if err != nil {
		t.Fatalf("OpAddNeuron failed: %v", err)
	}
	if res.(int) != 2 {
		t.Errorf("expected new index 2, got %v", res)
	}

	params := core.NeuronParams{Threshold: -40, Resting: -60, LeakRate: 0.2}
	res, _ = w.Submit(&Operation{Type: OpAddNeuron, Payload: AddNeuronRequest{Params: &params}})
	if res.(int) != 3 {
		t.Errorf("expected new index 3, got %v", res)
	}

	if _, err := w.Submit(&Operation{Type: OpSetSynapses, Payload: []core.Synapse{{Source: 3, Target: 0, Weight: 5}}}); err != nil {
		t.Fatalf("OpSetSynapses failed: %v", err)
	}
	_, err = w.Submit(&Operation{Type: OpSetSynapses, Payload: []core.Synapse{{Source: 4, Target: 0}}})
	if !errors.Is(err, core.ErrInvalidTopology) {
		t.Errorf("expected ErrInvalidTopology, got %v", err)
	}

	res, err = w.Submit(&Operation{Type: OpRemoveNeuron, Payload: RemoveNeuronRequest{Index: intPtr(0)}})
	if err != nil {
		t.Fatalf("OpRemoveNeuron failed: %v", err)
	}
	if rr := res.(sim.RemoveResult); rr.SynapsesDropped != 1 {
		t.Errorf("expected the 3->0 synapse dropped, got %+v", rr)
	}

	res, err = w.Submit(&Operation{Type: OpRemoveNeuron, Payload: RemoveNeuronRequest{}})
	if err != nil {
		t.Fatalf("remove last failed: %v", err)
	}
	if rr := res.(sim.RemoveResult); rr.Index != 2 {
		t.Errorf("expected last index 2 removed, got %+v", rr)
	}

	res, _ = w.Submit(&Operation{Type: OpSnapshot})
	if n := len(res.(sim.Snapshot).Neurons); n != 2 {
		t.Errorf("expected 2 neurons left, got %d", n)
	}
}

func TestSessionWorkerReadOps(t *testing.T) {
	w := newTestWorker(t, nil)
	w.Submit(&Operation{Type: OpPlay})
	w.Submit(&Operation{Type: OpStimulate, Payload: StimulateRequest{Amount: 20, Targets: []int{0}}})
	w.Submit(&Operation{Type: OpStep})

	res, _ := w.Submit(&Operation{Type: OpEvents})
	if ev := res.([]core.SpikeEvent); len(ev) != 1 || ev[0].DeliveryTime != 2 {
		t.Errorf("expected one event due at 2, got %v", ev)
	}

	res, _ = w.Submit(&Operation{Type: OpSpikes})
	if sp := res.([][]int64); len(sp[0]) != 1 {
		t.Errorf("expected one logged spike, got %v", sp)
	}

	res, _ = w.Submit(&Operation{Type: OpHistory, Payload: HistoryRequest{}})
	if h := res.([][]float64); len(h) != 2 || len(h[0]) != core.DefaultHistoryCapacity {
		t.Errorf("unexpected histories shape")
	}

	res, err := w.Submit(&Operation{Type: OpHistory, Payload: HistoryRequest{Index: intPtr(1)}})
	if err != nil {
		t.Fatalf("single history failed: %v", err)
	}
	if h := res.([]float64); len(h) != core.DefaultHistoryCapacity {
		t.Errorf("unexpected history length %d", len(h))
	}
	if _, err := w.Submit(&Operation{Type: OpHistory, Payload: HistoryRequest{Index: intPtr(5)}}); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}

	res, _ = w.Submit(&Operation{Type: OpFrame, Payload: FrameRequest{Histories: false}})
	if f := res.(*trace.Frame); f.Tick != 1 || f.Histories != nil {
		t.Errorf("unexpected frame %+v", f)
	}

	res, _ = w.Submit(&Operation{Type: OpGetStats})
	stats := res.(map[string]any)
	if stats["ticks"].(uint64) != 1 {
		t.Errorf("expected 1 tick in stats, got %v", stats["ticks"])
	}
}

func TestSessionWorkerFrameTickOnlyWhenRunning(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWorker(t, obs)

	res, err := w.Submit(&Operation{Type: OpFrameTick, Payload: FrameTickRequest{Steps: 3}})
	if err != nil || res.(int) != 0 {
		t.Fatalf("paused session must not advance, got %v %v", res, err)
	}

	w.Submit(&Operation{Type: OpPlay})
	res, _ = w.Submit(&Operation{Type: OpFrameTick, Payload: FrameTickRequest{Steps: 3}})
	if res.(int) != 3 {
		t.Errorf("running session should advance 3 ticks, got %v", res)
	}

	if toggled, _ := w.Submit(&Operation{Type: OpToggle}); toggled.(bool) {
		t.Error("toggle from running should pause")
	}
	res, _ = w.Submit(&Operation{Type: OpFrameTick, Payload: FrameTickRequest{Steps: 3}})
	if res.(int) != 0 {
		t.Errorf("paused again, expected 0, got %v", res)
	}

	res, _ = w.Submit(&Operation{Type: OpSnapshot})
	if tick := res.(sim.Snapshot).Tick; tick != 3 {
		t.Errorf("expected tick 3, got %d", tick)
	}
	if obs.totalTicks() != 3 {
		t.Errorf("observer should see 3 ticks, got %d", obs.totalTicks())
	}
}

func TestSessionWorkerFrameTickKeepsIdleClock(t *testing.T) {
	w := newTestWorker(t, nil)
	before := w.LastActivity()
	time.Sleep(5 * time.Millisecond)

	w.Submit(&Operation{Type: OpFrameTick, Payload: FrameTickRequest{Steps: 1}})
	if !w.LastActivity().Equal(before) {
		t.Error("a frame tick on a paused session must not count as activity")
	}

	w.Submit(&Operation{Type: OpSnapshot})
	if !w.LastActivity().After(before) {
		t.Error("client operations count as activity")
	}
}

func TestSessionWorkerReset(t *testing.T) {
	w := newTestWorker(t, nil)
	w.Submit(&Operation{Type: OpPlay})
	w.Submit(&Operation{Type: OpRun, Payload: RunRequest{Ticks: 5}})
	w.Submit(&Operation{Type: OpReset})

	res, _ := w.Submit(&Operation{Type: OpSnapshot})
	snap := res.(sim.Snapshot)
	if snap.Tick != 0 || snap.Running {
		t.Errorf("expected paused at tick 0, got %+v", snap)
	}
}

func TestSessionWorkerSubmitAsync(t *testing.T) {
	w := newTestWorker(t, nil)
	if !w.SubmitAsync(&Operation{Type: OpPlay}) {
		t.Fatal("SubmitAsync should accept on an empty queue")
	}
	res, _ := w.Submit(&Operation{Type: OpSnapshot})
	if !res.(sim.Snapshot).Running {
		t.Error("async play should have been applied before the later snapshot")
	}
}

func TestSessionWorkerStopRejectsSubmit(t *testing.T) {
	s, _ := sim.NewSession("x", sim.DefaultOptions(), core.UniformTopology(1, core.DefaultNeuronParams()))
	w := NewSessionWorker(s, nil)
	w.Stop()

	if _, err := w.Submit(&Operation{Type: OpStep}); err == nil {
		t.Error("Submit after Stop should fail")
	}
}

func TestSessionWorkerConcurrentSubmit(t *testing.T) {
	w := newTestWorker(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Submit(&Operation{Type: OpStep})
		}()
	}
	wg.Wait()

	res, _ := w.Submit(&Operation{Type: OpSnapshot})
	if tick := res.(sim.Snapshot).Tick; tick != 20 {
		t.Errorf("expected 20 serialized ticks, got %d", tick)
	}
}

package api

import (
	"context"
	"fmt"

	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
	mcpapi "github.com/qubicDB/spikesim/pkg/mcp"
	"github.com/qubicDB/spikesim/pkg/sim"
	"github.com/qubicDB/spikesim/pkg/trace"
)

type mcpBackend struct {
	server *Server
}

func newMCPBackend(s *Server) *mcpBackend {
	return &mcpBackend{server: s}
}

func (b *mcpBackend) Create(_ context.Context, neurons int, synapses []core.Synapse) (map[string]any, error) {
	topo, err := b.server.topologyFromRequest(createSessionRequest{Neurons: neurons, Synapses: synapses})
	if err != nil {
		return nil, err
	}
	worker, err := b.server.pool.Create("", topo)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": worker.ID(),
		"neurons":    len(topo.Neurons),
		"synapses":   len(topo.Synapses),
		"tick":       0,
	}, nil
}

func (b *mcpBackend) Step(_ context.Context, sessionID string, ticks int) (map[string]any, error) {
	worker, err := b.server.lookupWorker(sessionID)
	if err != nil {
		return nil, err
	}
	result, err := worker.Submit(&concurrency.Operation{
		Type:    concurrency.OpRun,
		Payload: concurrency.RunRequest{Ticks: ticks},
	})
	if err != nil {
		return nil, err
	}
	frame, err := b.frame(worker)
	if err != nil {
		return nil, err
	}
	sum := result.(sim.RunSummary)
	return map[string]any{
		"session_id":   sessionID,
		"start_tick":   sum.StartTick,
		"tick":         frame.Tick,
		"spikes":       sum.Spikes,
		"spike_counts": sum.SpikeCounts,
		"voltages":     frame.Voltages,
	}, nil
}

func (b *mcpBackend) Stimulate(_ context.Context, sessionID string, amount float64, preset *int, targets []int) (map[string]any, error) {
	worker, err := b.server.lookupWorker(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := worker.Submit(&concurrency.Operation{
		Type:    concurrency.OpStimulate,
		Payload: concurrency.StimulateRequest{Amount: amount, Preset: preset, Targets: targets},
	}); err != nil {
		return nil, err
	}
	frame, err := b.frame(worker)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sessionID,
		"tick":       frame.Tick,
		"voltages":   frame.Voltages,
	}, nil
}

func (b *mcpBackend) State(_ context.Context, sessionID string) (map[string]any, error) {
	worker, err := b.server.lookupWorker(sessionID)
	if err != nil {
		return nil, err
	}
	result, err := worker.Submit(&concurrency.Operation{Type: concurrency.OpSnapshot})
	if err != nil {
		return nil, err
	}
	snap := result.(sim.Snapshot)
	return map[string]any{
		"session_id":     snap.ID,
		"tick":           snap.Tick,
		"time_ms":        snap.TimeMs,
		"running":        snap.Running,
		"neurons":        snap.Neurons,
		"synapses":       snap.Synapses,
		"pending_events": snap.PendingEvents,
		"presets":        snap.Presets,
	}, nil
}

func (b *mcpBackend) Topology(_ context.Context, sessionID string, edit mcpapi.TopologyEdit) (map[string]any, error) {
	worker, err := b.server.lookupWorker(sessionID)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"session_id": sessionID, "action": edit.Action}
	switch edit.Action {
	case "add_neuron":
		result, err := worker.Submit(&concurrency.Operation{
			Type:    concurrency.OpAddNeuron,
			Payload: concurrency.AddNeuronRequest{},
		})
		if err != nil {
			return nil, err
		}
		out["index"] = result

	case "remove_neuron":
		result, err := worker.Submit(&concurrency.Operation{
			Type:    concurrency.OpRemoveNeuron,
			Payload: concurrency.RemoveNeuronRequest{Index: edit.Index},
		})
		if err != nil {
			return nil, err
		}
		rr := result.(sim.RemoveResult)
		out["index"] = rr.Index
		out["synapses_dropped"] = rr.SynapsesDropped
		out["events_dropped"] = rr.EventsDropped

	case "set_synapses":
		synapses := edit.Synapses
		if synapses == nil {
			synapses = []core.Synapse{}
		}
		if _, err := worker.Submit(&concurrency.Operation{
			Type:    concurrency.OpSetSynapses,
			Payload: synapses,
		}); err != nil {
			return nil, err
		}
		out["synapses"] = len(synapses)

	default:
		return nil, fmt.Errorf("%w: unknown topology action %q", core.ErrInvalidParameter, edit.Action)
	}
	return out, nil
}

func (b *mcpBackend) frame(worker *concurrency.SessionWorker) (*trace.Frame, error) {
	result, err := worker.Submit(&concurrency.Operation{
		Type:    concurrency.OpFrame,
		Payload: concurrency.FrameRequest{},
	})
	if err != nil {
		return nil, err
	}
	return result.(*trace.Frame), nil
}

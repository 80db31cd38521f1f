package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/qubicDB/spikesim/pkg/api/apierr"
	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/sim"
	"github.com/qubicDB/spikesim/pkg/trace"
)

// getSessionID extracts the session ID from the request.
func (s *Server) getSessionID(r *http.Request) string {
	// Header takes priority
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

// lookupWorker resolves a raw session ID to its worker.
func (s *Server) lookupWorker(raw string) (*concurrency.SessionWorker, error) {
	id, err := core.ParseSessionID(raw)
	if err != nil {
		return nil, err
	}
	return s.pool.Get(id)
}

// getWorker resolves the request's session, writing the error response on failure.
func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) (*concurrency.SessionWorker, bool) {
	raw := s.getSessionID(r)
	if raw == "" {
		apierr.SessionIDRequired(w)
		return nil, false
	}
	worker, err := s.lookupWorker(raw)
	if err != nil {
		apierr.FromError(w, err)
		return nil, false
	}
	return worker, true
}

// submit runs op on worker and writes the error response on failure.
func submit(w http.ResponseWriter, worker *concurrency.SessionWorker, op *concurrency.Operation) (any, bool) {
	result, err := worker.Submit(op)
	if err != nil {
		apierr.FromError(w, err)
		return nil, false
	}
	return result, true
}

// createSessionRequest is the optional body of POST /v1/sessions.
// Params lists the neurons explicitly; otherwise Neurons default neurons are built.
type createSessionRequest struct {
	ID           string              `json:"id,omitempty"`
	Neurons      int                 `json:"neurons,omitempty"`
	NeuronParams []core.NeuronParams `json:"params,omitempty"`
	Synapses     []core.Synapse      `json:"synapses,omitempty"`
}

func (s *Server) topologyFromRequest(req createSessionRequest) (*core.Topology, error) {
	if req.Neurons < 0 {
		return nil, fmt.Errorf("%w: neurons must be >= 0, got %d", core.ErrInvalidParameter, req.Neurons)
	}
	var topo core.Topology
	switch {
	case len(req.NeuronParams) > 0:
		topo.Neurons = req.NeuronParams
	case req.Neurons > 0:
		topo = core.UniformTopology(req.Neurons, s.neuronDefaults())
	default:
		topo = s.pool.DefaultTopology()
	}
	topo.Synapses = req.Synapses
	return &topo, nil
}

func (s *Server) neuronDefaults() core.NeuronParams {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.NeuronDefaults()
}

// isYAML reports whether the request body is a YAML network file.
func isYAML(r *http.Request) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.Contains(ct, "yaml")
}

// handleSessions lists or creates sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		ids := s.pool.List()
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": ids,
			"count":    len(ids),
		})

	case "POST":
		var req createSessionRequest
		var topo *core.Topology

		if isYAML(r) {
			data, err := io.ReadAll(r.Body)
			if err != nil {
				apierr.PayloadTooLarge(w, err.Error())
				return
			}
			t, err := core.ParseTopology(data, s.neuronDefaults())
			if err != nil {
				apierr.FromError(w, err)
				return
			}
			topo = &t
			req.ID = r.URL.Query().Get("id")
		} else {
			if !s.decodeJSONRequest(w, r, &req, true) {
				return
			}
			t, err := s.topologyFromRequest(req)
			if err != nil {
				apierr.FromError(w, err)
				return
			}
			topo = t
		}

		var id core.SessionID
		if req.ID != "" {
			parsed, err := core.ParseSessionID(req.ID)
			if err != nil {
				apierr.FromError(w, err)
				return
			}
			id = parsed
		}

		worker, err := s.pool.Create(id, topo)
		if err != nil {
			apierr.FromError(w, err)
			return
		}
		result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSnapshot})
		if !ok {
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": worker.ID(),
			"session":   result,
		})

	default:
		apierr.MethodNotAllowed(w)
	}
}

// handleSession reads or deletes /v1/sessions/{id}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if raw == "" {
		apierr.SessionIDRequired(w)
		return
	}
	id, err := core.ParseSessionID(raw)
	if err != nil {
		apierr.FromError(w, err)
		return
	}

	switch r.Method {
	case "GET":
		worker, err := s.pool.Get(id)
		if err != nil {
			apierr.FromError(w, err)
			return
		}
		result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSnapshot})
		if !ok {
			return
		}
		json.NewEncoder(w).Encode(result)

	case "DELETE":
		if err := s.pool.Remove(id); err != nil {
			apierr.FromError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"deleted": id})

	default:
		apierr.MethodNotAllowed(w)
	}
}

// handleSim dispatches /v1/sim/{action} for the request's session
func (s *Server) handleSim(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/v1/sim/")

	type route struct {
		method  string
		handler func(http.ResponseWriter, *http.Request, *concurrency.SessionWorker)
	}
	routes := map[string][]route{
		"step":      {{"POST", s.simStep}},
		"play":      {{"POST", s.simRunning(concurrency.OpPlay)}},
		"pause":     {{"POST", s.simRunning(concurrency.OpPause)}},
		"toggle":    {{"POST", s.simRunning(concurrency.OpToggle)}},
		"reset":     {{"POST", s.simReset}},
		"state":     {{"GET", s.simState}},
		"stimulate": {{"POST", s.simStimulate}},
		"neurons":   {{"POST", s.simAddNeuron}, {"DELETE", s.simRemoveNeuron}},
		"synapses":  {{"GET", s.simGetSynapses}, {"PUT", s.simSetSynapses}},
		"voltages":  {{"GET", s.simVoltages}},
		"history":   {{"GET", s.simHistory}},
		"events":    {{"GET", s.simEvents}},
		"spikes":    {{"GET", s.simSpikes}},
	}

	candidates, known := routes[action]
	if !known {
		apierr.NotFound(w, apierr.CodeNotFound, "unknown simulation action")
		return
	}
	for _, rt := range candidates {
		if rt.method != r.Method {
			continue
		}
		worker, ok := s.getWorker(w, r)
		if !ok {
			return
		}
		rt.handler(w, r, worker)
		return
	}
	apierr.MethodNotAllowed(w)
}

func (s *Server) simStep(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	req := struct {
		Ticks *int `json:"ticks"`
	}{}
	if !s.decodeJSONRequest(w, r, &req, true) {
		return
	}
	ticks := 1
	if req.Ticks != nil {
		ticks = *req.Ticks
	}

	result, ok := submit(w, worker, &concurrency.Operation{
		Type:    concurrency.OpRun,
		Payload: concurrency.RunRequest{Ticks: ticks},
	})
	if !ok {
		return
	}
	frame, ok := submit(w, worker, &concurrency.Operation{
		Type:    concurrency.OpFrame,
		Payload: concurrency.FrameRequest{},
	})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"summary": result,
		"frame":   frame,
	})
}

func (s *Server) simRunning(op concurrency.OpType) func(http.ResponseWriter, *http.Request, *concurrency.SessionWorker) {
	return func(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
		result, ok := submit(w, worker, &concurrency.Operation{Type: op})
		if !ok {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"running": result})
	}
}

func (s *Server) simReset(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	if _, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpReset}); !ok {
		return
	}
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSnapshot})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) simState(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSnapshot})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) simStimulate(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	var req struct {
		Amount  *float64 `json:"amount"`
		Preset  *int     `json:"preset"`
		Targets []int    `json:"targets"`
	}
	if !s.decodeJSONRequest(w, r, &req, false) {
		return
	}
	if req.Amount == nil && req.Preset == nil {
		apierr.BadRequest(w, apierr.CodeInvalidParameter, "amount or preset required")
		return
	}

	payload := concurrency.StimulateRequest{Preset: req.Preset, Targets: req.Targets}
	if req.Amount != nil {
		payload.Amount = *req.Amount
	}
	if _, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpStimulate, Payload: payload}); !ok {
		return
	}
	frame, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpFrame, Payload: concurrency.FrameRequest{}})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"voltages": frame.(*trace.Frame).Voltages,
	})
}

func (s *Server) simAddNeuron(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	// Fields left out take the server defaults
	var req struct {
		Threshold *float64 `json:"threshold"`
		Resting   *float64 `json:"resting"`
		LeakRate  *float64 `json:"leakRate"`
	}
	if !s.decodeJSONRequest(w, r, &req, true) {
		return
	}

	var payload concurrency.AddNeuronRequest
	if req.Threshold != nil || req.Resting != nil || req.LeakRate != nil {
		p := s.neuronDefaults()
		if req.Threshold != nil {
			p.Threshold = *req.Threshold
		}
		if req.Resting != nil {
			p.Resting = *req.Resting
		}
		if req.LeakRate != nil {
			p.LeakRate = *req.LeakRate
		}
		payload.Params = &p
	}

	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpAddNeuron, Payload: payload})
	if !ok {
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"index": result})
}

func (s *Server) simRemoveNeuron(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	var payload concurrency.RemoveNeuronRequest
	if raw := r.URL.Query().Get("index"); raw != "" {
		i, err := strconv.Atoi(raw)
		if err != nil {
			apierr.BadRequest(w, apierr.CodeInvalidParameter, "index must be an integer")
			return
		}
		payload.Index = &i
	}
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpRemoveNeuron, Payload: payload})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) simGetSynapses(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSnapshot})
	if !ok {
		return
	}
	synapses := result.(sim.Snapshot).Synapses
	json.NewEncoder(w).Encode(map[string]any{
		"synapses": synapses,
		"count":    len(synapses),
	})
}

func (s *Server) simSetSynapses(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	var req struct {
		Synapses []core.Synapse `json:"synapses"`
	}
	if !s.decodeJSONRequest(w, r, &req, false) {
		return
	}
	if req.Synapses == nil {
		req.Synapses = []core.Synapse{}
	}
	if _, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSetSynapses, Payload: req.Synapses}); !ok {
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"synapses": req.Synapses,
		"count":    len(req.Synapses),
	})
}

func (s *Server) simVoltages(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpFrame, Payload: concurrency.FrameRequest{}})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(result)
}

// simHistory serves voltage traces as JSON, or as a binary frame when the
// client accepts trace.MIMEType.
func (s *Server) simHistory(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	if strings.Contains(r.Header.Get("Accept"), trace.MIMEType) {
		result, ok := submit(w, worker, &concurrency.Operation{
			Type:    concurrency.OpFrame,
			Payload: concurrency.FrameRequest{Histories: true},
		})
		if !ok {
			return
		}
		blob, err := trace.EncodeFrame(result.(*trace.Frame))
		if err != nil {
			apierr.Internal(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", trace.MIMEType)
		w.Write(blob)
		return
	}

	var payload concurrency.HistoryRequest
	if raw := r.URL.Query().Get("index"); raw != "" {
		i, err := strconv.Atoi(raw)
		if err != nil {
			apierr.BadRequest(w, apierr.CodeInvalidParameter, "index must be an integer")
			return
		}
		payload.Index = &i
	}
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpHistory, Payload: payload})
	if !ok {
		return
	}
	if payload.Index != nil {
		json.NewEncoder(w).Encode(map[string]any{"index": *payload.Index, "history": result})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"histories": result})
}

func (s *Server) simEvents(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpEvents})
	if !ok {
		return
	}
	events := result.([]core.SpikeEvent)
	json.NewEncoder(w).Encode(map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) simSpikes(w http.ResponseWriter, r *http.Request, worker *concurrency.SessionWorker) {
	result, ok := submit(w, worker, &concurrency.Operation{Type: concurrency.OpSpikes})
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"spikes": result})
}

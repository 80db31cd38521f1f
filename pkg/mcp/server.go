package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/qubicDB/spikesim/pkg/core"
)

const (
	toolCreate    = "spikesim_create"
	toolStep      = "spikesim_step"
	toolStimulate = "spikesim_stimulate"
	toolState     = "spikesim_state"
	toolTopology  = "spikesim_topology"

	promptProbeDelay = "spikesim_probe_delay"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	EnablePrompts  bool
	AllowedTools   []string
}

// Backend is the minimal capability contract exposed to MCP tools.
type Backend interface {
	Create(ctx context.Context, neurons int, synapses []core.Synapse) (map[string]any, error)
	Step(ctx context.Context, sessionID string, ticks int) (map[string]any, error)
	Stimulate(ctx context.Context, sessionID string, amount float64, preset *int, targets []int) (map[string]any, error)
	State(ctx context.Context, sessionID string) (map[string]any, error)
	Topology(ctx context.Context, sessionID string, edit TopologyEdit) (map[string]any, error)
}

// TopologyEdit is one spikesim_topology call.
type TopologyEdit struct {
	// Action is add_neuron, remove_neuron or set_synapses.
	Action   string
	Index    *int
	Synapses []core.Synapse
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"spikesim-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(cfg.EnablePrompts),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)
	if cfg.EnablePrompts {
		registerPrompts(s)
	}

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func allowFilter(allowed []string) func(string) bool {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	return func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	isAllowed := allowFilter(allowed)

	if isAllowed(toolCreate) {
		s.AddTool(mcpproto.NewTool(toolCreate,
			mcpproto.WithDescription("Create a paused spiking-network session and return its id."),
			mcpproto.WithNumber("neurons", mcpproto.Description("Number of default neurons (optional, server default when omitted).")),
			mcpproto.WithString("synapses", mcpproto.Description("Optional JSON array of synapses, e.g. [{\"from\":0,\"to\":1,\"weight\":30,\"delay\":2}].")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			neurons := getInt(args, "neurons", 0)
			if neurons < 0 {
				return errResult("neurons must be >= 0"), nil
			}
			synapses, err := getSynapses(args, "synapses")
			if err != nil {
				return errResult(err.Error()), nil
			}
			result, err := backend.Create(ctx, neurons, synapses)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("session created", result)
		})
	}

	if isAllowed(toolStep) {
		s.AddTool(mcpproto.NewTool(toolStep,
			mcpproto.WithDescription("Advance a session by a number of ticks, regardless of play state."),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id (X-Session-ID equivalent).")),
			mcpproto.WithNumber("ticks", mcpproto.Description("Ticks to run (optional, default 1).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			sessionID := getString(args, "session_id", "")
			if sessionID == "" {
				return errResult("session_id is required"), nil
			}
			result, err := backend.Step(ctx, sessionID, getInt(args, "ticks", 1))
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("ticks executed", result)
		})
	}

	if isAllowed(toolStimulate) {
		s.AddTool(mcpproto.NewTool(toolStimulate,
			mcpproto.WithDescription("Inject an instantaneous voltage increment (mV) into neurons. Give amount or a 0-based preset."),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id.")),
			mcpproto.WithNumber("amount", mcpproto.Description("Voltage increment in millivolts.")),
			mcpproto.WithNumber("preset", mcpproto.Description("0-based stimulus preset, used instead of amount.")),
			mcpproto.WithString("targets", mcpproto.Description("Optional JSON array of neuron indices; empty means all neurons.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			sessionID := getString(args, "session_id", "")
			if sessionID == "" {
				return errResult("session_id is required"), nil
			}
			preset := getOptionalInt(args, "preset")
			amount, hasAmount := getFloat(args, "amount")
			if preset == nil && !hasAmount {
				return errResult("amount or preset is required"), nil
			}
			targets, err := getIntList(args, "targets")
			if err != nil {
				return errResult(err.Error()), nil
			}
			result, err := backend.Stimulate(ctx, sessionID, amount, preset, targets)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("stimulus applied", result)
		})
	}

	if isAllowed(toolState) {
		s.AddTool(mcpproto.NewTool(toolState,
			mcpproto.WithDescription("Read the tick, voltages, synapses and spike counts of a session."),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			sessionID := getString(req.GetArguments(), "session_id", "")
			if sessionID == "" {
				return errResult("session_id is required"), nil
			}
			result, err := backend.State(ctx, sessionID)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("session state", result)
		})
	}

	if isAllowed(toolTopology) {
		s.AddTool(mcpproto.NewTool(toolTopology,
			mcpproto.WithDescription("Edit a session's network between ticks: add_neuron, remove_neuron or set_synapses."),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id.")),
			mcpproto.WithString("action", mcpproto.Required(), mcpproto.Enum("add_neuron", "remove_neuron", "set_synapses")),
			mcpproto.WithNumber("index", mcpproto.Description("Neuron to remove (optional, defaults to the last).")),
			mcpproto.WithString("synapses", mcpproto.Description("JSON array of synapses for set_synapses.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			sessionID := getString(args, "session_id", "")
			if sessionID == "" {
				return errResult("session_id is required"), nil
			}
			edit := TopologyEdit{
				Action: getString(args, "action", ""),
				Index:  getOptionalInt(args, "index"),
			}
			switch edit.Action {
			case "add_neuron", "remove_neuron":
			case "set_synapses":
				synapses, err := getSynapses(args, "synapses")
				if err != nil {
					return errResult(err.Error()), nil
				}
				edit.Synapses = synapses
			default:
				return errResult("action must be add_neuron, remove_neuron or set_synapses"), nil
			}
			result, err := backend.Topology(ctx, sessionID, edit)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("topology updated", result)
		})
	}
}

func registerPrompts(s *mcpserver.MCPServer) {
	s.AddPrompt(mcpproto.NewPrompt(promptProbeDelay,
		mcpproto.WithPromptDescription("Measure the spike propagation delay between two neurons."),
		mcpproto.WithArgument("session_id", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("Session id.")),
		mcpproto.WithArgument("from", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("Presynaptic neuron index.")),
		mcpproto.WithArgument("to", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("Postsynaptic neuron index.")),
	), func(_ context.Context, req mcpproto.GetPromptRequest) (*mcpproto.GetPromptResult, error) {
		sessionID := req.Params.Arguments["session_id"]
		from := req.Params.Arguments["from"]
		to := req.Params.Arguments["to"]
		return &mcpproto.GetPromptResult{
			Description: "spikesim delay probe",
			Messages: []mcpproto.PromptMessage{
				{
					Role: mcpproto.RoleUser,
					Content: mcpproto.TextContent{
						Type: "text",
						Text: fmt.Sprintf("In session %q, call %s to note the current tick, then %s with a preset large enough to fire neuron %s, "+
							"then %s one tick at a time and read %s after each until neuron %s fires. Report the tick difference.",
							sessionID, toolState, toolStimulate, from, toolStep, toolState, to),
					},
				},
			},
		}, nil
	})
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getFloat(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	v, ok := args[key].(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func getInt(args map[string]any, key string, def int) int {
	v, ok := getFloat(args, key)
	if !ok {
		return def
	}
	return int(v)
}

func getOptionalInt(args map[string]any, key string) *int {
	v, ok := getFloat(args, key)
	if !ok {
		return nil
	}
	i := int(v)
	return &i
}

// getIntList accepts a JSON array, either as a string or already decoded.
func getIntList(args map[string]any, key string) ([]int, error) {
	var out []int
	if err := decodeArg(args, key, &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of integers", key)
	}
	return out, nil
}

func getSynapses(args map[string]any, key string) ([]core.Synapse, error) {
	var out []core.Synapse
	if err := decodeArg(args, key, &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of {from,to,weight,delay} objects", key)
	}
	return out, nil
}

func decodeArg(args map[string]any, key string, dst any) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	var blob []byte
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		blob = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		blob = b
	}
	return json.Unmarshal(blob, dst)
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type bucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter is a per-client token bucket
type rateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	clients map[string]bucket
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]bucket),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	return rl.allowAt(key, time.Now())
}

func (rl *rateLimiter) allowAt(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = bucket{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens = math.Min(rl.burst, b.tokens+elapsed*rl.rps)
	b.last = now
	if b.tokens < 1 {
		rl.clients[key] = b
		return false
	}
	b.tokens--
	rl.clients[key] = b
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}

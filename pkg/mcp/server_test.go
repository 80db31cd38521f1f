package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qubicDB/spikesim/pkg/core"
)

type nopBackend struct{}

func (nopBackend) Create(context.Context, int, []core.Synapse) (map[string]any, error) {
	return map[string]any{}, nil
}
func (nopBackend) Step(context.Context, string, int) (map[string]any, error) {
	return map[string]any{}, nil
}
func (nopBackend) Stimulate(context.Context, string, float64, *int, []int) (map[string]any, error) {
	return map[string]any{}, nil
}
func (nopBackend) State(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (nopBackend) Topology(context.Context, string, TopologyEdit) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestNewHandlerRequiresBackend(t *testing.T) {
	if _, err := NewHandler(Config{}, nil); err == nil {
		t.Fatal("expected error without backend")
	}
	if _, err := NewHandler(Config{Stateless: true, EnablePrompts: true}, nopBackend{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAllowFilter(t *testing.T) {
	all := allowFilter(nil)
	if !all(toolStep) || !all(toolTopology) {
		t.Error("empty allowlist should allow every tool")
	}

	some := allowFilter([]string{" spikesim_state ", ""})
	if !some(toolState) {
		t.Error("spikesim_state should be allowed")
	}
	if some(toolStep) {
		t.Error("spikesim_step should be filtered out")
	}
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]any{
		"ticks":    float64(12),
		"nan":      nanValue(),
		"targets":  "[0, 2]",
		"decoded":  []any{float64(1), float64(3)},
		"synapses": `[{"from":0,"to":1,"weight":30,"delay":2}]`,
		"bad":      "not json",
	}

	if got := getInt(args, "ticks", 1); got != 12 {
		t.Errorf("ticks: expected 12, got %d", got)
	}
	if got := getInt(args, "nan", 7); got != 7 {
		t.Errorf("NaN should fall back to default, got %d", got)
	}
	if getOptionalInt(args, "missing") != nil {
		t.Error("missing optional int should be nil")
	}

	targets, err := getIntList(args, "targets")
	if err != nil || len(targets) != 2 || targets[1] != 2 {
		t.Errorf("targets from string: got %v, %v", targets, err)
	}
	decoded, err := getIntList(args, "decoded")
	if err != nil || len(decoded) != 2 || decoded[1] != 3 {
		t.Errorf("targets from array: got %v, %v", decoded, err)
	}
	if none, err := getIntList(args, "missing"); err != nil || none != nil {
		t.Errorf("missing list should be nil, got %v, %v", none, err)
	}
	if _, err := getIntList(args, "bad"); err == nil {
		t.Error("expected error for malformed list")
	}

	syns, err := getSynapses(args, "synapses")
	if err != nil {
		t.Fatalf("synapses: %v", err)
	}
	want := core.Synapse{Source: 0, Target: 1, Weight: 30, DelaySteps: 2}
	if len(syns) != 1 || syns[0] != want {
		t.Errorf("expected %+v, got %+v", want, syns)
	}
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}

func TestAPIKeyMiddleware(t *testing.T) {
	h := apiKeyMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "X-API-Key", "nope", http.StatusUnauthorized},
		{"header", "X-API-Key", "secret", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := newRateLimiter(1, 2)
	now := time.Now()

	if !rl.allowAt("a", now) || !rl.allowAt("a", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.allowAt("a", now) {
		t.Fatal("third request should be limited")
	}
	if !rl.allowAt("b", now) {
		t.Fatal("other clients have their own bucket")
	}
	if !rl.allowAt("a", now.Add(1100*time.Millisecond)) {
		t.Fatal("bucket should refill after a second")
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientAddr(req); got != "10.0.0.1" {
		t.Errorf("expected 10.0.0.1, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientAddr(req); got != "1.2.3.4" {
		t.Errorf("expected forwarded address, got %q", got)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qubicDB/spikesim/pkg/api"
	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
)

// newTestCLI points a cli at a real spikesim handler.
func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()

	cfg := core.DefaultConfig()
	pool := concurrency.NewWorkerPoolFromConfig(cfg)
	t.Cleanup(pool.Shutdown)

	srv := httptest.NewServer(api.NewServer(cfg.Server.HTTPAddr, pool, cfg).Handler())
	t.Cleanup(srv.Close)

	info, err := core.ParseConnString("spikesim://" + strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("ParseConnString: %v", err)
	}
	var out bytes.Buffer
	return &cli{conn: info, httpClient: srv.Client(), out: &out}, &out
}

func TestStepBody(t *testing.T) {
	if body, err := stepBody(nil); err != nil || body != "" {
		t.Fatalf("no args: %q, %v", body, err)
	}
	if body, err := stepBody([]string{"25"}); err != nil || body != `{"ticks":25}` {
		t.Fatalf("25: %q, %v", body, err)
	}
	for _, bad := range []string{"x", "-1"} {
		if _, err := stepBody([]string{bad}); err == nil {
			t.Errorf("stepBody(%q) should fail", bad)
		}
	}
}

func TestStimBody(t *testing.T) {
	cases := []struct {
		arg     string
		targets []int
		want    string
	}{
		{"12.5", nil, `{"amount":12.5}`},
		{"#3", nil, `{"preset":2}`},
		{"-4", []int{0, 2}, `{"amount":-4,"targets":[0,2]}`},
	}
	for _, c := range cases {
		got, err := stimBody(c.arg, c.targets)
		if err != nil {
			t.Fatalf("stimBody(%q): %v", c.arg, err)
		}
		if got != c.want {
			t.Errorf("stimBody(%q) = %s, want %s", c.arg, got, c.want)
		}
	}
	for _, bad := range []string{"#0", "#x", "loud"} {
		if _, err := stimBody(bad, nil); err == nil {
			t.Errorf("stimBody(%q) should fail", bad)
		}
	}
}

func TestConfigPatch(t *testing.T) {
	got, err := configPatch("clock.stepsPerFrame", "4")
	if err != nil || got != `{"clock":{"stepsPerFrame":4}}` {
		t.Fatalf("stepsPerFrame: %s, %v", got, err)
	}
	got, err = configPatch("clock.frameInterval", "16ms")
	if err != nil || got != `{"clock":{"frameInterval":"16ms"}}` {
		t.Fatalf("frameInterval: %s, %v", got, err)
	}
	if _, err := configPatch("nodot", "1"); err == nil {
		t.Error("expected error for key without section")
	}
	if _, err := configPatch("worker.maxSessions", "many"); err == nil {
		t.Error("expected error for non-integer numeric field")
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`load "my net.yaml"  step 3`)
	want := []string{"load", "my net.yaml", "step", "3"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseSynapse(t *testing.T) {
	syn, err := parseSynapse([]string{"0", "1", "30", "2"})
	if err != nil {
		t.Fatalf("parseSynapse: %v", err)
	}
	if syn != (core.Synapse{Source: 0, Target: 1, Weight: 30, DelaySteps: 2}) {
		t.Fatalf("unexpected synapse %+v", syn)
	}
	if _, err := parseSynapse([]string{"0", "1", "heavy", "2"}); err == nil {
		t.Error("expected error for bad weight")
	}
	if ints, err := parseInts([]string{"1,2", "3"}); err != nil || len(ints) != 3 {
		t.Errorf("parseInts = %v, %v", ints, err)
	}
}

func TestCreateSessionAndStatusErrors(t *testing.T) {
	c, _ := newTestCLI(t)

	id, err := c.createSession(3, "")
	if err != nil {
		t.Fatalf("createSession: %v", err)
	}
	if _, err := core.ParseSessionID(string(id)); err != nil {
		t.Fatalf("server returned %q: %v", id, err)
	}

	// Paused sessions refuse stimuli
	err = c.call("POST", "/v1/sim/stimulate", `{"amount":5}`, string(id))
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
}

func TestCreateSessionFromFile(t *testing.T) {
	c, _ := newTestCLI(t)

	path := filepath.Join(t.TempDir(), "net.yaml")
	yaml := "count: 2\nsynapses:\n  - {from: 0, to: 1, weight: 30, delay: 2}\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := c.createSession(0, path)
	if err != nil {
		t.Fatalf("createSession: %v", err)
	}
	data, err := c.request("GET", "/v1/sim/synapses", "", string(id), "", "")
	if err != nil {
		t.Fatalf("synapses: %v", err)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(data, &resp)
	if resp.Count != 1 {
		t.Fatalf("expected 1 synapse, got %s", data)
	}
}

func TestREPLPropagation(t *testing.T) {
	c, out := newTestCLI(t)
	active := ""

	for _, line := range []string{"new 2", "connect 0 1 30 2", "play", "stim 25 0", "step 3"} {
		if dispatchREPL(c, line, &active) {
			t.Fatalf("%q should not quit", line)
		}
	}
	if active == "" {
		t.Fatal("new did not set the active session")
	}
	if !strings.Contains(out.String(), "created session: "+active) {
		t.Errorf("missing creation notice in %q", out.String())
	}

	data, err := c.request("GET", "/v1/sim/spikes", "", active, "", "")
	if err != nil {
		t.Fatalf("spikes: %v", err)
	}
	var resp struct {
		Spikes [][]int64 `json:"spikes"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Spikes) != 2 || len(resp.Spikes[0]) != 1 || resp.Spikes[0][0] != 0 ||
		len(resp.Spikes[1]) != 1 || resp.Spikes[1][0] != 2 {
		t.Fatalf("unexpected spikes %v", resp.Spikes)
	}

	out.Reset()
	if err := c.frameSummary(active); err != nil {
		t.Fatalf("frameSummary: %v", err)
	}
	if !strings.Contains(out.String(), "tick 3") || !strings.Contains(out.String(), "n1") {
		t.Errorf("unexpected frame summary %q", out.String())
	}
}

func TestREPLSessionSwitchAndQuit(t *testing.T) {
	c, out := newTestCLI(t)
	active := ""

	dispatchREPL(c, `\session not-a-uuid`, &active)
	if active != "" {
		t.Fatalf("invalid id switched session to %q", active)
	}

	id := string(core.NewSessionID())
	dispatchREPL(c, `\session `+id, &active)
	if active != id {
		t.Fatalf("active = %q, want %q", active, id)
	}
	if !strings.Contains(out.String(), "switched to session") {
		t.Errorf("missing switch notice in %q", out.String())
	}

	for _, q := range []string{`\quit`, "exit", "QUIT"} {
		if !dispatchREPL(c, q, &active) {
			t.Errorf("%q should quit", q)
		}
	}
}

func TestCallPrintsJSON(t *testing.T) {
	c, out := newTestCLI(t)
	if err := c.call(http.MethodGet, "/health", "", ""); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out.String(), "\"status\"") {
		t.Fatalf("expected pretty JSON health, got %q", out.String())
	}
}

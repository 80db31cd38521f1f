package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/trace"
)

// cli holds the shared state for all subcommands.
type cli struct {
	conn       *core.ConnInfo
	httpClient *http.Client
	out        io.Writer
}

func main() {
	var connectStr string
	var interactive bool

	c := &cli{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		out:        os.Stdout,
	}

	rootCmd := &cobra.Command{
		Use:   "spikesim-cli",
		Short: "spikesim-cli - client for spikesim servers",
		Long:  "A command-line client for driving spikesim sessions: create networks, step, stimulate and inspect voltages.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if connectStr == "" {
				connectStr = os.Getenv("SPIKESIM_URL")
			}
			if connectStr == "" {
				connectStr = "spikesim://localhost:" + core.DefaultPort
			}
			info, err := core.ParseConnString(connectStr)
			if err != nil {
				return fmt.Errorf("invalid connection string: %w", err)
			}
			c.conn = info
			return nil
		},
		// When called with no subcommand, drop into interactive shell.
		RunE: func(cmd *cobra.Command, args []string) error {
			runREPL(c)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&connectStr, "connect", "", "Connection string (spikesim://[user:pass@]host[:port][/session])")
	rootCmd.PersistentFlags().String("session", "", "Session ID (overrides connection string)")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Start interactive shell (default when no subcommand given)")

	// ── Health ──────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("GET", "/health", "", "")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show pool, clock and session statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("GET", "/v1/stats", "", "")
		},
	})

	// ── Sessions ────────────────────────────────────────────
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session management",
	}

	sessionCreate := &cobra.Command{
		Use:   "create",
		Short: "Create a session from a neuron count or a YAML network file",
		RunE: func(cmd *cobra.Command, args []string) error {
			neurons, _ := cmd.Flags().GetInt("neurons")
			file, _ := cmd.Flags().GetString("file")
			id, err := c.createSession(neurons, file)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	sessionCreate.Flags().Int("neurons", 0, "Unconnected neurons (0 uses the server default)")
	sessionCreate.Flags().StringP("file", "f", "", "YAML network file")
	sessionCmd.AddCommand(sessionCreate)

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("GET", "/v1/sessions", "", "")
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("GET", "/v1/sessions/"+c.resolveSession(cmd, args), "", "")
		},
	})

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("DELETE", "/v1/sessions/"+c.resolveSession(cmd, args), "", "")
		},
	})
	rootCmd.AddCommand(sessionCmd)

	// ── Simulation ──────────────────────────────────────────
	stepCmd := &cobra.Command{
		Use:   "step [ticks]",
		Short: "Advance the session one or more ticks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := stepBody(args)
			if err != nil {
				return err
			}
			return c.sim(cmd, "POST", "step", body)
		},
	}
	rootCmd.AddCommand(stepCmd)

	for _, action := range []string{"play", "pause", "toggle", "reset"} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the session",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.sim(cmd, "POST", action, "")
			},
		})
	}

	stimCmd := &cobra.Command{
		Use:   "stim [amount|#preset]",
		Short: "Inject a voltage increment (mV) or a numbered preset (#1..#5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, _ := cmd.Flags().GetIntSlice("target")
			body, err := stimBody(args[0], targets)
			if err != nil {
				return err
			}
			return c.sim(cmd, "POST", "stimulate", body)
		},
	}
	stimCmd.Flags().IntSlice("target", nil, "Target neuron indices (default all)")
	rootCmd.AddCommand(stimCmd)

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Append a neuron",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]float64{}
			for _, name := range []string{"threshold", "resting", "leakRate"} {
				if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
					v, _ := cmd.Flags().GetFloat64(name)
					params[name] = v
				}
			}
			body, err := json.Marshal(params)
			if err != nil {
				return err
			}
			return c.sim(cmd, "POST", "neurons", string(body))
		},
	}
	addCmd.Flags().Float64("threshold", core.DefaultThreshold, "Firing threshold (mV)")
	addCmd.Flags().Float64("resting", core.DefaultResting, "Resting potential (mV)")
	addCmd.Flags().Float64("leakRate", core.DefaultLeakRate, "Leak rate per ms")
	rootCmd.AddCommand(addCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "remove [index]",
		Short: "Remove a neuron (default the last one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "neurons"
			if len(args) == 1 {
				action += "?index=" + args[0]
			}
			return c.sim(cmd, "DELETE", action, "")
		},
	})

	synCmd := &cobra.Command{
		Use:   "synapses [file]",
		Short: "Show synapses, or replace them from a JSON array file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.sim(cmd, "GET", "synapses", "")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return c.sim(cmd, "PUT", "synapses", `{"synapses":`+string(data)+`}`)
		},
	}
	rootCmd.AddCommand(synCmd)

	for _, view := range []string{"state", "voltages", "events", "spikes"} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   view,
			Short: "Show session " + view,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.sim(cmd, "GET", view, "")
			},
		})
	}

	historyCmd := &cobra.Command{
		Use:   "history [index]",
		Short: "Show voltage history for every neuron or one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			binary, _ := cmd.Flags().GetBool("binary")
			if binary {
				return c.frameSummary(c.resolveSession(cmd, nil))
			}
			action := "history"
			if len(args) == 1 {
				action += "?index=" + args[0]
			}
			return c.sim(cmd, "GET", action, "")
		},
	}
	historyCmd.Flags().Bool("binary", false, "Fetch the binary frame and print a per-neuron summary")
	rootCmd.AddCommand(historyCmd)

	// ── Clock and config ────────────────────────────────────
	clockCmd := &cobra.Command{
		Use:   "clock [pause|resume]",
		Short: "Show or control the frame clock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.call("GET", "/v1/clock", "", "")
			}
			return c.call("POST", "/v1/clock/"+args[0], "", "")
		},
	}
	rootCmd.AddCommand(clockCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Runtime configuration management",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("GET", "/v1/config", "", "")
		},
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "get [section]",
		Short: "Show one config section (server, simulation, clock, worker, mcp, metrics, security)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.configGetSection(args[0])
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a runtime config parameter",
		Long: `Set a runtime config parameter. Supported keys:
  clock.frameInterval      (duration, e.g. "16ms")
  clock.stepsPerFrame      (int)
  worker.maxIdleTime       (duration)
  worker.maxSessions       (int)
  security.allowedOrigins  (string)
  security.maxRequestBody  (int64, bytes)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := configPatch(args[0], args[1])
			if err != nil {
				return err
			}
			return c.call("POST", "/v1/config", body, "")
		},
	})
	rootCmd.AddCommand(configCmd)

	// --interactive flag explicitly requested
	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if interactive {
			runREPL(c)
			os.Exit(0)
		}
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── Request bodies ──────────────────────────────────────────

func stepBody(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return "", fmt.Errorf("ticks must be a non-negative integer, got %q", args[0])
	}
	return fmt.Sprintf(`{"ticks":%d}`, n), nil
}

// stimBody turns "12.5" into an amount and "#3" into preset index 2.
func stimBody(arg string, targets []int) (string, error) {
	payload := map[string]any{}
	if strings.HasPrefix(arg, "#") {
		n, err := strconv.Atoi(arg[1:])
		if err != nil || n < 1 {
			return "", fmt.Errorf("preset must be #1 or higher, got %q", arg)
		}
		payload["preset"] = n - 1
	} else {
		amount, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "", fmt.Errorf("amount must be a number, got %q", arg)
		}
		payload["amount"] = amount
	}
	if len(targets) > 0 {
		payload["targets"] = targets
	}
	body, err := json.Marshal(payload)
	return string(body), err
}

func configPatch(key, value string) (string, error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("key must be section.field (e.g. clock.frameInterval)")
	}
	section, field := parts[0], parts[1]

	var fieldJSON string
	switch field {
	case "stepsPerFrame", "maxSessions", "maxRequestBody":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "", fmt.Errorf("numeric field %q requires an integer", key)
		}
		fieldJSON = fmt.Sprintf(`%q:%s`, field, value)
	default: // durations, origins
		fieldJSON = fmt.Sprintf(`%q:%q`, field, value)
	}
	return fmt.Sprintf(`{%q:{%s}}`, section, fieldJSON), nil
}

// ── HTTP helpers ────────────────────────────────────────────

func (c *cli) resolveSession(cmd *cobra.Command, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if id, _ := cmd.Flags().GetString("session"); id != "" {
		return id
	}
	return string(c.conn.SessionID)
}

func (c *cli) sim(cmd *cobra.Command, method, action, body string) error {
	return c.call(method, "/v1/sim/"+action, body, c.resolveSession(cmd, nil))
}

// request performs one HTTP round trip and returns the body of a 2xx response.
func (c *cli) request(method, path, body, sessionID, contentType string, accept string) ([]byte, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, c.conn.BaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	if c.conn.User != "" {
		req.SetBasicAuth(c.conn.User, c.conn.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// call performs a request and pretty-prints the JSON response.
func (c *cli) call(method, path, body, sessionID string) error {
	data, err := c.request(method, path, body, sessionID, "", "")
	if err != nil {
		return err
	}
	c.printJSON(data)
	return nil
}

func (c *cli) printJSON(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(c.out, string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(c.out, string(out))
}

func (c *cli) createSession(neurons int, file string) (core.SessionID, error) {
	body, contentType := "", ""
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		body, contentType = string(data), "application/yaml"
	case neurons > 0:
		body = fmt.Sprintf(`{"neurons":%d}`, neurons)
	}

	data, err := c.request("POST", "/v1/sessions", body, "", contentType, "")
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID core.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to decode session: %w", err)
	}
	return resp.SessionID, nil
}

// frameSummary fetches the binary history frame and prints min/max/last per neuron.
func (c *cli) frameSummary(sessionID string) error {
	data, err := c.request("GET", "/v1/sim/history", "", sessionID, "", trace.MIMEType)
	if err != nil {
		return err
	}
	f, err := trace.DecodeFrame(data)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	fmt.Fprintf(c.out, "session %s  tick %d  t=%gms  running=%v\n", f.SessionID, f.Tick, f.TimeMs, f.Running)
	for i, h := range f.Histories {
		if len(h) == 0 {
			fmt.Fprintf(c.out, "  n%-3d (no samples)\n", i)
			continue
		}
		lo, hi := h[0], h[0]
		for _, v := range h {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		fmt.Fprintf(c.out, "  n%-3d samples=%-4d min=%8.3f max=%8.3f last=%8.3f\n", i, len(h), lo, hi, h[len(h)-1])
	}
	return nil
}

func (c *cli) configGetSection(section string) error {
	data, err := c.request("GET", "/v1/config", "", "", "", "")
	if err != nil {
		return err
	}

	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	val, ok := full[section]
	if !ok {
		valid := make([]string, 0, len(full))
		for k := range full {
			valid = append(valid, k)
		}
		return fmt.Errorf("unknown section %q, valid: %v", section, valid)
	}

	out, _ := json.MarshalIndent(val, "", "  ")
	fmt.Fprintln(c.out, string(out))
	return nil
}

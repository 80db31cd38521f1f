package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/qubicDB/spikesim/pkg/core"
)

const replHelp = `
spikesim interactive shell - available commands:

  Sessions:
    new [neurons]                     Create a session and switch to it
    load <file.yaml>                  Create a session from a network file
    sessions                          List live sessions
    show                              Snapshot of the active session
    drop                              Delete the active session

  Simulation:
    step [ticks]                      Advance one or more ticks
    play | pause | toggle             Control the frame clock for this session
    reset                             Back to tick 0 at rest
    stim <amount|#preset> [targets]   Inject mV (e.g. stim 20 0 2, stim #3)
    add                               Append a neuron with default params
    remove [index]                    Remove a neuron (default last)
    connect <from> <to> <w> <delay>   Append a synapse
    synapses                          List synapses

  Inspection:
    state | voltages | events | spikes
    history [index]                   Voltage history
    frame                             Binary frame summary

  Server:
    ping                              Check server health
    stats                             Pool, clock and session statistics
    clock [pause|resume]              Global frame clock
    config                            Show runtime config
    config get <section>              Show one section
    config set <key> <value>          Set a runtime parameter
      e.g. config set clock.stepsPerFrame 4

  Shell:
    \help                             Show this help
    \session [id]                     Show/switch active session
    \status                           Show connection info
    \quit  (or exit, quit, Ctrl-D)    Exit
`

// runREPL starts the interactive shell. conn and httpClient are already
// initialised by the cobra PersistentPreRunE.
func runREPL(c *cli) {
	if _, err := c.request("GET", "/health", "", "", "", ""); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach %s: %v\n", c.conn.BaseURL(), err)
		os.Exit(1)
	}

	fmt.Printf("Connected to spikesim at %s\nType \\help for commands, \\quit to exit.\n\n", c.conn.BaseURL())

	active := string(c.conn.SessionID)
	scanner := bufio.NewScanner(os.Stdin)

	for {
		prompt := "spikesim"
		if active != "" {
			prompt = fmt.Sprintf("spikesim[%s]", shortID(active))
		}
		fmt.Printf("%s> ", prompt)

		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if done := dispatchREPL(c, line, &active); done {
			fmt.Println("Bye.")
			break
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// dispatchREPL parses and executes one REPL line.
// Returns true when the user wants to quit.
func dispatchREPL(c *cli, line string, active *string) bool {
	parts := tokenize(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	report := func(err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	sim := func(method, action, body string) {
		if *active == "" {
			fmt.Fprintln(os.Stderr, "no active session (use new, load or \\session <id>)")
			return
		}
		report(c.call(method, "/v1/sim/"+action, body, *active))
	}

	switch cmd {
	// ── Quit ────────────────────────────────────────────────
	case `\quit`, `\q`, "exit", "quit":
		return true

	// ── Help ────────────────────────────────────────────────
	case `\help`, `\h`, "help":
		fmt.Fprint(c.out, replHelp)

	// ── Session switch ──────────────────────────────────────
	case `\session`:
		if len(args) == 0 {
			if *active == "" {
				fmt.Fprintln(c.out, "no active session (use \\session <id> to set one)")
			} else {
				fmt.Fprintf(c.out, "active session: %s\n", *active)
			}
			break
		}
		id, err := core.ParseSessionID(args[0])
		if err != nil {
			report(err)
			break
		}
		*active = string(id)
		fmt.Fprintf(c.out, "switched to session: %s\n", *active)

	case `\status`:
		fmt.Fprintf(c.out, "server:   %s\n", c.conn.BaseURL())
		if c.conn.User != "" {
			fmt.Fprintf(c.out, "user:     %s\n", c.conn.User)
		}
		session := *active
		if session == "" {
			session = "(none)"
		}
		fmt.Fprintf(c.out, "session:  %s\n", session)

	// ── Sessions ────────────────────────────────────────────
	case "new", "load":
		neurons, file := 0, ""
		if cmd == "load" {
			if len(args) == 0 {
				fmt.Fprintln(os.Stderr, "usage: load <file.yaml>")
				break
			}
			file = args[0]
		} else if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "usage: new [neurons]")
				break
			}
			neurons = n
		}
		id, err := c.createSession(neurons, file)
		if err != nil {
			report(err)
			break
		}
		*active = string(id)
		fmt.Fprintf(c.out, "created session: %s\n", id)

	case "sessions":
		report(c.call("GET", "/v1/sessions", "", ""))

	case "show":
		if *active == "" {
			fmt.Fprintln(os.Stderr, "no active session")
			break
		}
		report(c.call("GET", "/v1/sessions/"+*active, "", ""))

	case "drop":
		if *active == "" {
			fmt.Fprintln(os.Stderr, "no active session")
			break
		}
		if err := c.call("DELETE", "/v1/sessions/"+*active, "", ""); err != nil {
			report(err)
			break
		}
		*active = ""

	// ── Simulation ──────────────────────────────────────────
	case "step":
		body, err := stepBody(args)
		if err != nil {
			report(err)
			break
		}
		sim("POST", "step", body)

	case "play", "pause", "toggle", "reset":
		sim("POST", cmd, "")

	case "stim":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "usage: stim <amount|#preset> [target ...]")
			break
		}
		targets, err := parseInts(args[1:])
		if err != nil {
			report(err)
			break
		}
		body, err := stimBody(args[0], targets)
		if err != nil {
			report(err)
			break
		}
		sim("POST", "stimulate", body)

	case "add":
		sim("POST", "neurons", "")

	case "remove":
		action := "neurons"
		if len(args) > 0 {
			action += "?index=" + args[0]
		}
		sim("DELETE", action, "")

	case "connect":
		replConnect(c, args, *active)

	case "synapses":
		sim("GET", "synapses", "")

	// ── Inspection ──────────────────────────────────────────
	case "state", "voltages", "events", "spikes":
		sim("GET", cmd, "")

	case "history":
		action := "history"
		if len(args) > 0 {
			action += "?index=" + args[0]
		}
		sim("GET", action, "")

	case "frame":
		if *active == "" {
			fmt.Fprintln(os.Stderr, "no active session")
			break
		}
		report(c.frameSummary(*active))

	// ── Server ──────────────────────────────────────────────
	case "ping":
		report(c.call("GET", "/health", "", ""))

	case "stats":
		report(c.call("GET", "/v1/stats", "", ""))

	case "clock":
		if len(args) == 0 {
			report(c.call("GET", "/v1/clock", "", ""))
		} else {
			report(c.call("POST", "/v1/clock/"+args[0], "", ""))
		}

	case "config":
		switch {
		case len(args) == 0 || args[0] == "show":
			report(c.call("GET", "/v1/config", "", ""))
		case args[0] == "get" && len(args) == 2:
			report(c.configGetSection(args[1]))
		case args[0] == "set" && len(args) == 3:
			body, err := configPatch(args[1], args[2])
			if err != nil {
				report(err)
				break
			}
			report(c.call("POST", "/v1/config", body, ""))
		default:
			fmt.Fprintln(os.Stderr, "usage: config [show | get <section> | set <key> <value>]")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, type \\help for available commands\n", cmd)
	}

	return false
}

// replConnect appends one synapse by reading the current set and writing it back.
func replConnect(c *cli, args []string, active string) {
	if active == "" {
		fmt.Fprintln(os.Stderr, "no active session")
		return
	}
	if len(args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: connect <from> <to> <weight> <delay>")
		return
	}
	syn, err := parseSynapse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}

	data, err := c.request("GET", "/v1/sim/synapses", "", active, "", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	var current struct {
		Synapses []core.Synapse `json:"synapses"`
	}
	if err := json.Unmarshal(data, &current); err != nil {
		fmt.Fprintf(os.Stderr, "error: decode synapses: %v\n", err)
		return
	}

	body, _ := json.Marshal(map[string]any{"synapses": append(current.Synapses, syn)})
	if err := c.call("PUT", "/v1/sim/synapses", string(body), active); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func parseSynapse(args []string) (core.Synapse, error) {
	ints, err := parseInts([]string{args[0], args[1], args[3]})
	if err != nil {
		return core.Synapse{}, err
	}
	weight, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return core.Synapse{}, fmt.Errorf("weight must be a number, got %q", args[2])
	}
	return core.Synapse{Source: ints[0], Target: ints[1], Weight: weight, DelaySteps: ints[2]}, nil
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		for _, field := range strings.Split(a, ",") {
			if field == "" {
				continue
			}
			n, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("expected an integer, got %q", field)
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// tokenize splits a line into tokens respecting quoted strings.
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case inQuote:
			if ch == quoteChar {
				inQuote = false
			} else {
				cur.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			inQuote = true
			quoteChar = ch
		case ch == ' ' || ch == '\t':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(ch)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

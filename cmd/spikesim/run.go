package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/sim"
)

// scheduledStimulus injects Amount at the start of Tick, before that tick
// is stepped. Target -1 means every neuron.
type scheduledStimulus struct {
	Tick   int64
	Amount float64
	Target int
}

// parseStimulus reads "tick:amount" or "tick:amount:target".
func parseStimulus(raw string) (scheduledStimulus, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return scheduledStimulus{}, fmt.Errorf("%w: stimulus %q, want tick:amount[:target]", core.ErrInvalidParameter, raw)
	}
	tick, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || tick < 0 {
		return scheduledStimulus{}, fmt.Errorf("%w: stimulus tick %q", core.ErrInvalidParameter, parts[0])
	}
	amount, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return scheduledStimulus{}, fmt.Errorf("%w: stimulus amount %q", core.ErrInvalidParameter, parts[1])
	}
	st := scheduledStimulus{Tick: tick, Amount: amount, Target: -1}
	if len(parts) == 3 {
		target, err := strconv.Atoi(parts[2])
		if err != nil || target < 0 {
			return scheduledStimulus{}, fmt.Errorf("%w: stimulus target %q", core.ErrInvalidParameter, parts[2])
		}
		st.Target = target
	}
	return st, nil
}

func parseSchedule(raw []string) ([]scheduledStimulus, error) {
	out := make([]scheduledStimulus, 0, len(raw))
	for _, r := range raw {
		st, err := parseStimulus(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out, nil
}

// runOptions is the headless mode input
type runOptions struct {
	Ticks    int
	Format   string
	Schedule []scheduledStimulus
}

// runHeadless steps s opts.Ticks times and writes one record per tick
// (csv) or one record per spike (spikes) to out.
func runHeadless(s *sim.Session, opts runOptions, out io.Writer) error {
	if opts.Ticks < 0 {
		return fmt.Errorf("%w: ticks must be >= 0", core.ErrInvalidParameter)
	}
	switch opts.Format {
	case "csv", "spikes":
	default:
		return fmt.Errorf("%w: format %q, want csv or spikes", core.ErrInvalidParameter, opts.Format)
	}

	// Stimuli only land on a running network.
	s.Play()

	w := csv.NewWriter(out)
	if opts.Format == "csv" {
		header := []string{"tick", "time_ms"}
		for i := 0; i < s.NeuronCount(); i++ {
			header = append(header, "v"+strconv.Itoa(i))
		}
		if err := w.Write(header); err != nil {
			return err
		}
	} else if err := w.Write([]string{"tick", "time_ms", "neuron"}); err != nil {
		return err
	}

	next := 0
	for n := 0; n < opts.Ticks; n++ {
		for next < len(opts.Schedule) && opts.Schedule[next].Tick <= s.Tick() {
			st := opts.Schedule[next]
			next++
			var targets []int
			if st.Target >= 0 {
				targets = []int{st.Target}
			}
			if err := s.Stimulate(st.Amount, targets); err != nil {
				return fmt.Errorf("tick %d: %w", st.Tick, err)
			}
		}

		timeMs := s.TimeMs()
		r, err := s.Step()
		if err != nil {
			return fmt.Errorf("tick %d: %w", s.Tick(), err)
		}
		tick := strconv.FormatInt(r.Tick, 10)
		ms := strconv.FormatFloat(timeMs, 'f', -1, 64)

		if opts.Format == "csv" {
			row := []string{tick, ms}
			for _, v := range s.Voltages() {
				row = append(row, strconv.FormatFloat(v, 'f', 4, 64))
			}
			if err := w.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, i := range r.Fired {
			if err := w.Write([]string{tick, ms, strconv.Itoa(i)}); err != nil {
				return err
			}
		}
	}

	w.Flush()
	return w.Error()
}

func newRunCmd(cliOverrides *core.CLIOverrides) *cobra.Command {
	var (
		ticks   int
		neurons int
		format  string
		stims   []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a network headless and print voltages or spikes",
		Example: `  spikesim run --network net.yaml --ticks 50 --stim 0:25:0
  spikesim run --neurons 3 --ticks 10 --stim 2:30 --format spikes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := parseSchedule(stims)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd.Flags(), cliOverrides)
			if err != nil {
				return err
			}

			topo := core.UniformTopology(neurons, cfg.NeuronDefaults())
			if cfg.Simulation.NetworkFile != "" {
				topo, err = core.LoadTopology(cfg.Simulation.NetworkFile, cfg.NeuronDefaults())
				if err != nil {
					return err
				}
			}

			opts := sim.OptionsFromConfig(cfg)
			s, err := sim.NewSession(core.NewSessionID(), opts, topo)
			if err != nil {
				return err
			}
			return runHeadless(s, runOptions{Ticks: ticks, Format: format, Schedule: schedule}, os.Stdout)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&ticks, "ticks", "n", 100, "Ticks to simulate")
	f.IntVar(&neurons, "neurons", 1, "Unconnected neurons to simulate when no --network is given")
	f.StringVar(&format, "format", "csv", "Output format: csv or spikes")
	f.StringArrayVar(&stims, "stim", nil, "Stimulus tick:amount[:target], repeatable")
	return cmd
}

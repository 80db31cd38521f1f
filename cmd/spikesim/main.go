package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/qubicDB/spikesim/pkg/api"
	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/daemon"
	"github.com/qubicDB/spikesim/pkg/metrics"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "spikesim",
		Short: "spikesim - leaky integrate-and-fire network simulator",
		Long:  "Serves discrete-time spiking neural network sessions over HTTP, paced by a frame clock, with delayed synaptic delivery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.PersistentFlags()
	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides SPIKESIM_CONFIG env)")
	cliOverrides.TimeStep = f.Float64("time-step", 1.0, "Tick length in milliseconds")
	cliOverrides.Threshold = f.Float64("threshold", core.DefaultThreshold, "Default firing threshold (mV)")
	cliOverrides.Resting = f.Float64("resting", core.DefaultResting, "Default resting potential (mV)")
	cliOverrides.LeakRate = f.Float64("leak-rate", core.DefaultLeakRate, "Default leak rate per ms")
	cliOverrides.HistoryCapacity = f.Int("history", core.DefaultHistoryCapacity, "Voltage samples kept per neuron")
	cliOverrides.NetworkFile = f.String("network", "", "YAML network file")

	sf := rootCmd.Flags()
	cliOverrides.HTTPAddr = sf.String("http-addr", "", "HTTP listen address")
	cliOverrides.InitialNeurons = sf.Int("initial-neurons", 1, "Neurons in a session created without a topology")
	cliOverrides.MaxNeurons = sf.Int("max-neurons", 64, "Maximum neurons per session")
	cliOverrides.StimulateWhilePaused = sf.Bool("stimulate-while-paused", false, "Accept stimuli on paused sessions")
	cliOverrides.FrameInterval = sf.Duration("frame-interval", time.Second/60, "Wall-clock time between frames")
	cliOverrides.StepsPerFrame = sf.Int("steps-per-frame", 1, "Ticks per frame for running sessions")
	cliOverrides.MaxIdleTime = sf.Duration("max-idle", 30*time.Minute, "Evict sessions idle for this long")
	cliOverrides.MaxSessions = sf.Int("max-sessions", 128, "Maximum live sessions")
	cliOverrides.MCPEnabled = sf.Bool("mcp", false, "Enable the MCP endpoint")
	cliOverrides.MetricsEnabled = sf.Bool("metrics", true, "Expose Prometheus metrics")

	// Security flags
	cliOverrides.AllowedOrigins = sf.String("allowed-origins", "", "CORS allowed origins (comma-separated, \"*\" for all)")
	cliOverrides.TLSCert = sf.String("tls-cert", "", "Path to TLS certificate file")
	cliOverrides.TLSKey = sf.String("tls-key", "", "Path to TLS private key file")

	rootCmd.AddCommand(newRunCmd(&cliOverrides))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config hierarchy: defaults -> YAML -> env -> flags.
func loadConfig(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) (*core.Config, error) {
	// --config flag > SPIKESIM_CONFIG env var
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("SPIKESIM_CONFIG")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Only flags that were explicitly set
	applyExplicitFlags(flags, cfg, cliOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serve implements the server startup sequence after CLI flags are parsed.
func serve(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	core.PrintBanner()

	cfg, err := loadConfig(flags, cliOverrides)
	if err != nil {
		return err
	}
	log.Printf("HTTP: %s", cfg.Server.HTTPAddr)
	log.Printf("Model: dt=%gms threshold=%gmV resting=%gmV leak=%g", cfg.Simulation.TimeStep,
		cfg.Simulation.Threshold, cfg.Simulation.Resting, cfg.Simulation.LeakRate)

	pool := concurrency.NewWorkerPoolFromConfig(cfg)
	log.Println("Worker pool initialized")

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder(pool.ActiveCount)
		pool.SetObserver(recorder)
		log.Printf("Metrics enabled at %s", cfg.Metrics.Path)
	}

	if cfg.Simulation.NetworkFile != "" {
		topo, err := core.LoadTopology(cfg.Simulation.NetworkFile, cfg.NeuronDefaults())
		if err != nil {
			pool.Shutdown()
			return err
		}
		worker, err := pool.Create("", &topo)
		if err != nil {
			pool.Shutdown()
			return fmt.Errorf("default session: %w", err)
		}
		log.Printf("Default session %s loaded from %s (%d neurons, %d synapses)",
			worker.ID(), cfg.Simulation.NetworkFile, len(topo.Neurons), len(topo.Synapses))
	}

	clock := daemon.NewClockFromConfig(pool, cfg.Clock)
	clock.Start()

	httpServer := api.NewServer(cfg.Server.HTTPAddr, pool, cfg)
	httpServer.SetClock(clock)
	if recorder != nil {
		httpServer.SetMetrics(recorder)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			cancel()
		}
	}()

	log.Println("spikesim is ready!")
	log.Println("--------------------------------------------")

	core.WaitForShutdown(ctx, cancel)

	log.Println("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	clock.Stop()
	pool.Shutdown()

	log.Println("spikesim shutdown complete")
	return nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	set := func(name string, apply func()) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			apply()
		}
	}

	set("http-addr", func() { overrides.HTTPAddr = o.HTTPAddr })
	set("time-step", func() { overrides.TimeStep = o.TimeStep })
	set("threshold", func() { overrides.Threshold = o.Threshold })
	set("resting", func() { overrides.Resting = o.Resting })
	set("leak-rate", func() { overrides.LeakRate = o.LeakRate })
	set("history", func() { overrides.HistoryCapacity = o.HistoryCapacity })
	set("network", func() { overrides.NetworkFile = o.NetworkFile })
	set("initial-neurons", func() { overrides.InitialNeurons = o.InitialNeurons })
	set("max-neurons", func() { overrides.MaxNeurons = o.MaxNeurons })
	set("stimulate-while-paused", func() { overrides.StimulateWhilePaused = o.StimulateWhilePaused })
	set("frame-interval", func() { overrides.FrameInterval = o.FrameInterval })
	set("steps-per-frame", func() { overrides.StepsPerFrame = o.StepsPerFrame })
	set("max-idle", func() { overrides.MaxIdleTime = o.MaxIdleTime })
	set("max-sessions", func() { overrides.MaxSessions = o.MaxSessions })
	set("mcp", func() { overrides.MCPEnabled = o.MCPEnabled })
	set("metrics", func() { overrides.MetricsEnabled = o.MetricsEnabled })
	set("allowed-origins", func() { overrides.AllowedOrigins = o.AllowedOrigins })
	set("tls-cert", func() { overrides.TLSCert = o.TLSCert })
	set("tls-key", func() { overrides.TLSKey = o.TLSKey })

	cfg.ApplyCLIOverrides(&overrides)
}

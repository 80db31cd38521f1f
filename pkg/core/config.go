package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHTTPAddr is the REST listener used when nothing else is configured.
	DefaultHTTPAddr = ":6070"

	// DefaultHistoryCapacity matches a 920 px plot at one sample per pixel.
	DefaultHistoryCapacity = 920
)

var builtInMCPTools = map[string]struct{}{
	"spikesim_create":    {},
	"spikesim_step":      {},
	"spikesim_stimulate": {},
	"spikesim_state":     {},
	"spikesim_topology":  {},
}

// ---------------------------------------------------------------------------
// Config: central configuration for a spikesim server instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. Environment variables (SPIKESIM_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "16ms", "5m").
// ---------------------------------------------------------------------------

// ServerConfig groups network listener settings.
type ServerConfig struct {
	// HTTPAddr is the TCP address the HTTP/REST API binds to.
	HTTPAddr string `yaml:"httpAddr" json:"httpAddr"`
}

// SimulationConfig groups the numeric model and per-session limits.
type SimulationConfig struct {
	// TimeStep is the length of one tick in milliseconds.
	TimeStep float64 `yaml:"timeStep" json:"timeStep"`

	// Threshold, Resting and LeakRate are the defaults for new neurons.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Resting   float64 `yaml:"resting" json:"resting"`
	LeakRate  float64 `yaml:"leakRate" json:"leakRate"`

	// HistoryCapacity is the number of voltage samples kept per neuron.
	HistoryCapacity int `yaml:"historyCapacity" json:"historyCapacity"`

	// SpikeLogCapacity is the number of spike ticks kept per neuron. 0 disables the log.
	SpikeLogCapacity int `yaml:"spikeLogCapacity" json:"spikeLogCapacity"`

	// StimulusPresets are the instantaneous voltage increments (mV) offered
	// as numbered stimuli. Empty means the five defaults derived from the
	// threshold-resting gap.
	StimulusPresets []float64 `yaml:"stimulusPresets" json:"stimulusPresets"`

	// StimulateWhilePaused lets stimuli land on a paused network.
	StimulateWhilePaused bool `yaml:"stimulateWhilePaused" json:"stimulateWhilePaused"`

	// InitialNeurons is the size of a session created without a topology.
	InitialNeurons int `yaml:"initialNeurons" json:"initialNeurons"`

	// MaxNeurons bounds AddNeuron per session.
	MaxNeurons int `yaml:"maxNeurons" json:"maxNeurons"`

	// MaxStepsPerRequest bounds a single burst request.
	MaxStepsPerRequest int `yaml:"maxStepsPerRequest" json:"maxStepsPerRequest"`

	// NetworkFile is an optional YAML topology loaded into a default session at startup.
	NetworkFile string `yaml:"networkFile" json:"networkFile"`
}

// ClockConfig groups the frame pacing of running sessions.
type ClockConfig struct {
	// FrameInterval is the wall-clock period between frames.
	FrameInterval time.Duration `yaml:"frameInterval" json:"frameInterval"`

	// StepsPerFrame is the number of ticks each running session advances per frame.
	StepsPerFrame int `yaml:"stepsPerFrame" json:"stepsPerFrame"`
}

// WorkerConfig groups session pool settings.
type WorkerConfig struct {
	// MaxIdleTime is how long a session may go without operations
	// before it is evicted from the pool.
	MaxIdleTime time.Duration `yaml:"maxIdleTime" json:"maxIdleTime"`

	// MaxSessions bounds the number of live sessions.
	MaxSessions int `yaml:"maxSessions" json:"maxSessions"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	// Enabled controls whether the MCP endpoint is exposed.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the HTTP route for MCP transport.
	Path string `yaml:"path" json:"path"`

	// APIKey is optional shared secret validated from X-API-Key or Bearer token.
	APIKey string `yaml:"apiKey" json:"-"`

	// Stateless enables stateless session-id handling for streamable HTTP.
	Stateless bool `yaml:"stateless" json:"stateless"`

	// RateLimitRPS controls per-client rate limiting in requests/second.
	// Set to 0 to disable MCP-specific rate limiting.
	RateLimitRPS float64 `yaml:"rateLimitRPS" json:"rateLimitRPS"`

	// RateLimitBurst controls burst capacity for MCP-specific rate limiting.
	RateLimitBurst int `yaml:"rateLimitBurst" json:"rateLimitBurst"`

	// EnablePrompts toggles MCP prompt registration.
	EnablePrompts bool `yaml:"enablePrompts" json:"enablePrompts"`

	// AllowedTools is an optional allowlist; empty means all built-in MCP tools.
	AllowedTools []string `yaml:"allowedTools" json:"allowedTools"`
}

// MetricsConfig groups Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// SecurityConfig groups network security and request-limiting settings.
type SecurityConfig struct {
	// AllowedOrigins controls the CORS Access-Control-Allow-Origin header.
	// Use "*" to allow all origins or a comma-separated list.
	AllowedOrigins string `yaml:"allowedOrigins" json:"allowedOrigins"`

	// MaxRequestBody is the maximum allowed HTTP request body size in bytes.
	// 0 disables the limit.
	MaxRequestBody int64 `yaml:"maxRequestBody" json:"maxRequestBody"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tlsCert" json:"tlsCert"`
	TLSKey  string `yaml:"tlsKey" json:"-"`

	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// Config is the root configuration object for a spikesim server.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Simulation SimulationConfig `yaml:"simulation" json:"simulation"`
	Clock      ClockConfig      `yaml:"clock" json:"clock"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	MCP        MCPConfig        `yaml:"mcp" json:"mcp"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: DefaultHTTPAddr,
		},
		Simulation: SimulationConfig{
			TimeStep:           1.0,
			Threshold:          DefaultThreshold,
			Resting:            DefaultResting,
			LeakRate:           DefaultLeakRate,
			HistoryCapacity:    DefaultHistoryCapacity,
			SpikeLogCapacity:   256,
			InitialNeurons:     1,
			MaxNeurons:         64,
			MaxStepsPerRequest: 10000,
		},
		Clock: ClockConfig{
			FrameInterval: time.Second / 60,
			StepsPerFrame: 1,
		},
		Worker: WorkerConfig{
			MaxIdleTime: 30 * time.Minute,
			MaxSessions: 128,
		},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   30,
			RateLimitBurst: 60,
			EnablePrompts:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			AllowedOrigins: "http://localhost:6070",
			MaxRequestBody: 1 << 20, // 1 MB
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
	}
}

// NeuronDefaults returns the configured constants for new neurons.
func (c *Config) NeuronDefaults() NeuronParams {
	return NeuronParams{
		Threshold: c.Simulation.Threshold,
		Resting:   c.Simulation.Resting,
		LeakRate:  c.Simulation.LeakRate,
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix SPIKESIM_):
//
//	SPIKESIM_HTTP_ADDR               → Server.HTTPAddr
//	SPIKESIM_TIME_STEP               → Simulation.TimeStep        (float, ms)
//	SPIKESIM_THRESHOLD               → Simulation.Threshold       (float, mV)
//	SPIKESIM_RESTING                 → Simulation.Resting         (float, mV)
//	SPIKESIM_LEAK_RATE               → Simulation.LeakRate        (float)
//	SPIKESIM_HISTORY_CAPACITY        → Simulation.HistoryCapacity
//	SPIKESIM_SPIKE_LOG_CAPACITY      → Simulation.SpikeLogCapacity
//	SPIKESIM_STIMULUS_PRESETS        → Simulation.StimulusPresets (comma-separated floats)
//	SPIKESIM_STIMULATE_WHILE_PAUSED  → Simulation.StimulateWhilePaused ("true"/"false")
//	SPIKESIM_INITIAL_NEURONS         → Simulation.InitialNeurons
//	SPIKESIM_MAX_NEURONS             → Simulation.MaxNeurons
//	SPIKESIM_MAX_STEPS_PER_REQUEST   → Simulation.MaxStepsPerRequest
//	SPIKESIM_NETWORK_FILE            → Simulation.NetworkFile
//	SPIKESIM_FRAME_INTERVAL          → Clock.FrameInterval        (duration string)
//	SPIKESIM_STEPS_PER_FRAME         → Clock.StepsPerFrame
//	SPIKESIM_MAX_IDLE_TIME           → Worker.MaxIdleTime         (duration string)
//	SPIKESIM_MAX_SESSIONS            → Worker.MaxSessions
//	SPIKESIM_MCP_ENABLED             → MCP.Enabled                ("true"/"false")
//	SPIKESIM_MCP_PATH                → MCP.Path
//	SPIKESIM_MCP_API_KEY             → MCP.APIKey
//	SPIKESIM_MCP_STATELESS           → MCP.Stateless
//	SPIKESIM_MCP_RATE_LIMIT_RPS      → MCP.RateLimitRPS           (float)
//	SPIKESIM_MCP_RATE_LIMIT_BURST    → MCP.RateLimitBurst         (integer)
//	SPIKESIM_MCP_ENABLE_PROMPTS      → MCP.EnablePrompts
//	SPIKESIM_MCP_ALLOWED_TOOLS       → MCP.AllowedTools           (comma-separated)
//	SPIKESIM_METRICS_ENABLED         → Metrics.Enabled
//	SPIKESIM_METRICS_PATH            → Metrics.Path
//	SPIKESIM_ALLOWED_ORIGINS         → Security.AllowedOrigins
//	SPIKESIM_MAX_REQUEST_BODY        → Security.MaxRequestBody    (bytes, integer)
//	SPIKESIM_TLS_CERT                → Security.TLSCert
//	SPIKESIM_TLS_KEY                 → Security.TLSKey
//	SPIKESIM_READ_TIMEOUT            → Security.ReadTimeout       (duration string)
//	SPIKESIM_WRITE_TIMEOUT           → Security.WriteTimeout      (duration string)
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Server --
	setEnvStr("SPIKESIM_HTTP_ADDR", &cfg.Server.HTTPAddr)

	// -- Simulation --
	setEnvFloat("SPIKESIM_TIME_STEP", &cfg.Simulation.TimeStep)
	setEnvFloat("SPIKESIM_THRESHOLD", &cfg.Simulation.Threshold)
	setEnvFloat("SPIKESIM_RESTING", &cfg.Simulation.Resting)
	setEnvFloat("SPIKESIM_LEAK_RATE", &cfg.Simulation.LeakRate)
	setEnvInt("SPIKESIM_HISTORY_CAPACITY", &cfg.Simulation.HistoryCapacity)
	setEnvInt("SPIKESIM_SPIKE_LOG_CAPACITY", &cfg.Simulation.SpikeLogCapacity)
	setEnvFloatCSV("SPIKESIM_STIMULUS_PRESETS", &cfg.Simulation.StimulusPresets)
	setEnvBool("SPIKESIM_STIMULATE_WHILE_PAUSED", &cfg.Simulation.StimulateWhilePaused)
	setEnvInt("SPIKESIM_INITIAL_NEURONS", &cfg.Simulation.InitialNeurons)
	setEnvInt("SPIKESIM_MAX_NEURONS", &cfg.Simulation.MaxNeurons)
	setEnvInt("SPIKESIM_MAX_STEPS_PER_REQUEST", &cfg.Simulation.MaxStepsPerRequest)
	setEnvStr("SPIKESIM_NETWORK_FILE", &cfg.Simulation.NetworkFile)

	// -- Clock --
	setEnvDuration("SPIKESIM_FRAME_INTERVAL", &cfg.Clock.FrameInterval)
	setEnvInt("SPIKESIM_STEPS_PER_FRAME", &cfg.Clock.StepsPerFrame)

	// -- Worker --
	setEnvDuration("SPIKESIM_MAX_IDLE_TIME", &cfg.Worker.MaxIdleTime)
	setEnvInt("SPIKESIM_MAX_SESSIONS", &cfg.Worker.MaxSessions)

	// -- MCP --
	setEnvBool("SPIKESIM_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("SPIKESIM_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("SPIKESIM_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvBool("SPIKESIM_MCP_STATELESS", &cfg.MCP.Stateless)
	setEnvFloat("SPIKESIM_MCP_RATE_LIMIT_RPS", &cfg.MCP.RateLimitRPS)
	setEnvInt("SPIKESIM_MCP_RATE_LIMIT_BURST", &cfg.MCP.RateLimitBurst)
	setEnvBool("SPIKESIM_MCP_ENABLE_PROMPTS", &cfg.MCP.EnablePrompts)
	setEnvCSV("SPIKESIM_MCP_ALLOWED_TOOLS", &cfg.MCP.AllowedTools)

	// -- Metrics --
	setEnvBool("SPIKESIM_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setEnvStr("SPIKESIM_METRICS_PATH", &cfg.Metrics.Path)

	// -- Security --
	setEnvStr("SPIKESIM_ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	setEnvInt64("SPIKESIM_MAX_REQUEST_BODY", &cfg.Security.MaxRequestBody)
	setEnvStr("SPIKESIM_TLS_CERT", &cfg.Security.TLSCert)
	setEnvStr("SPIKESIM_TLS_KEY", &cfg.Security.TLSKey)
	setEnvDuration("SPIKESIM_READ_TIMEOUT", &cfg.Security.ReadTimeout)
	setEnvDuration("SPIKESIM_WRITE_TIMEOUT", &cfg.Security.WriteTimeout)

	return cfg
}

// LoadConfig implements the full configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
func (c *Config) Validate() error {
	// Server
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.httpAddr must not be empty")
	}

	// Simulation
	if c.Simulation.TimeStep <= 0 {
		return fmt.Errorf("simulation.timeStep must be > 0, got %g", c.Simulation.TimeStep)
	}
	if err := c.NeuronDefaults().Validate(); err != nil {
		return fmt.Errorf("simulation neuron defaults: %w", err)
	}
	if c.Simulation.HistoryCapacity < 1 {
		return fmt.Errorf("simulation.historyCapacity must be >= 1, got %d", c.Simulation.HistoryCapacity)
	}
	if c.Simulation.SpikeLogCapacity < 0 {
		return fmt.Errorf("simulation.spikeLogCapacity must be >= 0 (0 = off)")
	}
	if c.Simulation.MaxNeurons < 1 {
		return fmt.Errorf("simulation.maxNeurons must be >= 1, got %d", c.Simulation.MaxNeurons)
	}
	if c.Simulation.InitialNeurons < 1 || c.Simulation.InitialNeurons > c.Simulation.MaxNeurons {
		return fmt.Errorf("simulation.initialNeurons must be in [1, %d], got %d",
			c.Simulation.MaxNeurons, c.Simulation.InitialNeurons)
	}
	if c.Simulation.MaxStepsPerRequest < 1 {
		return fmt.Errorf("simulation.maxStepsPerRequest must be >= 1")
	}
	if c.Simulation.LeakRate*c.Simulation.TimeStep >= 1 {
		log.Printf("⚠ WARNING: simulation.leakRate*timeStep=%g >= 1; the leak will overshoot rest each tick",
			c.Simulation.LeakRate*c.Simulation.TimeStep)
	}

	// Clock
	if c.Clock.FrameInterval <= 0 {
		return fmt.Errorf("clock.frameInterval must be > 0")
	}
	if c.Clock.StepsPerFrame < 1 {
		return fmt.Errorf("clock.stepsPerFrame must be >= 1, got %d", c.Clock.StepsPerFrame)
	}
	if c.Clock.FrameInterval < time.Millisecond {
		log.Printf("⚠ WARNING: clock.frameInterval=%v is very aggressive, this will increase CPU usage", c.Clock.FrameInterval)
	}

	// Worker
	if c.Worker.MaxIdleTime <= 0 {
		return fmt.Errorf("worker.maxIdleTime must be > 0")
	}
	if c.Worker.MaxSessions < 1 {
		return fmt.Errorf("worker.maxSessions must be >= 1, got %d", c.Worker.MaxSessions)
	}

	// MCP
	mcpPath := strings.TrimSpace(c.MCP.Path)
	if mcpPath == "" {
		mcpPath = "/mcp"
	}
	if !strings.HasPrefix(mcpPath, "/") {
		return fmt.Errorf("mcp.path must start with '/'")
	}
	if len(mcpPath) > 1 {
		mcpPath = strings.TrimRight(mcpPath, "/")
	}
	c.MCP.Path = mcpPath
	if c.MCP.RateLimitRPS < 0 {
		return fmt.Errorf("mcp.rateLimitRPS must be >= 0")
	}
	if c.MCP.RateLimitBurst < 0 {
		return fmt.Errorf("mcp.rateLimitBurst must be >= 0")
	}
	if len(c.MCP.AllowedTools) > 0 {
		dedup := make(map[string]struct{}, len(c.MCP.AllowedTools))
		invalid := make(map[string]struct{})
		tools := make([]string, 0, len(c.MCP.AllowedTools))
		for _, name := range c.MCP.AllowedTools {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := dedup[name]; ok {
				continue
			}
			if _, ok := builtInMCPTools[name]; !ok {
				invalid[name] = struct{}{}
				continue
			}
			dedup[name] = struct{}{}
			tools = append(tools, name)
		}
		if len(invalid) > 0 {
			invalidTools := make([]string, 0, len(invalid))
			for name := range invalid {
				invalidTools = append(invalidTools, name)
			}
			sort.Strings(invalidTools)
			return fmt.Errorf("mcp.allowedTools contains unsupported tools: %s", strings.Join(invalidTools, ", "))
		}
		c.MCP.AllowedTools = tools
	}

	// Metrics
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	// Security
	if c.Security.MaxRequestBody < 0 {
		return fmt.Errorf("security.maxRequestBody must be >= 0 (0 = unlimited)")
	}
	if c.Security.ReadTimeout <= 0 {
		return fmt.Errorf("security.readTimeout must be > 0")
	}
	if c.Security.WriteTimeout <= 0 {
		return fmt.Errorf("security.writeTimeout must be > 0")
	}
	if c.Security.TLSCert != "" && c.Security.TLSKey == "" {
		return fmt.Errorf("security.tlsKey is required when security.tlsCert is set")
	}
	if c.Security.TLSKey != "" && c.Security.TLSCert == "" {
		return fmt.Errorf("security.tlsCert is required when security.tlsKey is set")
	}
	if c.Security.AllowedOrigins == "*" {
		log.Printf("⚠ WARNING: security.allowedOrigins is set to \"*\" (allow all), restrict for shared deployments")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setEnvInt sets *target to the parsed integer value of the named env var.
func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvInt64 sets *target to the parsed int64 value of the named env var.
func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// setEnvFloat sets *target to the parsed float64 value of the named env var.
func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// setEnvCSV sets *target to a comma-separated env var list.
func setEnvCSV(key string, target *[]string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

// setEnvFloatCSV sets *target to a comma-separated list of floats.
// The whole variable is ignored if any element fails to parse.
func setEnvFloatCSV(key string, target *[]float64) {
	var raw []string
	setEnvCSV(key, &raw)
	if len(raw) == 0 {
		return
	}
	out := make([]float64, 0, len(raw))
	for _, p := range raw {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return
		}
		out = append(out, f)
	}
	*target = out
}

// ---------------------------------------------------------------------------
// CLI flag overrides: final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath           *string
	HTTPAddr             *string
	TimeStep             *float64
	Threshold            *float64
	Resting              *float64
	LeakRate             *float64
	HistoryCapacity      *int
	InitialNeurons       *int
	MaxNeurons           *int
	StimulateWhilePaused *bool
	NetworkFile          *string
	FrameInterval        *time.Duration
	StepsPerFrame        *int
	MaxIdleTime          *time.Duration
	MaxSessions          *int
	MCPEnabled           *bool
	MetricsEnabled       *bool
	AllowedOrigins       *string
	TLSCert              *string
	TLSKey               *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields in the CLIOverrides are applied, preserving all
// values resolved from earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.HTTPAddr != nil {
		c.Server.HTTPAddr = *o.HTTPAddr
	}
	if o.TimeStep != nil {
		c.Simulation.TimeStep = *o.TimeStep
	}
	if o.Threshold != nil {
		c.Simulation.Threshold = *o.Threshold
	}
	if o.Resting != nil {
		c.Simulation.Resting = *o.Resting
	}
	if o.LeakRate != nil {
		c.Simulation.LeakRate = *o.LeakRate
	}
	if o.HistoryCapacity != nil {
		c.Simulation.HistoryCapacity = *o.HistoryCapacity
	}
	if o.InitialNeurons != nil {
		c.Simulation.InitialNeurons = *o.InitialNeurons
	}
	if o.MaxNeurons != nil {
		c.Simulation.MaxNeurons = *o.MaxNeurons
	}
	if o.StimulateWhilePaused != nil {
		c.Simulation.StimulateWhilePaused = *o.StimulateWhilePaused
	}
	if o.NetworkFile != nil {
		c.Simulation.NetworkFile = *o.NetworkFile
	}
	if o.FrameInterval != nil {
		c.Clock.FrameInterval = *o.FrameInterval
	}
	if o.StepsPerFrame != nil {
		c.Clock.StepsPerFrame = *o.StepsPerFrame
	}
	if o.MaxIdleTime != nil {
		c.Worker.MaxIdleTime = *o.MaxIdleTime
	}
	if o.MaxSessions != nil {
		c.Worker.MaxSessions = *o.MaxSessions
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.MetricsEnabled != nil {
		c.Metrics.Enabled = *o.MetricsEnabled
	}
	if o.AllowedOrigins != nil {
		c.Security.AllowedOrigins = *o.AllowedOrigins
	}
	if o.TLSCert != nil {
		c.Security.TLSCert = *o.TLSCert
	}
	if o.TLSKey != nil {
		c.Security.TLSKey = *o.TLSKey
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels the provided context to initiate graceful shutdown.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the spikesim banner to stdout.
func PrintBanner() {
	banner := `
             _ _            _
   ___ _ __ (_) | _____ ___(_)_ __ ___
  / __| '_ \| | |/ / _ \ __| | '_ ' _ \
  \__ \ |_) | |   <  __\__ \ | | | | | |
  |___/ .__/|_|_|\_\___|___/_|_| |_| |_|
      |_|
    Leaky integrate-and-fire network simulator
    ──────────────────────────────────────────
`
	fmt.Print(banner)
}

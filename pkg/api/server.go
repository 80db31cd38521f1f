package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qubicDB/spikesim/pkg/api/apierr"
	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/daemon"
	mcpapi "github.com/qubicDB/spikesim/pkg/mcp"
	"github.com/qubicDB/spikesim/pkg/metrics"
)

// Server is the HTTP/REST API server.
type Server struct {
	pool    *concurrency.WorkerPool
	clock   *daemon.Clock
	metrics *metrics.Recorder

	config   *core.Config
	configMu sync.RWMutex

	httpServer  *http.Server
	addr        string
	mcpPath     string
	metricsPath string

	rateLimitEnabled  bool
	rateLimitRequests int
	rateLimitWindow   time.Duration
	rateLimitMu       sync.Mutex
	rateLimitEntries  map[string]rateLimitEntry
}

const (
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRequest = 10000
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// NewServer creates a new API server
func NewServer(addr string, pool *concurrency.WorkerPool, cfg *core.Config) *Server {
	s := &Server{
		pool:              pool,
		config:            cfg,
		addr:              addr,
		rateLimitEnabled:  true,
		rateLimitRequests: defaultRateLimitRequest,
		rateLimitWindow:   defaultRateLimitWindow,
		rateLimitEntries:  make(map[string]rateLimitEntry),
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/health", s.handleHealth)

	// Session management
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSession)

	// Per-session simulation control: /v1/sim/{action}
	mux.HandleFunc("/v1/sim/", s.handleSim)

	// Runtime
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/clock", s.handleClock)
	mux.HandleFunc("/v1/clock/", s.handleClockOps)
	mux.HandleFunc("/v1/config", s.handleConfig)

	if cfg.Metrics.Enabled {
		s.metricsPath = cfg.Metrics.Path
		if strings.TrimSpace(s.metricsPath) == "" {
			s.metricsPath = "/metrics"
		}
		mux.HandleFunc(s.metricsPath, s.handleMetrics)
	}

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			Stateless:      cfg.MCP.Stateless,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
			EnablePrompts:  cfg.MCP.EnablePrompts,
			AllowedTools:   cfg.MCP.AllowedTools,
		}, newMCPBackend(s))
		if err != nil {
			log.Printf("⚠ MCP endpoint disabled: %v", err)
		} else {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
			log.Printf("MCP endpoint enabled at %s (stateless=%v)", path, cfg.MCP.Stateless)
		}
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.Security.ReadTimeout,
		WriteTimeout: cfg.Security.WriteTimeout,
	}

	return s
}

// SetClock binds the frame clock for runtime control.
func (s *Server) SetClock(c *daemon.Clock) {
	s.clock = c
}

// SetMetrics binds the recorder served on the metrics path.
func (s *Server) SetMetrics(r *metrics.Recorder) {
	s.metrics = r
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withMiddleware adds common middleware (CORS, content-type, request body limit, logging).
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isMCPPath(r.URL.Path) || (s.metricsPath != "" && r.URL.Path == s.metricsPath) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
			return
		}

		s.configMu.RLock()
		allowedOrigins := s.config.Security.AllowedOrigins
		maxBody := s.config.Security.MaxRequestBody
		s.configMu.RUnlock()

		// AllowedOrigins may be comma-separated; match against the request Origin header.
		requestOrigin := r.Header.Get("Origin")
		if requestOrigin != "" {
			allowed := false
			if allowedOrigins == "*" {
				allowed = true
			} else {
				for _, o := range strings.Split(allowedOrigins, ",") {
					if strings.TrimSpace(o) == requestOrigin {
						allowed = true
						break
					}
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", requestOrigin)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Session-ID, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allowRequestByRateLimit(r) {
			retryAfter := int(s.rateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierr.TooManyRequests(w, "rate limit exceeded")
			return
		}

		if maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}

		// Handlers that stream binary frames replace this
		w.Header().Set("Content-Type", "application/json")

		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

// decodeJSONRequest decodes the body into dst. An empty body leaves dst
// untouched when optional is set.
func (s *Server) decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return false
		}
		apierr.InvalidJSON(w)
		return false
	}
	return true
}

func (s *Server) allowRequestByRateLimit(r *http.Request) bool {
	if !s.rateLimitEnabled || s.rateLimitRequests <= 0 || s.rateLimitWindow <= 0 {
		return true
	}

	key := r.RemoteAddr
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		key = strings.TrimSpace(parts[0])
	} else if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		key = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	entry := s.rateLimitEntries[key]
	if entry.windowStart.IsZero() || now.Sub(entry.windowStart) >= s.rateLimitWindow {
		s.rateLimitEntries[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= s.rateLimitRequests {
		return false
	}
	entry.count++
	s.rateLimitEntries[key] = entry
	return true
}

// Start starts the server. Uses TLS if configured.
func (s *Server) Start() error {
	if s.config.Security.TLSCert != "" && s.config.Security.TLSKey != "" {
		log.Printf("🚀 spikesim API server starting on %s (TLS)", s.addr)
		return s.httpServer.ListenAndServeTLS(s.config.Security.TLSCert, s.config.Security.TLSKey)
	}
	log.Printf("🚀 spikesim API server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now(),
		"activeSessions": s.pool.ActiveCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	resp := map[string]any{"pool": s.pool.Stats()}
	if s.clock != nil {
		resp["clock"] = s.clock.Stats()
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		apierr.NotFound(w, apierr.CodeNotFound, "metrics recorder not available")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// handleClock returns frame clock statistics
func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.clock == nil {
		apierr.NotFound(w, apierr.CodeNotFound, "frame clock not available in this runtime")
		return
	}
	json.NewEncoder(w).Encode(s.clock.Stats())
}

// handleClockOps pauses or resumes frame delivery for every session
func (s *Server) handleClockOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.clock == nil {
		apierr.NotFound(w, apierr.CodeNotFound, "frame clock not available in this runtime")
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/v1/clock/") {
	case "pause":
		s.clock.Pause()
	case "resume":
		s.clock.Resume()
	default:
		apierr.NotFound(w, apierr.CodeNotFound, "unknown clock action")
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"paused": s.clock.Paused()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.handleConfigGet(w, r)
	case "POST":
		s.handleConfigSet(w, r)
	default:
		apierr.MethodNotAllowed(w)
	}
}

// handleConfigGet returns the active configuration snapshot.
func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	c := s.config

	json.NewEncoder(w).Encode(map[string]any{
		"server": map[string]any{
			"httpAddr": c.Server.HTTPAddr,
		},
		"simulation": map[string]any{
			"timeStep":             c.Simulation.TimeStep,
			"threshold":            c.Simulation.Threshold,
			"resting":              c.Simulation.Resting,
			"leakRate":             c.Simulation.LeakRate,
			"historyCapacity":      c.Simulation.HistoryCapacity,
			"spikeLogCapacity":     c.Simulation.SpikeLogCapacity,
			"stimulusPresets":      c.Simulation.StimulusPresets,
			"stimulateWhilePaused": c.Simulation.StimulateWhilePaused,
			"initialNeurons":       c.Simulation.InitialNeurons,
			"maxNeurons":           c.Simulation.MaxNeurons,
			"maxStepsPerRequest":   c.Simulation.MaxStepsPerRequest,
		},
		"clock": map[string]any{
			"frameInterval": c.Clock.FrameInterval.String(),
			"stepsPerFrame": c.Clock.StepsPerFrame,
		},
		"worker": map[string]any{
			"maxIdleTime": c.Worker.MaxIdleTime.String(),
			"maxSessions": c.Worker.MaxSessions,
		},
		"mcp": map[string]any{
			"enabled": c.MCP.Enabled,
			"path":    c.MCP.Path,
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"path":    c.Metrics.Path,
		},
		"security": map[string]any{
			"allowedOrigins": c.Security.AllowedOrigins,
			"maxRequestBody": c.Security.MaxRequestBody,
			"tlsEnabled":     c.Security.TLSCert != "",
			"readTimeout":    c.Security.ReadTimeout.String(),
			"writeTimeout":   c.Security.WriteTimeout.String(),
		},
	})
}

// handleConfigSet applies a partial runtime configuration patch.
// Only fields that are safe to change at runtime are accepted.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Clock *struct {
			FrameInterval string `json:"frameInterval,omitempty"`
			StepsPerFrame *int   `json:"stepsPerFrame,omitempty"`
		} `json:"clock,omitempty"`
		Worker *struct {
			MaxIdleTime string `json:"maxIdleTime,omitempty"`
			MaxSessions *int   `json:"maxSessions,omitempty"`
		} `json:"worker,omitempty"`
		Security *struct {
			AllowedOrigins *string `json:"allowedOrigins,omitempty"`
			MaxRequestBody *int64  `json:"maxRequestBody,omitempty"`
		} `json:"security,omitempty"`
	}

	if !s.decodeJSONRequest(w, r, &patch, false) {
		return
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()

	changed := []string{}
	rejected := []string{}

	// tryDuration parses a positive Go duration string into target.
	tryDuration := func(field, raw string, target *time.Duration) bool {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			rejected = append(rejected, field+": invalid duration "+raw)
			return false
		}
		*target = d
		changed = append(changed, field)
		return true
	}

	if patch.Clock != nil {
		clockChanged := false
		if v := patch.Clock.FrameInterval; v != "" {
			clockChanged = tryDuration("clock.frameInterval", v, &s.config.Clock.FrameInterval) || clockChanged
		}
		if v := patch.Clock.StepsPerFrame; v != nil {
			if *v < 1 {
				rejected = append(rejected, "clock.stepsPerFrame: must be >= 1")
			} else {
				s.config.Clock.StepsPerFrame = *v
				changed = append(changed, "clock.stepsPerFrame")
				clockChanged = true
			}
		}
		if clockChanged {
			if s.clock != nil {
				s.clock.SetRate(s.config.Clock.FrameInterval, s.config.Clock.StepsPerFrame)
			} else {
				rejected = append(rejected, "clock.*: frame clock not available in this runtime")
			}
		}
	}

	if patch.Worker != nil {
		if v := patch.Worker.MaxIdleTime; v != "" {
			if tryDuration("worker.maxIdleTime", v, &s.config.Worker.MaxIdleTime) {
				s.pool.SetMaxIdleTime(s.config.Worker.MaxIdleTime)
			}
		}
		if v := patch.Worker.MaxSessions; v != nil {
			if *v < 0 {
				rejected = append(rejected, "worker.maxSessions: must be >= 0")
			} else {
				s.config.Worker.MaxSessions = *v
				s.pool.SetMaxSessions(*v)
				changed = append(changed, "worker.maxSessions")
			}
		}
	}

	if patch.Security != nil {
		if v := patch.Security.AllowedOrigins; v != nil {
			s.config.Security.AllowedOrigins = *v
			changed = append(changed, "security.allowedOrigins")
		}
		if v := patch.Security.MaxRequestBody; v != nil {
			if *v < 0 {
				rejected = append(rejected, "security.maxRequestBody: must be >= 0")
			} else {
				s.config.Security.MaxRequestBody = *v
				changed = append(changed, "security.maxRequestBody")
			}
		}
	}

	if len(changed) == 0 {
		msg := "no valid runtime parameters provided"
		if len(rejected) > 0 {
			msg = "all parameters rejected"
		}
		apierr.BadRequest(w, apierr.CodeBadRequest, msg)
		return
	}

	resp := map[string]any{
		"ok":      true,
		"changed": changed,
		"count":   len(changed),
	}
	if len(rejected) > 0 {
		resp["rejected"] = rejected
	}
	json.NewEncoder(w).Encode(resp)
}

package concurrency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/sim"
)

// WorkerPool manages every live session worker
type WorkerPool struct {
	workers map[core.SessionID]*SessionWorker
	opts    sim.Options

	initialNeurons int
	maxSessions    int
	observer       TickObserver

	// Worker lifecycle
	maxIdleTime   time.Duration
	evictInterval time.Duration

	// Concurrency control
	mu       sync.RWMutex
	createMu sync.Mutex // Prevents race during worker creation

	// Stats
	totalCreated uint64
	totalEvicted uint64
	totalRemoved uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool that builds sessions with opts
func NewWorkerPool(opts sim.Options) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	p := &WorkerPool{
		workers:        make(map[core.SessionID]*SessionWorker),
		opts:           opts,
		initialNeurons: 1,
		maxSessions:    128,
		maxIdleTime:    30 * time.Minute,
		evictInterval:  time.Minute,
		ctx:            ctx,
		cancel:         cancel,
	}

	go p.evictionLoop()

	return p
}

// NewWorkerPoolFromConfig applies the simulation and worker sections of cfg.
func NewWorkerPoolFromConfig(cfg *core.Config) *WorkerPool {
	p := NewWorkerPool(sim.OptionsFromConfig(cfg))
	p.SetInitialNeurons(cfg.Simulation.InitialNeurons)
	p.SetMaxSessions(cfg.Worker.MaxSessions)
	p.SetMaxIdleTime(cfg.Worker.MaxIdleTime)
	return p
}

// DefaultTopology is what Create uses when no topology is given
func (p *WorkerPool) DefaultTopology() core.Topology {
	p.mu.RLock()
	n := p.initialNeurons
	p.mu.RUnlock()
	return core.UniformTopology(n, p.opts.Defaults)
}

// Create starts a new session. An empty id gets a fresh uuid; a nil
// topology gets DefaultTopology.
func (p *WorkerPool) Create(id core.SessionID, topo *core.Topology) (*SessionWorker, error) {
	if id == "" {
		id = core.NewSessionID()
	}
	t := p.DefaultTopology()
	if topo != nil {
		t = *topo
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	p.mu.RLock()
	_, exists := p.workers[id]
	count := len(p.workers)
	limit := p.maxSessions
	p.mu.RUnlock()

	if exists {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionExists, id)
	}
	if limit > 0 && count >= limit {
		return nil, fmt.Errorf("%w: %d sessions", core.ErrSessionLimit, limit)
	}

	session, err := sim.NewSession(id, p.opts, t)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	worker := NewSessionWorker(session, p.observer)
	p.workers[id] = worker
	p.totalCreated++
	p.mu.Unlock()

	return worker, nil
}

// Get returns the worker for id
func (p *WorkerPool) Get(id core.SessionID) (*SessionWorker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	worker, ok := p.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return worker, nil
}

// List returns all active session IDs in sorted order
func (p *WorkerPool) List() []core.SessionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]core.SessionID, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remove stops and forgets a session
func (p *WorkerPool) Remove(id core.SessionID) error {
	p.mu.Lock()
	worker, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	delete(p.workers, id)
	p.totalRemoved++
	p.mu.Unlock()

	worker.Stop()
	p.forget(id)
	return nil
}

// forget tells the observer a session is gone, if it cares
func (p *WorkerPool) forget(id core.SessionID) {
	p.mu.RLock()
	o := p.observer
	p.mu.RUnlock()
	if f, ok := o.(SessionForgetter); ok {
		f.ForgetSession(id)
	}
}

// evictionLoop periodically evicts idle workers
func (p *WorkerPool) evictionLoop() {
	ticker := time.NewTicker(p.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle drops sessions nobody has touched for maxIdleTime.
// A running session counts as touched on every frame it advances.
func (p *WorkerPool) evictIdle() int {
	now := time.Now()
	toEvict := make([]*SessionWorker, 0)

	p.mu.Lock()
	for id, worker := range p.workers {
		if now.Sub(worker.LastActivity()) > p.maxIdleTime {
			toEvict = append(toEvict, worker)
			delete(p.workers, id)
			p.totalEvicted++
		}
	}
	p.mu.Unlock()

	for _, w := range toEvict {
		w.Stop()
		p.forget(w.ID())
	}
	return len(toEvict)
}

// Shutdown gracefully stops all workers
func (p *WorkerPool) Shutdown() {
	p.cancel()

	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[core.SessionID]*SessionWorker)
	p.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}

// ActiveCount returns number of active workers
func (p *WorkerPool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// SetObserver attaches a tick observer to workers created from now on.
func (p *WorkerPool) SetObserver(o TickObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// SetMaxIdleTime updates the idle eviction threshold at runtime.
func (p *WorkerPool) SetMaxIdleTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxIdleTime = d
}

// SetMaxSessions updates the session limit; existing sessions are kept.
func (p *WorkerPool) SetMaxSessions(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSessions = n
}

// SetInitialNeurons sets the size of sessions created without a topology.
func (p *WorkerPool) SetInitialNeurons(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialNeurons = n
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workerStats := make(map[string]any)
	for id, w := range p.workers {
		workerStats[string(id)] = w.Stats()
	}

	return map[string]any{
		"active_sessions": len(p.workers),
		"max_sessions":    p.maxSessions,
		"total_created":   p.totalCreated,
		"total_evicted":   p.totalEvicted,
		"total_removed":   p.totalRemoved,
		"max_idle_time":   p.maxIdleTime.String(),
		"session_details": workerStats,
	}
}

// ForEach executes a function on each worker
func (p *WorkerPool) ForEach(fn func(core.SessionID, *SessionWorker)) {
	p.mu.RLock()
	workers := make(map[core.SessionID]*SessionWorker, len(p.workers))
	for k, v := range p.workers {
		workers[k] = v
	}
	p.mu.RUnlock()

	for id, w := range workers {
		fn(id, w)
	}
}

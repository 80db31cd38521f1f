package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/network"
	"github.com/qubicDB/spikesim/pkg/sim"
)

// Operation types for the worker
type OpType int

const (
	OpStep         OpType = iota // Advance one tick
	OpRun                        // Advance a burst of ticks
	OpPlay                       // Start the frame clock for this session
	OpPause                      // Stop the frame clock for this session
	OpToggle                     // Flip running/paused
	OpStimulate                  // Inject an instantaneous voltage increment
	OpAddNeuron                  // Append a neuron
	OpRemoveNeuron               // Remove a neuron and reconcile synapses/events
	OpSetSynapses                // Swap the synapse set
	OpReset                      // Back to tick 0 at rest
	OpSnapshot                   // Full state copy
	OpFrame                      // Display frame
	OpHistory                    // Voltage histories
	OpEvents                     // In-flight spikes
	OpSpikes                     // Spike logs
	OpGetStats                   // Worker statistics
	OpFrameTick                  // Clock-driven advance, only while running
	OpShutdown                   // Shutdown worker
)

var opNames = [...]string{
	"step", "run", "play", "pause", "toggle", "stimulate", "add_neuron",
	"remove_neuron", "set_synapses", "reset", "snapshot", "frame",
	"history", "events", "spikes", "stats", "frame_tick", "shutdown",
}

func (t OpType) String() string {
	if t < 0 || int(t) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(t))
	}
	return opNames[t]
}

// Operation represents a queued operation
type Operation struct {
	Type    OpType
	Payload any
	Result  chan any
	Error   chan error
}

// TickStats describes one advancing operation.
type TickStats struct {
	Op        OpType
	Ticks     int
	Delivered int
	Scheduled int
	Spikes    int
	Pending   int
	Duration  time.Duration
}

// TickObserver is told about every operation that advanced a session.
// It is called from the session's worker goroutine.
type TickObserver interface {
	ObserveTicks(id core.SessionID, st TickStats)
}

// SessionForgetter is an optional TickObserver extension, told when the
// pool removes or evicts a session.
type SessionForgetter interface {
	ForgetSession(id core.SessionID)
}

// SessionWorker is a dedicated goroutine per simulation session.
// Every tick, stimulus and topology edit is an Operation on one channel,
// so edits always land between ticks.
type SessionWorker struct {
	id       core.SessionID
	session  *sim.Session
	observer TickObserver

	// Operation queue
	ops chan *Operation

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	opsProcessed uint64
	ticks        uint64
	spikes       uint64
	lastOp       time.Time

	mu sync.RWMutex
}

// NewSessionWorker starts a worker that owns session
func NewSessionWorker(session *sim.Session, observer TickObserver) *SessionWorker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &SessionWorker{
		id:       session.ID(),
		session:  session,
		observer: observer,
		ops:      make(chan *Operation, 256), // Buffered for burst handling
		ctx:      ctx,
		cancel:   cancel,
		lastOp:   time.Now(),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// ID returns the session the worker owns
func (w *SessionWorker) ID() core.SessionID { return w.id }

// run is the main worker loop
func (w *SessionWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drainOps()
			return

		case op := <-w.ops:
			w.processOp(op)
		}
	}
}

// processOp handles a single operation
func (w *SessionWorker) processOp(op *Operation) {
	if op.Type != OpFrameTick {
		w.touch()
	}

	var result any
	var err error
	s := w.session

	switch op.Type {
	case OpStep:
		start := time.Now()
		var r network.Report
		r, err = s.Step()
		if err == nil {
			w.observe(op.Type, 1, r.Delivered, r.Scheduled, len(r.Fired), time.Since(start))
		}
		result = r

	case OpRun:
		req := op.Payload.(RunRequest)
		start := time.Now()
		var sum sim.RunSummary
		sum, err = s.Run(req.Ticks)
		if sum.Ticks > 0 {
			w.observe(op.Type, sum.Ticks, sum.Delivered, sum.Scheduled, sum.Spikes, time.Since(start))
		}
		result = sum

	case OpFrameTick:
		req := op.Payload.(FrameTickRequest)
		result, err = w.frameTick(req.Steps)

	case OpPlay:
		s.Play()
		result = s.Running()

	case OpPause:
		s.Pause()
		result = s.Running()

	case OpToggle:
		result = s.Toggle()

	case OpStimulate:
		req := op.Payload.(StimulateRequest)
		if req.Preset != nil {
			err = s.StimulatePreset(*req.Preset, req.Targets)
		} else {
			err = s.Stimulate(req.Amount, req.Targets)
		}

	case OpAddNeuron:
		req := op.Payload.(AddNeuronRequest)
		params := s.Options().Defaults
		if req.Params != nil {
			params = *req.Params
		}
		result, err = s.AddNeuron(params)

	case OpRemoveNeuron:
		req := op.Payload.(RemoveNeuronRequest)
		if req.Index == nil {
			result, err = s.RemoveLastNeuron()
		} else {
			result, err = s.RemoveNeuron(*req.Index)
		}

	case OpSetSynapses:
		err = s.SetSynapses(op.Payload.([]core.Synapse))

	case OpReset:
		s.Reset()

	case OpSnapshot:
		result = s.Snapshot()

	case OpFrame:
		req := op.Payload.(FrameRequest)
		result = s.Frame(req.Histories)

	case OpHistory:
		req := op.Payload.(HistoryRequest)
		if req.Index == nil {
			result = s.Histories()
		} else {
			result, err = s.History(*req.Index)
		}

	case OpEvents:
		result = s.PendingEvents()

	case OpSpikes:
		result = s.Spikes()

	case OpGetStats:
		result = w.Stats()

	case OpShutdown:
		w.cancel()
		return

	default:
		err = fmt.Errorf("%w: unknown operation %d", core.ErrInvalidParameter, int(op.Type))
	}

	if op.Result != nil {
		op.Result <- result
	}
	if op.Error != nil {
		op.Error <- err
	}
}

// frameTick advances a running session by up to steps ticks.
func (w *SessionWorker) frameTick(steps int) (int, error) {
	s := w.session
	if !s.Running() || steps <= 0 {
		return 0, nil
	}
	w.touch()

	start := time.Now()
	var delivered, scheduled, spikes, done int
	for done < steps {
		r, err := s.Step()
		if err != nil {
			s.Pause()
			w.observe(OpFrameTick, done, delivered, scheduled, spikes, time.Since(start))
			return done, err
		}
		done++
		delivered += r.Delivered
		scheduled += r.Scheduled
		spikes += len(r.Fired)
	}
	w.observe(OpFrameTick, done, delivered, scheduled, spikes, time.Since(start))
	return done, nil
}

func (w *SessionWorker) touch() {
	w.mu.Lock()
	w.opsProcessed++
	w.lastOp = time.Now()
	w.mu.Unlock()
}

func (w *SessionWorker) observe(op OpType, ticks, delivered, scheduled, spikes int, d time.Duration) {
	w.mu.Lock()
	w.ticks += uint64(ticks)
	w.spikes += uint64(spikes)
	w.mu.Unlock()

	if w.observer == nil || ticks == 0 {
		return
	}
	w.observer.ObserveTicks(w.id, TickStats{
		Op:        op,
		Ticks:     ticks,
		Delivered: delivered,
		Scheduled: scheduled,
		Spikes:    spikes,
		Pending:   len(w.session.PendingEvents()),
		Duration:  d,
	})
}

// drainOps processes remaining operations before shutdown
func (w *SessionWorker) drainOps() {
	for {
		select {
		case op := <-w.ops:
			if op.Type == OpShutdown {
				return
			}
			w.processOp(op)
		default:
			return
		}
	}
}

// Submit queues an operation and waits for result
func (w *SessionWorker) Submit(op *Operation) (any, error) {
	op.Result = make(chan any, 1)
	op.Error = make(chan error, 1)

	select {
	case w.ops <- op:
	case <-w.ctx.Done():
		return nil, context.Canceled
	}

	select {
	case result := <-op.Result:
		err := <-op.Error
		return result, err
	case <-w.ctx.Done():
		return nil, context.Canceled
	}
}

// SubmitAsync queues an operation without waiting.
// It reports false when the queue is full and the operation was dropped.
func (w *SessionWorker) SubmitAsync(op *Operation) bool {
	select {
	case w.ops <- op:
		return true
	default:
		return false
	}
}

// Stop gracefully stops the worker
func (w *SessionWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// LastActivity returns the time of the last client operation
func (w *SessionWorker) LastActivity() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastOp
}

// Stats returns worker stats
func (w *SessionWorker) Stats() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return map[string]any{
		"session_id":     w.id,
		"ops_processed":  w.opsProcessed,
		"ticks":          w.ticks,
		"spikes":         w.spikes,
		"last_op":        w.lastOp,
		"queue_length":   len(w.ops),
		"queue_capacity": cap(w.ops),
	}
}

// Request types
type RunRequest struct {
	Ticks int
}

type FrameTickRequest struct {
	Steps int
}

type StimulateRequest struct {
	Amount  float64
	Preset  *int
	Targets []int
}

type AddNeuronRequest struct {
	Params *core.NeuronParams
}

type RemoveNeuronRequest struct {
	Index *int // nil removes the last neuron
}

type FrameRequest struct {
	Histories bool
}

type HistoryRequest struct {
	Index *int // nil returns every neuron
}

package daemon

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
)

// Clock paces running sessions: every frame it asks each session to
// advance stepsPerFrame ticks. Paused sessions ignore the request.
type Clock struct {
	pool *concurrency.WorkerPool

	frameInterval time.Duration
	stepsPerFrame int
	intervalMu    sync.RWMutex

	paused  atomic.Bool
	frames  atomic.Uint64
	dropped atomic.Uint64
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClock creates a clock at 60 frames per second, one tick per frame
func NewClock(pool *concurrency.WorkerPool) *Clock {
	ctx, cancel := context.WithCancel(context.Background())

	return &Clock{
		pool:          pool,
		frameInterval: time.Second / 60,
		stepsPerFrame: 1,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// NewClockFromConfig applies the clock section of cfg
func NewClockFromConfig(pool *concurrency.WorkerPool, cfg core.ClockConfig) *Clock {
	c := NewClock(pool)
	c.SetRate(cfg.FrameInterval, cfg.StepsPerFrame)
	return c
}

// Start starts the frame loop
func (c *Clock) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.frameDaemon()

	interval, steps := c.rate()
	log.Printf("⏱  Frame clock started (%v per frame, %d tick(s) per frame)", interval, steps)
}

// Stop stops the frame loop and waits for it to exit
func (c *Clock) Stop() {
	c.cancel()
	c.wg.Wait()
	if c.started.Load() {
		log.Println("⏱  Frame clock stopped")
	}
}

// Pause suspends frame delivery without stopping the loop
func (c *Clock) Pause() { c.paused.Store(true) }

// Resume restarts frame delivery
func (c *Clock) Resume() { c.paused.Store(false) }

// Paused reports whether frame delivery is suspended
func (c *Clock) Paused() bool { return c.paused.Load() }

// frameDaemon wakes once per frame interval
func (c *Clock) frameDaemon() {
	defer c.wg.Done()

	for {
		interval, _ := c.rate()
		if !c.waitInterval(interval) {
			return
		}
		if c.paused.Load() {
			continue
		}
		c.Tick()
	}
}

// Tick delivers one frame to every session immediately.
// It never blocks on a busy session; a full queue drops the frame for that session.
func (c *Clock) Tick() {
	_, steps := c.rate()
	c.frames.Add(1)
	c.pool.ForEach(func(id core.SessionID, worker *concurrency.SessionWorker) {
		ok := worker.SubmitAsync(&concurrency.Operation{
			Type:    concurrency.OpFrameTick,
			Payload: concurrency.FrameTickRequest{Steps: steps},
		})
		if !ok {
			c.dropped.Add(1)
		}
	})
}

func (c *Clock) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Clock) rate() (time.Duration, int) {
	c.intervalMu.RLock()
	defer c.intervalMu.RUnlock()
	return c.frameInterval, c.stepsPerFrame
}

// SetRate changes the frame interval and ticks per frame.
// Non-positive values keep the current setting.
func (c *Clock) SetRate(frameInterval time.Duration, stepsPerFrame int) {
	c.intervalMu.Lock()
	defer c.intervalMu.Unlock()
	if frameInterval > 0 {
		c.frameInterval = frameInterval
	}
	if stepsPerFrame > 0 {
		c.stepsPerFrame = stepsPerFrame
	}
}

// Stats returns clock statistics
func (c *Clock) Stats() map[string]any {
	interval, steps := c.rate()
	return map[string]any{
		"frame_interval":  interval.String(),
		"steps_per_frame": steps,
		"paused":          c.paused.Load(),
		"frames":          c.frames.Load(),
		"dropped_frames":  c.dropped.Load(),
	}
}

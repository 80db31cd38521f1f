package daemon

import (
	"testing"
	"time"

	"github.com/qubicDB/spikesim/pkg/concurrency"
	"github.com/qubicDB/spikesim/pkg/core"
	"github.com/qubicDB/spikesim/pkg/sim"
)

func setupTestClock(t *testing.T) (*Clock, *concurrency.WorkerPool) {
	t.Helper()
	pool := concurrency.NewWorkerPool(sim.DefaultOptions())
	t.Cleanup(pool.Shutdown)
	return NewClock(pool), pool
}

func snapshotTick(t *testing.T, w *concurrency.SessionWorker) int64 {
	t.Helper()
	res, err := w.Submit(&concurrency.Operation{Type: concurrency.OpSnapshot})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return res.(sim.Snapshot).Tick
}

func TestClockDefaults(t *testing.T) {
	c, _ := setupTestClock(t)
	stats := c.Stats()
	if stats["steps_per_frame"].(int) != 1 {
		t.Errorf("expected 1 step per frame, got %v", stats["steps_per_frame"])
	}
	if stats["frame_interval"].(string) != (time.Second / 60).String() {
		t.Errorf("expected 60 fps, got %v", stats["frame_interval"])
	}
}

func TestClockFromConfig(t *testing.T) {
	pool := concurrency.NewWorkerPool(sim.DefaultOptions())
	defer pool.Shutdown()
	c := NewClockFromConfig(pool, core.ClockConfig{FrameInterval: 5 * time.Millisecond, StepsPerFrame: 3})
	if c.Stats()["steps_per_frame"].(int) != 3 {
		t.Errorf("expected 3 steps per frame")
	}
}

func TestClockTickAdvancesOnlyRunning(t *testing.T) {
	c, pool := setupTestClock(t)
	c.SetRate(0, 2)

	running, _ := pool.Create("running", nil)
	paused, _ := pool.Create("paused", nil)
	running.Submit(&concurrency.Operation{Type: concurrency.OpPlay})

	c.Tick()
	c.Tick()

	if tick := snapshotTick(t, running); tick != 4 {
		t.Errorf("running session: expected tick 4, got %d", tick)
	}
	if tick := snapshotTick(t, paused); tick != 0 {
		t.Errorf("paused session: expected tick 0, got %d", tick)
	}
	if c.Stats()["frames"].(uint64) != 2 {
		t.Errorf("expected 2 frames, got %v", c.Stats()["frames"])
	}
}

func TestClockStartStop(t *testing.T) {
	c, pool := setupTestClock(t)
	c.SetRate(2*time.Millisecond, 1)
	w, _ := pool.Create("a", nil)
	w.Submit(&concurrency.Operation{Type: concurrency.OpPlay})

	c.Start()
	c.Start() // second Start is a no-op
	time.Sleep(100 * time.Millisecond)

	done := make(chan bool)
	go func() {
		c.Stop()
		done <- true
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop should complete within timeout")
	}

	if tick := snapshotTick(t, w); tick == 0 {
		t.Error("running session should have advanced while the clock ran")
	}
}

func TestClockPauseResume(t *testing.T) {
	c, pool := setupTestClock(t)
	c.SetRate(2*time.Millisecond, 1)
	w, _ := pool.Create("a", nil)
	w.Submit(&concurrency.Operation{Type: concurrency.OpPlay})

	c.Pause()
	if !c.Paused() {
		t.Fatal("expected paused clock")
	}
	c.Start()
	defer c.Stop()
	time.Sleep(50 * time.Millisecond)
	if tick := snapshotTick(t, w); tick != 0 {
		t.Errorf("paused clock must not advance sessions, got tick %d", tick)
	}

	c.Resume()
	time.Sleep(100 * time.Millisecond)
	if tick := snapshotTick(t, w); tick == 0 {
		t.Error("resumed clock should advance sessions")
	}
}

func TestClockSetRateIgnoresNonPositive(t *testing.T) {
	c, _ := setupTestClock(t)
	c.SetRate(10*time.Millisecond, 4)
	c.SetRate(0, -1)
	interval, steps := c.rate()
	if interval != 10*time.Millisecond || steps != 4 {
		t.Errorf("expected 10ms/4, got %v/%d", interval, steps)
	}
}

func TestClockStopWithoutStart(t *testing.T) {
	c, _ := setupTestClock(t)
	c.Stop()
}

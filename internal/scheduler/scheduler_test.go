package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wardenlink/internal/resource"
)

type fakeController struct {
	mu        sync.Mutex
	running   bool
	starts    int
	stops     int
	stopDelay time.Duration
}

func (c *fakeController) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.running = true
	return nil
}

func (c *fakeController) Stop(_ context.Context) error {
	c.mu.Lock()
	delay := c.stopDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

func (c *fakeController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeController) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type fakeIdler struct {
	mu        sync.Mutex
	connected bool
	bytesIn   uint64
	bytesOut  uint64
}

func (f *fakeIdler) ConnectedBytes() (bool, uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.bytesIn, f.bytesOut
}

func (f *fakeIdler) set(connected bool, in, out uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected, f.bytesIn, f.bytesOut = connected, in, out
}

type fakeSampler struct {
	mu   sync.Mutex
	snap resource.Snapshot
}

func (f *fakeSampler) Sample() resource.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSampler) set(cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = resource.Snapshot{CPUPercent: cpu, MemoryPercent: mem, Timestamp: time.Now()}
}

func newTestScheduler(opts Options) (*Scheduler, *fakeController, *fakeIdler, *fakeSampler) {
	proc := &fakeController{running: true}
	idler := &fakeIdler{}
	sampler := &fakeSampler{}
	sampler.set(10, 40)
	return New(idler, sampler, proc, opts, nil), proc, idler, sampler
}

func TestIdleTicksTriggerSleep(t *testing.T) {
	s, proc, idler, _ := newTestScheduler(Options{IdleTicks: 5})
	idler.set(true, 100, 200) // connected but counters frozen

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		s.tick(ctx)
		if st := s.State(); st.Sleeping {
			t.Fatalf("slept after only %d idle ticks", i)
		}
	}
	s.tick(ctx)

	st := s.State()
	if !st.Sleeping {
		t.Fatal("not sleeping after the idle threshold")
	}
	if proc.Running() {
		t.Fatal("backing process still running")
	}
	if _, stops := proc.counts(); stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}
}

func TestByteProgressResetsIdleCount(t *testing.T) {
	s, proc, idler, _ := newTestScheduler(Options{IdleTicks: 3})
	idler.set(true, 100, 200)

	ctx := context.Background()
	s.tick(ctx)
	s.tick(ctx)
	idler.set(true, 150, 200) // traffic moved
	s.tick(ctx)
	if st := s.State(); st.IdleTicks != 0 {
		t.Fatalf("idle ticks = %d after traffic, want 0", st.IdleTicks)
	}

	// Counters freeze again; the count starts over.
	s.tick(ctx)
	s.tick(ctx)
	if st := s.State(); st.Sleeping {
		t.Fatal("slept before a full fresh idle run")
	}
	s.tick(ctx)
	if st := s.State(); !st.Sleeping {
		t.Fatal("expected sleep after a full fresh idle run")
	}
	if proc.Running() {
		t.Fatal("backing process still running")
	}
}

func TestKeepAliveCPUDefersSleep(t *testing.T) {
	s, proc, idler, sampler := newTestScheduler(Options{IdleTicks: 2, KeepAliveCPU: 80})
	idler.set(false, 0, 0)
	sampler.set(95, 40) // busy host

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		s.tick(ctx)
	}
	if s.State().Sleeping {
		t.Fatal("slept while CPU was above the keep-alive ceiling")
	}

	sampler.set(10, 40)
	s.tick(ctx)
	if !s.State().Sleeping {
		t.Fatal("did not sleep once CPU dropped")
	}
	if proc.Running() {
		t.Fatal("backing process still running")
	}
}

func TestForceSleepOnMemoryPressure(t *testing.T) {
	s, proc, idler, sampler := newTestScheduler(Options{IdleTicks: 5, ForceSleepMemory: 90})
	idler.set(true, 100, 200)

	ctx := context.Background()
	s.tick(ctx) // one ordinary idle tick, nowhere near the threshold
	if s.State().Sleeping {
		t.Fatal("slept without pressure")
	}

	sampler.set(10, 95) // memory exhaustion
	s.tick(ctx)
	if !s.State().Sleeping {
		t.Fatal("memory pressure must force an immediate stop")
	}
	if proc.Running() {
		t.Fatal("backing process still running")
	}
}

func TestNeverStopsEarly(t *testing.T) {
	s, proc, idler, sampler := newTestScheduler(Options{IdleTicks: 5})
	idler.set(false, 0, 0)
	sampler.set(10, 40)

	ctx := context.Background()
	for i := 1; i < 5; i++ {
		s.tick(ctx)
		if _, stops := proc.counts(); stops != 0 {
			t.Fatalf("process stopped at idle tick %d, before the threshold", i)
		}
	}
	s.tick(ctx)
	if _, stops := proc.counts(); stops != 1 {
		t.Fatal("process not stopped at the threshold")
	}
}

func TestEnsureAwakeStartsAndProbes(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, proc, idler, _ := newTestScheduler(Options{
		IdleTicks:    1,
		ReadyURL:     srv.URL,
		ReadyTimeout: 2 * time.Second,
	})
	idler.set(false, 0, 0)

	ctx := context.Background()
	s.tick(ctx)
	if !s.State().Sleeping {
		t.Fatal("setup: expected sleeping")
	}

	if err := s.EnsureAwake(ctx); err != nil {
		t.Fatalf("ensure awake: %v", err)
	}
	if s.State().Sleeping {
		t.Fatal("still marked sleeping after wake")
	}
	if !proc.Running() {
		t.Fatal("backing process not started")
	}
	if probes.Load() == 0 {
		t.Fatal("readiness endpoint never probed")
	}
	if starts, _ := proc.counts(); starts != 1 {
		t.Fatalf("starts = %d, want 1", starts)
	}

	// Awake already; no second start.
	if err := s.EnsureAwake(ctx); err != nil {
		t.Fatalf("ensure awake while running: %v", err)
	}
	if starts, _ := proc.counts(); starts != 1 {
		t.Fatalf("starts = %d after redundant wake, want 1", starts)
	}
}

func TestEnsureAwakeProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, proc, _, _ := newTestScheduler(Options{
		ReadyURL:     srv.URL,
		ReadyTimeout: 300 * time.Millisecond,
	})
	_ = proc.Stop(context.Background())

	err := s.EnsureAwake(context.Background())
	if !errors.Is(err, ErrProcessStart) {
		t.Fatalf("expected ErrProcessStart on probe timeout, got %v", err)
	}
	if proc.Running() {
		t.Fatal("process left running after failed readiness")
	}
}

func TestStartWaitsForInflightStop(t *testing.T) {
	s, proc, idler, _ := newTestScheduler(Options{IdleTicks: 1})
	proc.mu.Lock()
	proc.stopDelay = 100 * time.Millisecond
	proc.mu.Unlock()
	idler.set(false, 0, 0)

	ctx := context.Background()
	stopDone := make(chan struct{})
	go func() {
		s.tick(ctx) // triggers the slow stop
		close(stopDone)
	}()

	// Give the stop a moment to take the lock, then race a start in.
	time.Sleep(20 * time.Millisecond)
	if err := s.EnsureAwake(ctx); err != nil {
		t.Fatalf("ensure awake: %v", err)
	}
	<-stopDone

	if !proc.Running() {
		t.Fatal("process not running after start-behind-stop")
	}
	starts, stops := proc.counts()
	if stops != 1 || starts != 1 {
		t.Fatalf("starts=%d stops=%d, want one orderly stop then start", starts, stops)
	}
}

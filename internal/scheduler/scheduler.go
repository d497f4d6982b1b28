// Package scheduler decides when the backing service process sleeps and
// wakes. It watches host pressure and tunnel idleness on a fixed tick and
// is the only component allowed to start or stop the process.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardenlink/internal/metrics"
	"wardenlink/internal/resource"
)

// ConnectionIdler reports whether a tunnel is live and its cumulative
// byte counters. The supervisor implements it.
type ConnectionIdler interface {
	ConnectedBytes() (connected bool, bytesIn, bytesOut uint64)
}

// Sampler produces host resource snapshots. The resource monitor
// implements it.
type Sampler interface {
	Sample() resource.Snapshot
}

// Options tune the sleep cycle. Zero values take the documented defaults.
type Options struct {
	TickInterval     time.Duration // default 60s
	IdleTicks        int           // consecutive idle ticks before sleep, default 5
	KeepAliveCPU     float64       // CPU percent at or above which sleep is skipped, default 80
	ForceSleepMemory float64       // memory percent forcing an immediate stop, default 90
	ReadyURL         string        // readiness probe polled after start, empty skips
	ReadyTimeout     time.Duration // probe bound, default 5s
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 60 * time.Second
	}
	if o.IdleTicks <= 0 {
		o.IdleTicks = 5
	}
	if o.KeepAliveCPU <= 0 {
		o.KeepAliveCPU = 80
	}
	if o.ForceSleepMemory <= 0 {
		o.ForceSleepMemory = 90
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
}

// State is the externally visible sleep-cycle snapshot.
type State struct {
	Sleeping     bool      `json:"sleeping"`
	IdleTicks    int       `json:"idle_ticks"`
	LastActivity time.Time `json:"last_activity"`
}

// Scheduler owns the sleep cycle. All cycle state mutates only on its own
// tick or inside EnsureAwake, never from outside.
type Scheduler struct {
	idler   ConnectionIdler
	sampler Sampler
	proc    Controller
	opts    Options
	log     *zap.SugaredLogger

	// procMu serializes process start and stop. A start issued while a
	// stop is in flight waits for the stop to finish.
	procMu sync.Mutex

	mu           sync.Mutex
	sleeping     bool
	idleTicks    int
	lastActivity time.Time
	lastIn       uint64
	lastOut      uint64
}

// New builds a scheduler. The process is assumed running at start.
func New(idler ConnectionIdler, sampler Sampler, proc Controller, opts Options, log *zap.SugaredLogger) *Scheduler {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		idler:        idler,
		sampler:      sampler,
		proc:         proc,
		opts:         opts,
		log:          log.Named("scheduler"),
		lastActivity: time.Now(),
	}
}

// Run drives the tick loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick makes one sleep decision.
func (s *Scheduler) tick(ctx context.Context) {
	snap := s.sampler.Sample()

	s.mu.Lock()
	sleeping := s.sleeping
	s.mu.Unlock()

	// Memory exhaustion preempts idle counting to protect the host.
	if !sleeping && snap.MemoryPercent >= s.opts.ForceSleepMemory {
		s.log.Warnw("memory pressure forcing sleep",
			"memory_percent", snap.MemoryPercent, "stale", snap.Stale)
		if err := s.sleep(ctx); err != nil {
			s.log.Warnw("forced sleep failed", "error", err)
		}
		return
	}

	connected, bytesIn, bytesOut := s.idler.ConnectedBytes()

	s.mu.Lock()
	idle := !connected || (bytesIn == s.lastIn && bytesOut == s.lastOut)
	s.lastIn, s.lastOut = bytesIn, bytesOut
	if !idle {
		s.idleTicks = 0
		s.lastActivity = time.Now()
		s.mu.Unlock()
		metrics.SetIdleTicks(0)
		return
	}
	s.idleTicks++
	idleTicks := s.idleTicks
	s.mu.Unlock()
	metrics.SetIdleTicks(idleTicks)

	if sleeping || idleTicks < s.opts.IdleTicks {
		return
	}
	if snap.CPUPercent >= s.opts.KeepAliveCPU {
		s.log.Debugw("idle but CPU busy, keeping process awake",
			"cpu_percent", snap.CPUPercent, "idle_ticks", idleTicks)
		return
	}

	s.log.Infow("idle threshold reached, stopping backing process",
		"idle_ticks", idleTicks)
	if err := s.sleep(ctx); err != nil {
		s.log.Warnw("sleep failed", "error", err)
	}
}

// sleep stops the backing process and marks the cycle asleep.
func (s *Scheduler) sleep(ctx context.Context) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if err := s.proc.Stop(ctx); err != nil {
		return err
	}
	metrics.IncProcessStops()

	s.mu.Lock()
	s.sleeping = true
	s.idleTicks = 0
	s.mu.Unlock()
	metrics.SetSleeping(true)
	return nil
}

// EnsureAwake starts the backing process if it is asleep and blocks until
// the readiness probe answers. Connect requests call this before reaching
// the supervisor. It waits out any in-flight stop, so a stop-then-start
// race cannot leave the process half-managed.
func (s *Scheduler) EnsureAwake(ctx context.Context) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if s.proc.Running() {
		s.wake()
		return nil
	}

	if err := s.proc.Start(ctx); err != nil {
		return err
	}
	metrics.IncProcessStarts()

	if err := s.awaitReady(ctx); err != nil {
		_ = s.proc.Stop(ctx)
		return fmt.Errorf("%w: %v", ErrProcessStart, err)
	}

	s.wake()
	s.log.Infow("backing process started")
	return nil
}

// wake clears the sleep state after a successful start.
func (s *Scheduler) wake() {
	s.mu.Lock()
	s.sleeping = false
	s.idleTicks = 0
	s.lastActivity = time.Now()
	s.mu.Unlock()
	metrics.SetSleeping(false)
}

// awaitReady polls the readiness endpoint until it answers 200 or the
// bound elapses.
func (s *Scheduler) awaitReady(ctx context.Context) error {
	if s.opts.ReadyURL == "" {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()

	client := &http.Client{Timeout: s.opts.ReadyTimeout}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.opts.ReadyURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-probeCtx.Done():
			return fmt.Errorf("readiness probe timed out after %s", s.opts.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// State reports the current sleep-cycle snapshot.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Sleeping:     s.sleeping,
		IdleTicks:    s.idleTicks,
		LastActivity: s.lastActivity,
	}
}

// Package orchestrator wires the components into one explicitly owned
// instance with a documented init and teardown contract. Nothing in here
// is a global; the caller constructs it, starts it, and shuts it down.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardenlink/internal/compliance"
	"wardenlink/internal/config"
	"wardenlink/internal/logging"
	"wardenlink/internal/metrics"
	"wardenlink/internal/obfs"
	"wardenlink/internal/protocol"
	"wardenlink/internal/resource"
	"wardenlink/internal/scheduler"
	"wardenlink/internal/supervisor"
)

// Orchestrator owns every long-lived component for one device.
type Orchestrator struct {
	cfg      *config.Reloadable
	store    *compliance.Store
	recorder *compliance.Recorder
	sup      *supervisor.Supervisor
	monitor  *resource.Monitor
	sched    *scheduler.Scheduler // nil when disabled
	web      *metrics.Server      // nil when disabled
	log      *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the orchestrator from loaded configuration.
func New(cfg *config.Reloadable, log *zap.SugaredLogger) (*Orchestrator, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := cfg.Get()

	store := compliance.NewStore(c.Residency, c.Rules())
	recorder := compliance.NewRecorder(logging.NewAuditEmitter(log))

	initial, max, health, grace, test := c.Supervisor.Durations()
	sup := supervisor.New(store, recorder, supervisor.Options{
		MaxAttempts:     c.Supervisor.MaxAttempts,
		BackoffInitial:  initial,
		BackoffMax:      max,
		HealthInterval:  health,
		HealthFailLimit: c.Supervisor.HealthFailLimit,
		DegradedGrace:   grace,
		TestTimeout:     test,
	}, log)

	monitor := resource.NewMonitor(resource.WithTimeout(c.Resource.SampleTimeoutDuration()))

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		sup:      sup,
		monitor:  monitor,
		log:      log.Named("orchestrator"),
	}

	if c.Scheduler.Enabled {
		tick, ready := c.Scheduler.Durations()
		proc := scheduler.NewExecController(c.Scheduler.Command)
		o.sched = scheduler.New(sup, monitor, proc, scheduler.Options{
			TickInterval:     tick,
			IdleTicks:        c.Scheduler.IdleTicks,
			KeepAliveCPU:     c.Scheduler.KeepAliveCPU,
			ForceSleepMemory: c.Scheduler.ForceSleepMemory,
			ReadyURL:         c.Scheduler.ReadyURL,
			ReadyTimeout:     ready,
		}, log)
	}

	if c.Metrics.Enabled {
		web, err := metrics.NewServer(c.Metrics.Listen)
		if err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
		o.web = web
	}

	// Policy updates swap a fresh rule-set snapshot; live sessions keep
	// running and subsequent evaluations see the new epoch.
	cfg.Watch(func(_, newCfg *config.Config) {
		rs := store.Update(newCfg.Residency, newCfg.Rules())
		o.log.Infow("compliance rules updated", "epoch", rs.Epoch(), "residency", newCfg.Residency)
	})

	return o, nil
}

// Start launches the background loops.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	if o.sched != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.sched.Run(ctx)
		}()
	}
}

// RequestConnect connects to the named server. Empty kind and method fall
// back to the server's configured protocol and obfuscation; a non-empty
// protocol kind must match the server entry, which carries the settings
// for exactly one variant.
func (o *Orchestrator) RequestConnect(ctx context.Context, serverID string, kind protocol.Kind, method obfs.Method) error {
	srv, err := o.cfg.Get().FindServer(serverID)
	if err != nil {
		return err
	}
	if kind != "" && kind != srv.Protocol.Kind {
		return fmt.Errorf("server %q is configured for %s, not %s", serverID, srv.Protocol.Kind, kind)
	}

	obfsCfg := srv.Obfuscation
	if method != "" {
		obfsCfg.Method = method
	}

	if o.sched != nil {
		if err := o.sched.EnsureAwake(ctx); err != nil {
			return fmt.Errorf("wake backing process: %w", err)
		}
	}

	return o.sup.RequestConnect(ctx, supervisor.ConnectRequest{
		ServerID:    serverID,
		Region:      srv.Region,
		Scope:       srv.ComplianceScope,
		Protocol:    srv.Protocol,
		Obfuscation: obfsCfg,
	})
}

// RequestDisconnect tears down the active connection, if any.
func (o *Orchestrator) RequestDisconnect(ctx context.Context) error {
	return o.sup.RequestDisconnect(ctx)
}

// TestServer measures latency to the named server without keeping the
// tunnel.
func (o *Orchestrator) TestServer(ctx context.Context, serverID string) (time.Duration, error) {
	srv, err := o.cfg.Get().FindServer(serverID)
	if err != nil {
		return 0, err
	}
	client, err := protocol.Lookup(srv.Protocol.Kind)
	if err != nil {
		return 0, err
	}
	latency, err := client.TestConnection(ctx, srv.Protocol)
	if err != nil {
		return 0, err
	}
	metrics.SetTestLatency(latency)
	return latency, nil
}

// Status is the full externally visible state.
type Status struct {
	Connection supervisor.Status `json:"connection"`
	Sleep      *scheduler.State  `json:"sleep,omitempty"`
	Resources  resource.Snapshot `json:"resources"`
}

// Status reports connection, sleep-cycle and host resource state.
func (o *Orchestrator) Status() Status {
	st := Status{
		Connection: o.sup.Status(),
		Resources:  o.monitor.Sample(),
	}
	if o.sched != nil {
		s := o.sched.State()
		st.Sleep = &s
	}
	return st
}

// EvaluateAction judges an outgoing action against the active policy and
// records the verdict. Telemetry, diagnostics and any log-shaped record
// must pass through here before leaving the device; a Deny means the
// action simply does not happen.
func (o *Orchestrator) EvaluateAction(action compliance.Action) compliance.Verdict {
	v := compliance.Evaluate(action, o.store.Snapshot())
	o.recorder.Record(v)
	switch v.Outcome {
	case compliance.OutcomeAllow:
		metrics.IncComplianceAllowed()
	case compliance.OutcomeDeny:
		metrics.IncComplianceDenied()
	case compliance.OutcomeAllowWithRedaction:
		metrics.IncComplianceRedacted()
	}
	return v
}

// ComplianceReport lists the rules exercised so far with their last
// outcomes.
func (o *Orchestrator) ComplianceReport() []compliance.ReportEntry {
	return o.recorder.Report()
}

// Shutdown stops the loops, disconnects, and closes the listeners. It is
// bounded by the context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	var firstErr error
	if err := o.sup.RequestDisconnect(ctx); err != nil {
		firstErr = err
	}
	if o.web != nil {
		if err := o.web.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.cfg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

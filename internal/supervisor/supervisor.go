// Package supervisor drives the lifecycle of the single logical tunnel
// connection: protocol and obfuscation selection, the compliance gate,
// retry with backoff, health checking and teardown. All state transitions
// happen under one lock, so at most one transition is in flight at a time
// and no two connections can ever be Connected simultaneously.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wardenlink/internal/compliance"
	"wardenlink/internal/metrics"
	"wardenlink/internal/obfs"
	"wardenlink/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDegraded      State = "degraded"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

// ErrBusy rejects a connect while another connection is being established
// or is live. The old connection must reach Disconnecting first.
var ErrBusy = errors.New("connection already connecting or connected")

// ConnectRequest names everything needed to build one connection.
type ConnectRequest struct {
	ServerID    string
	Region      string
	Scope       compliance.Scope // the server's declared compliance scope
	Protocol    protocol.Config
	Obfuscation obfs.Config
}

// Connection is the runtime entity owning one active or pending tunnel.
// All fields are guarded by the supervisor lock.
type Connection struct {
	ID        string
	state     State
	req       ConnectRequest
	handle    protocol.Handle
	seed      []byte
	startedAt time.Time
	bytesIn   uint64
	bytesOut  uint64
	lastErr   error

	cancel   context.CancelFunc // aborts an in-flight connect
	released chan struct{}      // closed once teardown has fully completed

	healthCancel  context.CancelFunc
	healthDone    chan struct{}
	degradedSince time.Time
	healthFails   int
}

// RuleProvider hands out the current compliance snapshot.
type RuleProvider interface {
	Snapshot() *compliance.RuleSet
}

// VerdictSink records verdicts for the compliance report.
type VerdictSink interface {
	Record(compliance.Verdict)
}

// Options tune the supervisor. Zero values take the documented defaults.
type Options struct {
	MaxAttempts     int           // connect attempts, default 3
	BackoffInitial  time.Duration // default 1s
	BackoffMax      time.Duration // default 4s
	HealthInterval  time.Duration // default 15s
	HealthFailLimit int           // consecutive failures before Degraded, default 3
	DegradedGrace   time.Duration // degraded time before forced reconnect, default 60s
	TestTimeout     time.Duration // per health check, default 5s
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 4 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 15 * time.Second
	}
	if o.HealthFailLimit <= 0 {
		o.HealthFailLimit = 3
	}
	if o.DegradedGrace <= 0 {
		o.DegradedGrace = 60 * time.Second
	}
	if o.TestTimeout <= 0 {
		o.TestTimeout = 5 * time.Second
	}
}

// Supervisor orchestrates the single logical connection.
type Supervisor struct {
	mu             sync.Mutex
	conn           *Connection
	reconnectSpent bool // the session's one automatic reconnect has been used
	rules          RuleProvider
	verdicts       VerdictSink
	opts           Options
	log            *zap.SugaredLogger
}

// New builds a supervisor.
func New(rules RuleProvider, verdicts VerdictSink, opts Options, log *zap.SugaredLogger) *Supervisor {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		rules:    rules,
		verdicts: verdicts,
		opts:     opts,
		log:      log.Named("supervisor"),
	}
}

// RequestConnect establishes a connection for the request. It returns once
// the connection is Connected or has failed for good. A connection already
// in flight is rejected with ErrBusy; compliance denials come back as
// *compliance.DenialError and are never retried.
func (s *Supervisor) RequestConnect(ctx context.Context, req ConnectRequest) error {
	return s.requestConnect(ctx, req, true)
}

// requestConnect is the shared connect path. A manual connect starts a new
// user session, which refreshes the automatic reconnect budget; the health
// loop's own reconnect does not.
func (s *Supervisor) requestConnect(ctx context.Context, req ConnectRequest, manual bool) error {
	s.mu.Lock()
	if s.conn != nil {
		switch s.conn.state {
		case StateConnecting, StateConnected, StateDegraded, StateDisconnecting:
			s.mu.Unlock()
			return ErrBusy
		}
	}
	if manual {
		s.reconnectSpent = false
	}

	verdict := compliance.Evaluate(compliance.Action{
		Class:        compliance.ClassConnect,
		TargetRegion: req.Region,
		Scope:        req.Scope,
	}, s.rules.Snapshot())
	if s.verdicts != nil {
		s.verdicts.Record(verdict)
	}
	if verdict.Outcome == compliance.OutcomeDeny {
		metrics.IncComplianceDenied()
		s.mu.Unlock()
		s.log.Warnw("connect denied by policy",
			"server", req.ServerID, "reason", verdict.Reason, "rule", verdict.RuleID)
		return &compliance.DenialError{Reason: verdict.Reason, RuleID: verdict.RuleID}
	}
	metrics.IncComplianceAllowed()

	connectCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		ID:       uuid.NewString(),
		state:    StateConnecting,
		req:      req,
		cancel:   cancel,
		released: make(chan struct{}),
	}
	s.conn = conn
	s.mu.Unlock()

	err := s.connect(connectCtx, conn)
	cancel()
	return err
}

// connect runs the attempt loop. It owns the transition out of Connecting,
// including the release of a connection whose disconnect gave up waiting.
func (s *Supervisor) connect(ctx context.Context, conn *Connection) error {
	client, err := protocol.Lookup(conn.req.Protocol.Kind)
	if err != nil {
		return s.failConnect(conn, err)
	}

	obfuscator, seed, err := s.buildObfuscator(conn.req.Obfuscation)
	if err != nil {
		return s.failConnect(conn, fmt.Errorf("obfuscation setup: %w", err))
	}

	backoff := &Backoff{InitialInterval: s.opts.BackoffInitial, MaxInterval: s.opts.BackoffMax}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		metrics.IncConnects()
		handle, err := client.Connect(ctx, conn.req.Protocol, obfuscator)
		if err == nil {
			return s.finishConnect(conn, handle, seed)
		}
		lastErr = err

		if !protocol.Retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == s.opts.MaxAttempts {
			break
		}

		delay := backoff.Next()
		metrics.IncConnectRetries()
		s.log.Infow("connect attempt failed, backing off",
			"server", conn.req.ServerID, "attempt", attempt, "delay", delay,
			"category", protocol.Category(err))
		select {
		case <-ctx.Done():
			return s.failConnect(conn, ctx.Err())
		case <-time.After(delay):
		}
	}
	return s.failConnect(conn, lastErr)
}

// buildObfuscator constructs the layer, generating a fresh padding seed for
// this connection. The seed is returned so the connection can own it.
func (s *Supervisor) buildObfuscator(cfg obfs.Config) (obfs.Obfuscator, []byte, error) {
	var seed []byte
	if cfg.Method == obfs.MethodPadding && len(cfg.Seed) == 0 {
		var err error
		seed, err = obfs.NewSeed()
		if err != nil {
			return nil, nil, err
		}
		cfg.Seed = seed
	} else {
		seed = cfg.Seed
	}
	obfuscator, err := obfs.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return obfuscator, seed, nil
}

func (s *Supervisor) finishConnect(conn *Connection, handle protocol.Handle, seed []byte) error {
	s.mu.Lock()
	if conn.state != StateConnecting {
		// A disconnect raced the successful dial; the socket must not
		// outlive the request. The connect loop owns the teardown from
		// here, so a disconnect caller whose context already expired does
		// not strand the connection in Disconnecting.
		s.mu.Unlock()
		_ = handle.Close()
		s.mu.Lock()
		s.release(conn)
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		return context.Canceled
	}
	conn.state = StateConnected
	conn.handle = handle
	conn.seed = seed
	conn.startedAt = time.Now()
	conn.lastErr = nil

	healthCtx, cancel := context.WithCancel(context.Background())
	conn.healthCancel = cancel
	conn.healthDone = make(chan struct{})
	s.mu.Unlock()

	metrics.IncSessions()
	s.log.Infow("connected",
		"server", conn.req.ServerID,
		"protocol", conn.req.Protocol.Kind,
		"obfuscation", conn.req.Obfuscation.Method,
		"connection", conn.ID)

	go s.healthLoop(healthCtx, conn)
	return nil
}

func (s *Supervisor) failConnect(conn *Connection, err error) error {
	s.mu.Lock()
	if conn.state != StateConnecting {
		// A disconnect interrupted the attempt loop; finish its teardown.
		s.release(conn)
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		return context.Canceled
	}
	conn.state = StateFailed
	conn.lastErr = err
	s.mu.Unlock()

	metrics.IncConnectFailures()
	s.log.Warnw("connect failed",
		"server", conn.req.ServerID, "category", protocol.Category(err))
	return err
}

// RequestDisconnect tears the connection down. It is idempotent, callable
// in any state including mid-Connecting, and does not return until the
// underlying socket is closed and the padding seed released. When ctx
// expires first it returns ctx.Err(); the teardown still completes on the
// goroutine that owns it.
func (s *Supervisor) RequestDisconnect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || conn.state == StateIdle {
		s.mu.Unlock()
		return nil
	}

	switch conn.state {
	case StateConnecting:
		// Once the state reads Disconnecting the connect loop owns the
		// teardown: it closes any raced socket and releases the
		// connection even if this caller stops waiting.
		conn.state = StateDisconnecting
		cancel := conn.cancel
		s.mu.Unlock()
		cancel()
		select {
		case <-conn.released:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.log.Infow("disconnected", "connection", conn.ID)
		return nil

	case StateConnected, StateDegraded:
		conn.state = StateDisconnecting
		healthCancel := conn.healthCancel
		handle := conn.handle
		s.mu.Unlock()

		healthCancel()
		<-conn.healthDone
		_ = handle.Close()
		metrics.DecSessions()
		s.mu.Lock()

	case StateDisconnecting:
		// A concurrent disconnect owns the teardown. Wait for it so the
		// socket-closed guarantee holds for this caller too.
		s.mu.Unlock()
		select {
		case <-conn.released:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case StateFailed:
		// Nothing live; just clear.
	}

	s.release(conn)
	s.conn = nil
	s.mu.Unlock()

	s.log.Infow("disconnected", "connection", conn.ID)
	return nil
}

// release scrubs per-connection secrets. Called under the lock.
func (s *Supervisor) release(conn *Connection) {
	for i := range conn.seed {
		conn.seed[i] = 0
	}
	conn.seed = nil
	conn.state = StateIdle
	conn.handle = nil
	close(conn.released)
}

// Status is the externally visible connection snapshot.
type Status struct {
	State         State  `json:"state"`
	ServerID      string `json:"server_id,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	Obfuscation   string `json:"obfuscation,omitempty"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastError     string `json:"last_error,omitempty"` // coarse category, not detail
}

// Status reports the current connection state, pulling byte counters from
// the live handle.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	if conn == nil {
		return Status{State: StateIdle}
	}

	st := Status{
		State:       conn.state,
		ServerID:    conn.req.ServerID,
		Protocol:    string(conn.req.Protocol.Kind),
		Obfuscation: string(conn.req.Obfuscation.Method),
	}
	if conn.handle != nil {
		stats := conn.handle.Stats()
		conn.bytesIn = stats.BytesIn
		conn.bytesOut = stats.BytesOut
	}
	st.BytesIn = conn.bytesIn
	st.BytesOut = conn.bytesOut
	if conn.state == StateConnected || conn.state == StateDegraded {
		st.UptimeSeconds = int64(time.Since(conn.startedAt).Seconds())
	}
	if conn.lastErr != nil {
		st.LastError = protocol.Category(conn.lastErr)
	}
	return st
}

// ConnectedBytes reports whether a connection is live and its cumulative
// byte counters. The sleep scheduler polls this to detect idleness.
func (s *Supervisor) ConnectedBytes() (connected bool, bytesIn, bytesOut uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	if conn == nil || (conn.state != StateConnected && conn.state != StateDegraded) {
		return false, 0, 0
	}
	if conn.handle != nil {
		stats := conn.handle.Stats()
		conn.bytesIn = stats.BytesIn
		conn.bytesOut = stats.BytesOut
		metrics.SetBytes(conn.bytesIn, conn.bytesOut)
	}
	return true, conn.bytesIn, conn.bytesOut
}

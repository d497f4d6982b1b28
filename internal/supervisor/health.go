package supervisor

import (
	"context"
	"time"

	"wardenlink/internal/metrics"
	"wardenlink/internal/protocol"
)

// healthLoop probes the connected server every HealthInterval. Three
// consecutive failures demote the connection to Degraded; a connection that
// stays degraded past DegradedGrace is force-disconnected and reconnected
// automatically with the same request, at most once per user-initiated
// session.
func (s *Supervisor) healthLoop(ctx context.Context, conn *Connection) {
	defer close(conn.healthDone)

	client, err := protocol.Lookup(conn.req.Protocol.Kind)
	if err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		metrics.IncHealthChecks()
		testCtx, cancel := context.WithTimeout(ctx, s.opts.TestTimeout)
		latency, err := client.TestConnection(testCtx, conn.req.Protocol)
		cancel()

		if err == nil {
			metrics.SetTestLatency(latency)
			s.recover(conn)
			continue
		}

		metrics.IncHealthFailures()
		if expired := s.noteHealthFailure(conn, err); expired {
			s.forceReconnect(conn)
			return
		}
	}
}

// recover transitions Degraded back to Connected after a passing check.
func (s *Supervisor) recover(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn.healthFails = 0
	if conn.state == StateDegraded {
		conn.state = StateConnected
		conn.degradedSince = time.Time{}
		s.log.Infow("connection recovered", "connection", conn.ID)
	}
}

// noteHealthFailure counts a failed check and reports whether the degraded
// grace period has run out.
func (s *Supervisor) noteHealthFailure(conn *Connection, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.state != StateConnected && conn.state != StateDegraded {
		return false
	}

	conn.healthFails++
	conn.lastErr = err
	s.log.Warnw("health check failed",
		"connection", conn.ID,
		"consecutive", conn.healthFails,
		"category", protocol.Category(err))

	if conn.state == StateConnected && conn.healthFails >= s.opts.HealthFailLimit {
		conn.state = StateDegraded
		conn.degradedSince = time.Now()
		metrics.IncDegraded()
		s.log.Warnw("connection degraded", "connection", conn.ID)
		return false
	}

	return conn.state == StateDegraded &&
		time.Since(conn.degradedSince) >= s.opts.DegradedGrace
}

// forceReconnect tears down a connection that exhausted the degraded grace
// and retries the same request once. Runs on the health goroutine, which
// exits right after, so the reconnect happens on a fresh goroutine.
func (s *Supervisor) forceReconnect(conn *Connection) {
	s.mu.Lock()
	spent := s.reconnectSpent
	s.reconnectSpent = true
	req := conn.req
	s.mu.Unlock()

	s.log.Warnw("degraded past grace, forcing disconnect", "connection", conn.ID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// The loop's own healthCancel fires inside RequestDisconnect;
		// healthDone is already closed by the time it waits.
		if err := s.RequestDisconnect(ctx); err != nil {
			s.log.Errorw("forced disconnect failed", "error", err)
			return
		}
		if spent {
			s.log.Warnw("automatic reconnect already used this session, staying idle",
				"server", req.ServerID)
			return
		}
		if err := s.requestConnect(ctx, req, false); err != nil {
			s.log.Warnw("automatic reconnect failed",
				"server", req.ServerID, "category", protocol.Category(err))
		}
	}()
}

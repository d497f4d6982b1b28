// Package metrics tracks orchestrator counters and serves them as JSON and
// in Prometheus exposition format.
package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is the JSON view of all counters.
type Snapshot struct {
	ConnectsTotal        int64 `json:"connects_total"`
	ConnectRetriesTotal  int64 `json:"connect_retries_total"`
	ConnectFailuresTotal int64 `json:"connect_failures_total"`
	SessionsActive       int64 `json:"sessions_active"`
	BytesIn              int64 `json:"bytes_in_total"`
	BytesOut             int64 `json:"bytes_out_total"`
	HealthChecksTotal    int64 `json:"health_checks_total"`
	HealthFailuresTotal  int64 `json:"health_failures_total"`
	DegradedTotal        int64 `json:"degraded_total"`
	ComplianceAllowed    int64 `json:"compliance_allowed_total"`
	ComplianceDenied     int64 `json:"compliance_denied_total"`
	ComplianceRedacted   int64 `json:"compliance_redacted_total"`
	ProcessStartsTotal   int64 `json:"process_starts_total"`
	ProcessStopsTotal    int64 `json:"process_stops_total"`
	Sleeping             int64 `json:"sleeping"`
	IdleTicks            int64 `json:"idle_ticks"`
	LastTestLatencyMs    int64 `json:"last_test_latency_ms"`
	UpdatedUnix          int64 `json:"updated_unix"`
}

var (
	connectsTotal        atomic.Int64
	connectRetriesTotal  atomic.Int64
	connectFailuresTotal atomic.Int64
	sessionsActive       atomic.Int64
	bytesIn              atomic.Int64
	bytesOut             atomic.Int64
	healthChecksTotal    atomic.Int64
	healthFailuresTotal  atomic.Int64
	degradedTotal        atomic.Int64
	complianceAllowed    atomic.Int64
	complianceDenied     atomic.Int64
	complianceRedacted   atomic.Int64
	processStartsTotal   atomic.Int64
	processStopsTotal    atomic.Int64
	sleeping             atomic.Int64
	idleTicks            atomic.Int64
	lastTestLatencyMs    atomic.Int64
)

func IncConnects()           { connectsTotal.Add(1) }
func IncConnectRetries()     { connectRetriesTotal.Add(1) }
func IncConnectFailures()    { connectFailuresTotal.Add(1) }
func IncSessions()           { sessionsActive.Add(1) }
func DecSessions()           { sessionsActive.Add(-1) }
func IncHealthChecks()       { healthChecksTotal.Add(1) }
func IncHealthFailures()     { healthFailuresTotal.Add(1) }
func IncDegraded()           { degradedTotal.Add(1) }
func IncComplianceAllowed()  { complianceAllowed.Add(1) }
func IncComplianceDenied()   { complianceDenied.Add(1) }
func IncComplianceRedacted() { complianceRedacted.Add(1) }
func IncProcessStarts()      { processStartsTotal.Add(1) }
func IncProcessStops()       { processStopsTotal.Add(1) }

// SetBytes records the cumulative tunnel byte counters.
func SetBytes(in, out uint64) {
	bytesIn.Store(int64(in))
	bytesOut.Store(int64(out))
}

// SetSleeping records the scheduler's sleep state.
func SetSleeping(v bool) {
	if v {
		sleeping.Store(1)
	} else {
		sleeping.Store(0)
	}
}

// SetIdleTicks records the scheduler's consecutive idle tick count.
func SetIdleTicks(n int) { idleTicks.Store(int64(n)) }

// SetTestLatency records the last connection test round trip.
func SetTestLatency(d time.Duration) { lastTestLatencyMs.Store(d.Milliseconds()) }

// SnapshotData captures all counters.
func SnapshotData() Snapshot {
	return Snapshot{
		ConnectsTotal:        connectsTotal.Load(),
		ConnectRetriesTotal:  connectRetriesTotal.Load(),
		ConnectFailuresTotal: connectFailuresTotal.Load(),
		SessionsActive:       sessionsActive.Load(),
		BytesIn:              bytesIn.Load(),
		BytesOut:             bytesOut.Load(),
		HealthChecksTotal:    healthChecksTotal.Load(),
		HealthFailuresTotal:  healthFailuresTotal.Load(),
		DegradedTotal:        degradedTotal.Load(),
		ComplianceAllowed:    complianceAllowed.Load(),
		ComplianceDenied:     complianceDenied.Load(),
		ComplianceRedacted:   complianceRedacted.Load(),
		ProcessStartsTotal:   processStartsTotal.Load(),
		ProcessStopsTotal:    processStopsTotal.Load(),
		Sleeping:             sleeping.Load(),
		IdleTicks:            idleTicks.Load(),
		LastTestLatencyMs:    lastTestLatencyMs.Load(),
		UpdatedUnix:          time.Now().Unix(),
	}
}

// Reset zeroes all counters. Tests only.
func Reset() {
	for _, c := range []*atomic.Int64{
		&connectsTotal, &connectRetriesTotal, &connectFailuresTotal,
		&sessionsActive, &bytesIn, &bytesOut,
		&healthChecksTotal, &healthFailuresTotal, &degradedTotal,
		&complianceAllowed, &complianceDenied, &complianceRedacted,
		&processStartsTotal, &processStopsTotal,
		&sleeping, &idleTicks, &lastTestLatencyMs,
	} {
		c.Store(0)
	}
}

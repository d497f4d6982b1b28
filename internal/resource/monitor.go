// Package resource samples host CPU, memory and power pressure for the
// sleep scheduler. Sampling is bounded: a slow host metric never stalls a
// scheduling decision, it just gets answered with the previous snapshot
// marked stale.
package resource

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// PowerState bands the host's load pressure. gopsutil exposes no portable
// battery reading, so pressure is derived from the load average relative to
// core count.
type PowerState string

const (
	PowerNominal  PowerState = "nominal"
	PowerElevated PowerState = "elevated"
	PowerCritical PowerState = "critical"
)

// Snapshot is one immutable sampling result. It is produced fresh per tick
// and immediately superseded by the next.
type Snapshot struct {
	CPUPercent      float64
	MemoryUsedBytes uint64
	MemoryPercent   float64
	Power           PowerState
	Timestamp       time.Time
	Stale           bool
}

// DefaultSampleTimeout bounds one sampling pass.
const DefaultSampleTimeout = 500 * time.Millisecond

// sampleFunc gathers raw metrics; swapped out in tests.
type sampleFunc func() (Snapshot, error)

// Monitor produces resource snapshots.
type Monitor struct {
	timeout time.Duration
	sample  sampleFunc

	mu   sync.Mutex
	last Snapshot
}

// Option adjusts a Monitor.
type Option func(*Monitor)

// WithTimeout overrides the sampling bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithSampler substitutes the metric source.
func WithSampler(fn func() (Snapshot, error)) Option {
	return func(m *Monitor) { m.sample = fn }
}

// NewMonitor builds a monitor reading host metrics through gopsutil.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		timeout: DefaultSampleTimeout,
		sample:  sampleHost,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample returns a fresh snapshot, or the previous one tagged stale if the
// host does not answer within the bound. It never fails: a decision on
// slightly stale data beats a decision on no data.
func (m *Monitor) Sample() Snapshot {
	type result struct {
		snap Snapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := m.sample()
		ch <- result{snap, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return m.stale()
		}
		m.mu.Lock()
		m.last = res.snap
		m.mu.Unlock()
		return res.snap
	case <-time.After(m.timeout):
		return m.stale()
	}
}

func (m *Monitor) stale() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.last
	snap.Stale = true
	snap.Timestamp = time.Now()
	return snap
}

func sampleHost() (Snapshot, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}

	power := PowerNominal
	if avg, err := load.Avg(); err == nil {
		cores := float64(runtime.NumCPU())
		switch {
		case avg.Load1 > cores*2:
			power = PowerCritical
		case avg.Load1 > cores:
			power = PowerElevated
		}
	}

	return Snapshot{
		CPUPercent:      cpuPercent,
		MemoryUsedBytes: vm.Used,
		MemoryPercent:   vm.UsedPercent,
		Power:           power,
		Timestamp:       time.Now(),
	}, nil
}

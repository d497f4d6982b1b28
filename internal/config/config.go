// Package config loads and validates the YAML configuration, applies
// defaults, and supports hot reload of the parts that can change without
// dropping the active session.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"wardenlink/internal/compliance"
	"wardenlink/internal/logging"
	"wardenlink/internal/obfs"
	"wardenlink/internal/protocol"
)

// Config is the full on-disk configuration.
type Config struct {
	Residency  string           `yaml:"residency"` // region the user's traffic must stay in
	Servers    []Server         `yaml:"servers"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Resource   ResourceConfig   `yaml:"resource"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logging.Config   `yaml:"logging"`
}

// Server is one connectable endpoint with its protocol and obfuscation
// settings. Region and compliance scope are mandatory so the
// data-localization check always has something to work with; a malformed
// entry is a load error, never a silently defaulted one.
type Server struct {
	ID              string           `yaml:"id"`
	Region          string           `yaml:"region"`
	ComplianceScope compliance.Scope `yaml:"compliance_scope"`
	Protocol        protocol.Config  `yaml:"protocol"`
	Obfuscation     obfs.Config      `yaml:"obfuscation"`
}

// ComplianceConfig declares the active legal rules. Rules are declarative
// data, not code; adding a region never means recompiling.
type ComplianceConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one rule entry.
type RuleConfig struct {
	ID     string `yaml:"id"`
	Scope  string `yaml:"scope"` // data-localization, no-logs, audit-required
	Region string `yaml:"region"`
}

// SupervisorConfig tunes connection retry and health checking.
type SupervisorConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffInitial  string `yaml:"backoff_initial"`
	BackoffMax      string `yaml:"backoff_max"`
	HealthInterval  string `yaml:"health_interval"`
	HealthFailLimit int    `yaml:"health_fail_limit"`
	DegradedGrace   string `yaml:"degraded_grace"`
	TestTimeout     string `yaml:"test_timeout"`
}

// SchedulerConfig tunes the auto-sleep scheduler and names the backing
// process it manages.
type SchedulerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	TickInterval     string   `yaml:"tick_interval"`      // default 60s
	IdleTicks        int      `yaml:"idle_ticks"`         // consecutive idle ticks before sleep, default 5
	KeepAliveCPU     float64  `yaml:"keep_alive_cpu"`     // CPU percent above which sleep is skipped, default 80
	ForceSleepMemory float64  `yaml:"force_sleep_memory"` // memory percent forcing sleep, default 90
	Command          []string `yaml:"command"`            // backing process argv
	ReadyURL         string   `yaml:"ready_url"`          // readiness probe after start
	ReadyTimeout     string   `yaml:"ready_timeout"`      // default 5s
}

// ResourceConfig tunes host sampling.
type ResourceConfig struct {
	SampleTimeout string `yaml:"sample_timeout"` // default 500ms
}

// MetricsConfig controls the local metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, parses, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Supervisor.MaxAttempts == 0 {
		c.Supervisor.MaxAttempts = 3
	}
	if c.Supervisor.BackoffInitial == "" {
		c.Supervisor.BackoffInitial = "1s"
	}
	if c.Supervisor.BackoffMax == "" {
		c.Supervisor.BackoffMax = "4s"
	}
	if c.Supervisor.HealthInterval == "" {
		c.Supervisor.HealthInterval = "15s"
	}
	if c.Supervisor.HealthFailLimit == 0 {
		c.Supervisor.HealthFailLimit = 3
	}
	if c.Supervisor.DegradedGrace == "" {
		c.Supervisor.DegradedGrace = "60s"
	}
	if c.Supervisor.TestTimeout == "" {
		c.Supervisor.TestTimeout = "5s"
	}
	if c.Scheduler.TickInterval == "" {
		c.Scheduler.TickInterval = "60s"
	}
	if c.Scheduler.IdleTicks == 0 {
		c.Scheduler.IdleTicks = 5
	}
	if c.Scheduler.KeepAliveCPU == 0 {
		c.Scheduler.KeepAliveCPU = 80
	}
	if c.Scheduler.ForceSleepMemory == 0 {
		c.Scheduler.ForceSleepMemory = 90
	}
	if c.Scheduler.ReadyTimeout == "" {
		c.Scheduler.ReadyTimeout = "5s"
	}
	if c.Resource.SampleTimeout == "" {
		c.Resource.SampleTimeout = "500ms"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Protocol.Kind == protocol.KindShadowsocks && s.Protocol.Cipher == "" {
			s.Protocol.Cipher = "chacha20-ietf-poly1305"
		}
		if s.Obfuscation.Method == "" {
			s.Obfuscation.Method = obfs.MethodNone
		}
	}
}

func (c *Config) validate() error {
	if c.Residency == "" {
		return fmt.Errorf("residency is required")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		if err := c.Servers[i].validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if seen[c.Servers[i].ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, c.Servers[i].ID)
		}
		seen[c.Servers[i].ID] = true
	}
	for i, r := range c.Compliance.Rules {
		if r.ID == "" {
			return fmt.Errorf("compliance.rules[%d]: id is required", i)
		}
		switch compliance.Scope(r.Scope) {
		case compliance.ScopeDataLocalization:
			if r.Region == "" {
				return fmt.Errorf("compliance.rules[%d]: region is required for %s", i, r.Scope)
			}
		case compliance.ScopeNoLogs, compliance.ScopeAuditRequired:
		default:
			return fmt.Errorf("compliance.rules[%d]: unknown scope %q", i, r.Scope)
		}
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"supervisor.backoff_initial", c.Supervisor.BackoffInitial},
		{"supervisor.backoff_max", c.Supervisor.BackoffMax},
		{"supervisor.health_interval", c.Supervisor.HealthInterval},
		{"supervisor.degraded_grace", c.Supervisor.DegradedGrace},
		{"supervisor.test_timeout", c.Supervisor.TestTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.ready_timeout", c.Scheduler.ReadyTimeout},
		{"resource.sample_timeout", c.Resource.SampleTimeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Command) == 0 {
		return fmt.Errorf("scheduler.command is required when the scheduler is enabled")
	}
	if c.Scheduler.KeepAliveCPU < 0 || c.Scheduler.KeepAliveCPU > 100 {
		return fmt.Errorf("scheduler.keep_alive_cpu must be within 0..100")
	}
	if c.Scheduler.ForceSleepMemory < 0 || c.Scheduler.ForceSleepMemory > 100 {
		return fmt.Errorf("scheduler.force_sleep_memory must be within 0..100")
	}
	return nil
}

func (s *Server) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Region == "" {
		return fmt.Errorf("region is required")
	}
	switch s.ComplianceScope {
	case compliance.ScopeDataLocalization, compliance.ScopeNoLogs, compliance.ScopeAuditRequired:
	case "":
		return fmt.Errorf("compliance_scope is required")
	default:
		return fmt.Errorf("unknown compliance_scope %q", s.ComplianceScope)
	}
	switch s.Protocol.Kind {
	case protocol.KindShadowsocks, protocol.KindV2Ray:
	case "":
		return fmt.Errorf("protocol.kind is required")
	default:
		return fmt.Errorf("unknown protocol kind %q", s.Protocol.Kind)
	}
	if s.Protocol.Host == "" {
		return fmt.Errorf("protocol.host is required")
	}
	if s.Protocol.Port <= 0 || s.Protocol.Port > 65535 {
		return fmt.Errorf("protocol.port must be within 1..65535")
	}
	if s.Protocol.Secret == "" {
		return fmt.Errorf("protocol.secret is required")
	}
	switch s.Obfuscation.Method {
	case obfs.MethodNone, obfs.MethodTLSDisguise, obfs.MethodHTTPDisguise, obfs.MethodPadding:
	default:
		return fmt.Errorf("unknown obfuscation method %q", s.Obfuscation.Method)
	}
	if s.Obfuscation.Method == obfs.MethodPadding {
		if s.Obfuscation.PadMin < 0 || s.Obfuscation.PadMax < s.Obfuscation.PadMin {
			return fmt.Errorf("obfuscation pad bounds: max must be >= min >= 0")
		}
	}
	return nil
}

// Rules converts the declarative rule entries to the compliance form.
func (c *Config) Rules() []compliance.Rule {
	out := make([]compliance.Rule, 0, len(c.Compliance.Rules))
	for _, r := range c.Compliance.Rules {
		out = append(out, compliance.Rule{
			ID:     r.ID,
			Scope:  compliance.Scope(strings.TrimSpace(r.Scope)),
			Region: r.Region,
		})
	}
	return out
}

// FindServer looks a server up by id.
func (c *Config) FindServer(id string) (*Server, error) {
	for i := range c.Servers {
		if c.Servers[i].ID == id {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown server %q", id)
}

// Durations returns the parsed supervisor intervals. Validation has
// already established that every string parses.
func (c *SupervisorConfig) Durations() (initial, max, health, grace, test time.Duration) {
	initial, _ = time.ParseDuration(c.BackoffInitial)
	max, _ = time.ParseDuration(c.BackoffMax)
	health, _ = time.ParseDuration(c.HealthInterval)
	grace, _ = time.ParseDuration(c.DegradedGrace)
	test, _ = time.ParseDuration(c.TestTimeout)
	return initial, max, health, grace, test
}

// Durations returns the parsed scheduler intervals.
func (c *SchedulerConfig) Durations() (tick, ready time.Duration) {
	tick, _ = time.ParseDuration(c.TickInterval)
	ready, _ = time.ParseDuration(c.ReadyTimeout)
	return tick, ready
}

// SampleTimeoutDuration returns the parsed sampling bound.
func (c *ResourceConfig) SampleTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.SampleTimeout)
	return d
}

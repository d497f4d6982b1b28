package compliance

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the active rule-set snapshot and swaps it atomically on
// policy updates, so a long-running Evaluate never observes a half-updated
// rule set.
type Store struct {
	current atomic.Pointer[RuleSet]
	epoch   atomic.Uint64
}

// NewStore starts with the given residency and rules at epoch 1.
func NewStore(residency string, rules []Rule) *Store {
	s := &Store{}
	s.epoch.Store(1)
	s.current.Store(NewRuleSet(1, residency, rules))
	return s
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *RuleSet {
	return s.current.Load()
}

// Update installs a new rule set at the next policy epoch.
func (s *Store) Update(residency string, rules []Rule) *RuleSet {
	epoch := s.epoch.Add(1)
	rs := NewRuleSet(epoch, residency, rules)
	s.current.Store(rs)
	return rs
}

// ReportEntry is one line of the compliance report: the last time a rule
// was exercised and what came of it.
type ReportEntry struct {
	RuleID          string    `json:"rule_id"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
	Outcome         Outcome   `json:"outcome"`
}

// Emitter receives the redacted audit records permitted to leave the
// device. The logging/analytics collaborator implements it; nothing else
// ever flows outward.
type Emitter interface {
	Emit(AuditRecord)
}

// Recorder tracks verdicts for the compliance report and forwards the
// redaction-grade records to the emitter. It is the side-effectful partner
// of the pure Evaluate.
type Recorder struct {
	mu      sync.Mutex
	entries map[string]ReportEntry
	emitter Emitter
	now     func() time.Time
}

// NewRecorder builds a recorder; emitter may be nil.
func NewRecorder(emitter Emitter) *Recorder {
	return &Recorder{
		entries: make(map[string]ReportEntry),
		emitter: emitter,
		now:     time.Now,
	}
}

// Record notes a verdict. Only AllowWithRedaction verdicts produce an
// outward record, and that record never carries payload.
func (r *Recorder) Record(v Verdict) {
	r.mu.Lock()
	ts := r.now()
	ruleID := v.RuleID
	if ruleID == "" {
		ruleID = "default"
	}
	r.entries[ruleID] = ReportEntry{RuleID: ruleID, LastEvaluatedAt: ts, Outcome: v.Outcome}
	emitter := r.emitter
	r.mu.Unlock()

	if v.Outcome == OutcomeAllowWithRedaction && emitter != nil {
		emitter.Emit(AuditRecord{Timestamp: ts, RuleID: v.RuleID, Outcome: v.Outcome})
	}
}

// Report lists entries sorted by rule id.
func (r *Recorder) Report() []ReportEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReportEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

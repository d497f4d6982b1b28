package logging

import (
	"go.uber.org/zap"

	"wardenlink/internal/compliance"
)

// AuditEmitter is the single outward channel for compliance records. It
// receives only redaction-grade records, which carry a timestamp, rule id
// and outcome and nothing else, so emitting them cannot leak session data.
type AuditEmitter struct {
	log *zap.SugaredLogger
}

// NewAuditEmitter wraps the logger for audit emission.
func NewAuditEmitter(log *zap.SugaredLogger) *AuditEmitter {
	return &AuditEmitter{log: log.Named("audit")}
}

// Emit writes one audit record.
func (e *AuditEmitter) Emit(rec compliance.AuditRecord) {
	e.log.Infow("audit record",
		"rule", rec.RuleID,
		"outcome", rec.Outcome,
		"at", rec.Timestamp,
	)
}

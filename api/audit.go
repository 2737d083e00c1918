package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCertIssued            AuditEvent = "cert_issued"
	AuditEnrollmentRejected    AuditEvent = "enrollment_rejected"
	AuditEnrollmentFailed      AuditEvent = "enrollment_failed"
	AuditEnrollmentRateLimited AuditEvent = "enrollment_rate_limited"
	AuditCertificatesListed    AuditEvent = "certificates_listed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes one audit entry tagged with the request ID and client address.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("request_id", RequestIDFromContext(r.Context())),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	level := slog.LevelInfo
	if event != AuditCertIssued && event != AuditCertificatesListed {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(context.WithoutCancel(r.Context()), level, "audit", append(base, attrs...)...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure records a rejected or failed enrollment with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	al.log(event, r, append(attrs, extra...)...)
}

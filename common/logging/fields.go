package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldTickID    = "tick_id"
	FieldRuleID    = "rule_id"
	FieldCaseID    = "case_id"
	FieldAlertID   = "alert_id"
	FieldIP        = "ip"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldFile      = "file"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute naming a subsystem (detection, correlation, ...).
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// RuleID returns a slog attribute for a detection rule ID.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// CaseID returns a slog attribute for a case ID.
func CaseID(id string) slog.Attr {
	return slog.String(FieldCaseID, id)
}

// AlertID returns a slog attribute for an external alert ID.
func AlertID(id string) slog.Attr {
	return slog.String(FieldAlertID, id)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// File returns a slog attribute for a file path.
func File(path string) slog.Attr {
	return slog.String(FieldFile, path)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

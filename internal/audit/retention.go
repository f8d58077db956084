package audit

import (
	"strings"
	"time"
)

const (
	PolicyStandard         = "standard"
	PolicySecurity         = "security"
	PolicySecurityCritical = "security-critical"
)

const (
	standardRetentionDays         = 365
	securityRetentionDays         = 3 * 365
	securityCriticalRetentionDays = 7 * 365
)

// sensitiveTargets are target types whose critical events are kept under legal hold.
var sensitiveTargets = []string{"key", "secret", "credential", "certificate", "ledger"}

// RetentionFor derives the retention policy of an entry from its target type
// and severity.
func RetentionFor(targetType string, sev Severity, ts time.Time) Retention {
	r := Retention{Policy: PolicyStandard, RetentionDays: standardRetentionDays}
	switch {
	case sev == SeverityCritical && isSensitiveTarget(targetType):
		r = Retention{Policy: PolicySecurityCritical, RetentionDays: securityCriticalRetentionDays, LegalHold: true}
	case sev.Rank() >= SeverityHigh.Rank():
		r = Retention{Policy: PolicySecurity, RetentionDays: securityRetentionDays}
	}
	r.ExpiresAt = ts.AddDate(0, 0, r.RetentionDays)
	return r
}

func isSensitiveTarget(targetType string) bool {
	t := strings.ToLower(targetType)
	for _, s := range sensitiveTargets {
		if t == s || strings.HasPrefix(t, s+".") {
			return true
		}
	}
	return false
}

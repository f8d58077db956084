package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetentionFor(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		targetType string
		severity   Severity
		policy     string
		days       int
		legalHold  bool
	}{
		{"critical secret event", "secret", SeverityCritical, PolicySecurityCritical, 7 * 365, true},
		{"critical key event", "key.rotation", SeverityCritical, PolicySecurityCritical, 7 * 365, true},
		{"critical alert event", "alert", SeverityCritical, PolicySecurity, 3 * 365, false},
		{"high secret event", "secret", SeverityHigh, PolicySecurity, 3 * 365, false},
		{"routine event", "baseline", SeverityInfo, PolicyStandard, 365, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RetentionFor(tt.targetType, tt.severity, ts)
			assert.Equal(t, tt.policy, r.Policy)
			assert.Equal(t, tt.days, r.RetentionDays)
			assert.Equal(t, tt.legalHold, r.LegalHold)
			assert.Equal(t, ts.AddDate(0, 0, tt.days), r.ExpiresAt)
		})
	}
}

package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/drift"
)

// AlertCreator opens alerts.
type AlertCreator interface {
	Create(ctx context.Context, in alert.Input, actor string) (*alert.Alert, error)
}

const (
	sourceDrift     = "drift-detector"
	sourceIntegrity = "integrity-verifier"
	maxListed       = 5
)

// DriftAlerter turns drift results into alerts. Results with severity none
// produce nothing.
type DriftAlerter struct {
	alerts AlertCreator
	logger *zap.Logger
}

func NewDriftAlerter(alerts AlertCreator, logger *zap.Logger) *DriftAlerter {
	return &DriftAlerter{alerts: alerts, logger: logger.Named("monitor.drift_alerts")}
}

// OnResult has the drift.Handler signature.
func (d *DriftAlerter) OnResult(ctx context.Context, r *drift.Result) {
	sev, ok := alertSeverity(r.Severity)
	if !ok {
		return
	}
	in := alert.Input{
		Severity:    sev,
		Category:    alert.CategoryDrift,
		Title:       fmt.Sprintf("Configuration drift detected in %s", r.Environment),
		Description: describe(r),
		Source:      sourceDrift,
		Environment: r.Environment,
		Metadata: map[string]string{
			"resultId":    r.ID,
			"baselineId":  r.BaselineID,
			"driftScore":  fmt.Sprintf("%.2f", r.DriftScore),
			"changeCount": fmt.Sprintf("%d", len(r.Changes)),
			"categories":  strings.Join(categories(r), ","),
			"compliant":   fmt.Sprintf("%t", r.ComplianceStatus.Compliant),
		},
	}
	a, err := d.alerts.Create(ctx, in, sourceDrift)
	if err != nil {
		d.logger.Error("create drift alert", zap.String("result_id", r.ID), zap.Error(err))
		return
	}
	d.logger.Info("drift alert raised",
		zap.String("alert_id", a.ID),
		zap.String("environment", r.Environment),
		zap.Float64("drift_score", r.DriftScore))
}

func alertSeverity(s drift.Severity) (alert.Severity, bool) {
	switch s {
	case drift.SeverityCritical:
		return alert.SeverityCritical, true
	case drift.SeverityHigh:
		return alert.SeverityHigh, true
	case drift.SeverityMedium:
		return alert.SeverityMedium, true
	case drift.SeverityLow:
		return alert.SeverityLow, true
	}
	return "", false
}

func categories(r *drift.Result) []string {
	seen := map[string]bool{}
	for _, c := range r.Changes {
		seen[string(c.Category)] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// describe lists the highest impact changes first.
func describe(r *drift.Result) string {
	changes := append([]drift.Change(nil), r.Changes...)
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Impact.Rank() > changes[j].Impact.Rank() })

	var b strings.Builder
	fmt.Fprintf(&b, "%d changes against baseline %s (score %.2f).", len(changes), r.BaselineID, r.DriftScore)
	for i, c := range changes {
		if i == maxListed {
			fmt.Fprintf(&b, "\n... and %d more", len(changes)-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n- [%s] %s %s", c.Impact, c.Type, c.Path)
	}
	if len(r.SecurityImpact.CriticalFindings) > 0 {
		b.WriteString("\nCritical findings: " + strings.Join(r.SecurityImpact.CriticalFindings, "; "))
	}
	return b.String()
}

// IntegrityVerifier checks the audit chain.
type IntegrityVerifier interface {
	VerifyIntegrity() audit.Report
}

// IntegrityGuard verifies the ledger and raises a critical alert for each
// distinct set of invalid entries.
type IntegrityGuard struct {
	verifier    IntegrityVerifier
	alerts      AlertCreator
	environment string
	logger      *zap.Logger

	mu       sync.Mutex
	reported string
}

func NewIntegrityGuard(v IntegrityVerifier, alerts AlertCreator, environment string, logger *zap.Logger) *IntegrityGuard {
	return &IntegrityGuard{
		verifier:    v,
		alerts:      alerts,
		environment: environment,
		logger:      logger.Named("monitor.integrity"),
	}
}

// Check verifies the chain. It returns the report and the alert raised, if any.
func (g *IntegrityGuard) Check(ctx context.Context) (audit.Report, *alert.Alert) {
	rep := g.verifier.VerifyIntegrity()
	if rep.Valid {
		g.mu.Lock()
		g.reported = ""
		g.mu.Unlock()
		g.logger.Debug("ledger verified", zap.Int("verified", rep.VerifiedCount))
		return rep, nil
	}

	invalid := rep.InvalidEntries()
	key := strings.Join(invalid, ",")
	g.mu.Lock()
	dup := key == g.reported
	g.reported = key
	g.mu.Unlock()

	g.logger.Error("audit ledger integrity violation",
		zap.Int("invalid_entries", len(invalid)),
		zap.Int("verified", rep.VerifiedCount))
	if dup {
		return rep, nil
	}

	first := rep.Issues[0]
	a, err := g.alerts.Create(ctx, alert.Input{
		Severity:    alert.SeverityCritical,
		Category:    alert.CategoryIntegrity,
		Title:       "Audit ledger integrity violation",
		Description: fmt.Sprintf("%d entries failed verification; first issue %s at sequence %d: %s", len(invalid), first.Kind, first.Sequence, first.Detail),
		Source:      sourceIntegrity,
		Environment: g.environment,
		Metadata: map[string]string{
			"invalidEntries": fmt.Sprintf("%d", len(invalid)),
			"firstEntryId":   first.EntryID,
			"firstIssue":     first.Kind,
			"verifiedCount":  fmt.Sprintf("%d", rep.VerifiedCount),
		},
	}, sourceIntegrity)
	if err != nil {
		g.logger.Error("create integrity alert", zap.Error(err))
		return rep, nil
	}
	return rep, a
}

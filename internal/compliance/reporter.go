// Package compliance builds point-in-time compliance reports for an
// environment from the audit ledger, alert history and drift history.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/drift"
)

var (
	ErrUnsupportedStandard = errors.New("unsupported compliance standard")
	ErrInvalidPeriod       = errors.New("report period end precedes start")
)

// Status of a control or a whole report.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"

	StatusCompliant          Status = "compliant"
	StatusPartiallyCompliant Status = "partially_compliant"
	StatusNonCompliant       Status = "non_compliant"
)

var statusRank = map[Status]int{StatusPass: 0, StatusWarning: 1, StatusFail: 2}

// DefaultResponseWindow is how long a high or critical alert may stay open
// before incident response is considered late.
const DefaultResponseWindow = time.Hour

// ControlResult is the assessment of one control.
type ControlResult struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Status   Status   `json:"status"`
	Evidence []string `json:"evidence"`
	Findings []string `json:"findings,omitempty"`
}

// Summary aggregates the evidence behind a report.
type Summary struct {
	AuditEntries       int  `json:"auditEntries"`
	DriftScans         int  `json:"driftScans"`
	DriftedScans       int  `json:"driftedScans"`
	Alerts             int  `json:"alerts"`
	CriticalAlerts     int  `json:"criticalAlerts"`
	UnresolvedCritical int  `json:"unresolvedCritical"`
	LedgerValid        bool `json:"ledgerValid"`
}

// Report is a compliance report for one standard and environment.
type Report struct {
	ID              string          `json:"id"`
	Standard        string          `json:"standard"`
	Environment     string          `json:"environment"`
	PeriodStart     time.Time       `json:"periodStart"`
	PeriodEnd       time.Time       `json:"periodEnd"`
	GeneratedAt     time.Time       `json:"generatedAt"`
	Status          Status          `json:"status"`
	Score           float64         `json:"score"`
	Controls        []ControlResult `json:"controls"`
	Summary         Summary         `json:"summary"`
	Recommendations []string        `json:"recommendations"`
}

// AuditSource is the read side of the audit ledger.
type AuditSource interface {
	Query(f audit.Filter) []*audit.Entry
	VerifyIntegrity() audit.Report
}

// AlertSource is the read side of the alert manager.
type AlertSource interface {
	Query(f alert.Filter) []*alert.Alert
}

// DriftSource exposes drift history and baselines.
type DriftSource interface {
	History(environment string) []*drift.Result
	Baselines() baseline.Store
}

// Recorder appends audit entries.
type Recorder interface {
	Append(ctx context.Context, ev audit.Event) (*audit.Entry, error)
}

// Reporter generates compliance reports.
type Reporter struct {
	audit    AuditSource
	alerts   AlertSource
	drift    DriftSource
	recorder Recorder
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// ReporterOption customizes a Reporter.
type ReporterOption func(*Reporter)

// WithResponseWindow overrides DefaultResponseWindow.
func WithResponseWindow(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithNow overrides the report timestamp source.
func WithNow(now func() time.Time) ReporterOption { return func(r *Reporter) { r.now = now } }

func NewReporter(a AuditSource, alerts AlertSource, d DriftSource, recorder Recorder, logger *zap.Logger, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		audit:    a,
		alerts:   alerts,
		drift:    d,
		recorder: recorder,
		window:   DefaultResponseWindow,
		now:      time.Now,
		logger:   logger.Named("compliance"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Generate assesses every control of standard for environment over
// [start, end]. A zero end means now.
func (r *Reporter) Generate(ctx context.Context, standard, environment string, start, end time.Time) (*Report, error) {
	controls, ok := catalog[standard]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStandard, standard)
	}
	now := r.now().UTC()
	if end.IsZero() {
		end = now
	}
	if end.Before(start) {
		return nil, ErrInvalidPeriod
	}

	ev, err := r.collect(ctx, environment, start, end)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		ID:              uuid.New().String(),
		Standard:        standard,
		Environment:     environment,
		PeriodStart:     start,
		PeriodEnd:       end,
		GeneratedAt:     now,
		Controls:        make([]ControlResult, 0, len(controls)),
		Summary:         summarize(ev),
		Recommendations: []string{},
	}

	cache := map[string]checkResult{}
	var points float64
	for _, c := range controls {
		cr := ControlResult{ID: c.id, Title: c.title, Status: StatusPass, Evidence: []string{}}
		for _, name := range c.checks {
			res, ok := cache[name]
			if !ok {
				res = ev.run(name)
				cache[name] = res
			}
			cr.Evidence = append(cr.Evidence, res.evidence...)
			if res.finding != "" {
				cr.Findings = append(cr.Findings, res.finding)
			}
			if statusRank[res.status] > statusRank[cr.Status] {
				cr.Status = res.status
			}
		}
		switch cr.Status {
		case StatusPass:
			points++
		case StatusWarning:
			points += 0.5
		}
		rep.Controls = append(rep.Controls, cr)
	}
	rep.Score = float64(int(points/float64(len(controls))*10000+0.5)) / 100
	rep.Status = overall(rep.Controls, rep.Score)
	rep.Recommendations = recommendations(cache)

	r.logger.Info("compliance report generated",
		zap.String("standard", standard),
		zap.String("environment", environment),
		zap.String("status", string(rep.Status)),
		zap.Float64("score", rep.Score))
	if r.recorder != nil {
		sev := audit.SeverityInfo
		if rep.Status == StatusNonCompliant {
			sev = audit.SeverityHigh
		}
		if _, err := r.recorder.Append(ctx, audit.Event{
			EventType:   "compliance.report_generated",
			Severity:    sev,
			Source:      "compliance",
			Target:      audit.Target{Type: "environment", ID: environment},
			Action:      "generate_report",
			Description: fmt.Sprintf("%s report: %s (%.2f)", standard, rep.Status, rep.Score),
			After:       map[string]interface{}{"reportId": rep.ID, "status": rep.Status, "score": rep.Score},
		}); err != nil {
			r.logger.Error("audit append failed", zap.String("event_type", "compliance.report_generated"), zap.Error(err))
		}
	}
	return rep, nil
}

func (r *Reporter) collect(ctx context.Context, environment string, start, end time.Time) (*evidence, error) {
	ev := &evidence{end: end, window: r.window}
	ev.entries = r.audit.Query(audit.Filter{Since: start, Until: end})
	ev.integrity = r.audit.VerifyIntegrity()
	ev.alerts = r.alerts.Query(alert.Filter{Environment: environment, Since: start, Until: end})

	for _, res := range r.drift.History(environment) {
		if res.Timestamp.Before(start) || res.Timestamp.After(end) {
			continue
		}
		ev.results = append(ev.results, res)
	}

	_, err := r.drift.Baselines().Latest(ctx, environment)
	switch {
	case err == nil:
		ev.hasBaseline = true
	case errors.Is(err, baseline.ErrNotFound):
	default:
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return ev, nil
}

func summarize(ev *evidence) Summary {
	s := Summary{
		AuditEntries: len(ev.entries),
		DriftScans:   len(ev.results),
		Alerts:       len(ev.alerts),
		LedgerValid:  ev.integrity.Valid,
	}
	for _, r := range ev.results {
		if len(r.Changes) > 0 {
			s.DriftedScans++
		}
	}
	for _, a := range ev.alerts {
		if a.Severity == alert.SeverityCritical {
			s.CriticalAlerts++
			if !a.Status.Terminal() {
				s.UnresolvedCritical++
			}
		}
	}
	return s
}

func overall(controls []ControlResult, score float64) Status {
	failed := false
	for _, c := range controls {
		if c.Status == StatusFail {
			failed = true
			break
		}
	}
	switch {
	case !failed:
		return StatusCompliant
	case score >= 70:
		return StatusPartiallyCompliant
	default:
		return StatusNonCompliant
	}
}

var advice = map[string]string{
	checkAuditIntegrity:   "Investigate the audit ledger integrity violation and restore entries from the archive.",
	checkAuditCoverage:    "Confirm that audit events are being recorded for this environment.",
	checkBaseline:         "Create and approve a configuration baseline for the environment.",
	checkDriftCompliance:  "Remediate configuration drift or accept the new state as a baseline.",
	checkMonitoring:       "Schedule drift detection at least daily.",
	checkIncidentResponse: "Acknowledge high and critical alerts within the response window.",
	checkSecretHygiene:    "Review secret changes and restore access to inaccessible secrets.",
}

func recommendations(results map[string]checkResult) []string {
	out := []string{}
	for _, name := range []string{
		checkAuditIntegrity, checkBaseline, checkDriftCompliance, checkSecretHygiene,
		checkIncidentResponse, checkMonitoring, checkAuditCoverage,
	} {
		if res, ok := results[name]; ok && res.status != StatusPass {
			out = append(out, advice[name])
		}
	}
	return out
}

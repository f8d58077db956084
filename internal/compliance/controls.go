package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/drift"
)

// Supported standards.
const (
	SOC2      = "soc2"
	ISO27001  = "iso27001"
	PCIDSS    = "pci_dss"
	NIST80053 = "nist_800_53"
)

// Check identifiers. A control passes only when every check it maps to passes.
const (
	checkAuditIntegrity   = "audit_integrity"
	checkAuditCoverage    = "audit_coverage"
	checkBaseline         = "baseline_established"
	checkDriftCompliance  = "drift_within_baseline"
	checkMonitoring       = "monitoring_cadence"
	checkIncidentResponse = "incident_response"
	checkSecretHygiene    = "secret_hygiene"
)

type control struct {
	id     string
	title  string
	checks []string
}

var catalog = map[string][]control{
	SOC2: {
		{"CC6.1", "Logical access controls protect credentials", []string{checkSecretHygiene}},
		{"CC7.1", "Configuration baselines are defined and monitored", []string{checkBaseline, checkMonitoring}},
		{"CC7.2", "System components are monitored for anomalies", []string{checkMonitoring, checkAuditCoverage}},
		{"CC7.3", "Security events are evaluated and responded to", []string{checkIncidentResponse}},
		{"CC8.1", "Changes are authorized and tracked", []string{checkDriftCompliance, checkAuditIntegrity}},
	},
	ISO27001: {
		{"A.5.17", "Authentication information", []string{checkSecretHygiene}},
		{"A.5.26", "Response to information security incidents", []string{checkIncidentResponse}},
		{"A.8.9", "Configuration management", []string{checkBaseline, checkDriftCompliance}},
		{"A.8.15", "Logging", []string{checkAuditCoverage, checkAuditIntegrity}},
		{"A.8.16", "Monitoring activities", []string{checkMonitoring}},
	},
	PCIDSS: {
		{"2.2", "System components are configured and managed securely", []string{checkBaseline, checkDriftCompliance}},
		{"8.3", "Strong authentication is established and managed", []string{checkSecretHygiene}},
		{"10.2", "Audit logs record user and system activity", []string{checkAuditCoverage}},
		{"10.3", "Audit logs are protected from modification", []string{checkAuditIntegrity}},
		{"11.5", "Unauthorized changes are detected and responded to", []string{checkMonitoring, checkDriftCompliance}},
		{"12.10", "Suspected security incidents are responded to immediately", []string{checkIncidentResponse}},
	},
	NIST80053: {
		{"AU-9", "Protection of audit information", []string{checkAuditIntegrity}},
		{"AU-12", "Audit record generation", []string{checkAuditCoverage}},
		{"CM-2", "Baseline configuration", []string{checkBaseline}},
		{"CM-3", "Configuration change control", []string{checkDriftCompliance}},
		{"IA-5", "Authenticator management", []string{checkSecretHygiene}},
		{"IR-4", "Incident handling", []string{checkIncidentResponse}},
		{"SI-4", "System monitoring", []string{checkMonitoring}},
	},
}

// Standards lists the supported standard identifiers.
func Standards() []string {
	out := make([]string, 0, len(catalog))
	for s := range catalog {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// evidence is everything collected for one report period.
type evidence struct {
	entries     []*audit.Entry
	integrity   audit.Report
	alerts      []*alert.Alert
	results     []*drift.Result
	hasBaseline bool
	end         time.Time
	window      time.Duration
}

type checkResult struct {
	status   Status
	evidence []string
	finding  string
}

func (ev *evidence) run(check string) checkResult {
	switch check {
	case checkAuditIntegrity:
		return ev.auditIntegrity()
	case checkAuditCoverage:
		return ev.auditCoverage()
	case checkBaseline:
		return ev.baseline()
	case checkDriftCompliance:
		return ev.driftCompliance()
	case checkMonitoring:
		return ev.monitoring()
	case checkIncidentResponse:
		return ev.incidentResponse()
	case checkSecretHygiene:
		return ev.secretHygiene()
	}
	return checkResult{status: StatusFail, finding: "unknown check " + check}
}

func (ev *evidence) auditIntegrity() checkResult {
	if ev.integrity.Valid {
		return checkResult{status: StatusPass, evidence: []string{
			fmt.Sprintf("%d ledger entries verified", ev.integrity.VerifiedCount),
		}}
	}
	return checkResult{
		status:   StatusFail,
		evidence: []string{fmt.Sprintf("%d ledger entries failed verification", len(ev.integrity.InvalidEntries()))},
		finding:  "audit ledger integrity verification failed",
	}
}

func (ev *evidence) auditCoverage() checkResult {
	if len(ev.entries) == 0 {
		return checkResult{status: StatusWarning, finding: "no audit entries recorded in the period"}
	}
	types := map[string]bool{}
	for _, e := range ev.entries {
		types[strings.SplitN(e.EventType, ".", 2)[0]] = true
	}
	kinds := make([]string, 0, len(types))
	for k := range types {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return checkResult{status: StatusPass, evidence: []string{
		fmt.Sprintf("%d audit entries recorded", len(ev.entries)),
		"event sources: " + strings.Join(kinds, ", "),
	}}
}

func (ev *evidence) baseline() checkResult {
	if !ev.hasBaseline {
		return checkResult{status: StatusFail, finding: "no accepted configuration baseline"}
	}
	return checkResult{status: StatusPass, evidence: []string{"accepted configuration baseline present"}}
}

func (ev *evidence) driftCompliance() checkResult {
	if len(ev.results) == 0 {
		return checkResult{status: StatusWarning, finding: "no drift detections in the period"}
	}
	var violations []string
	noncompliant := 0
	for _, r := range ev.results {
		if !r.ComplianceStatus.Compliant {
			noncompliant++
			violations = append(violations, r.ComplianceStatus.Violations...)
		}
	}
	res := checkResult{evidence: []string{fmt.Sprintf("%d drift detections, %d outside baseline", len(ev.results), noncompliant)}}
	latest := ev.results[len(ev.results)-1]
	switch {
	case noncompliant == 0:
		res.status = StatusPass
	case latest.ComplianceStatus.Compliant:
		// drift occurred but the environment is back within its baseline
		res.status = StatusWarning
		res.finding = "drift outside the baseline was detected and later remediated"
	default:
		res.status = StatusFail
		res.finding = "environment currently drifts outside its baseline: " + strings.Join(dedupe(violations), "; ")
	}
	return res
}

func (ev *evidence) monitoring() checkResult {
	if len(ev.results) == 0 {
		return checkResult{status: StatusFail, finding: "no drift scans ran in the period"}
	}
	last := ev.results[len(ev.results)-1].Timestamp
	res := checkResult{evidence: []string{
		fmt.Sprintf("%d drift scans", len(ev.results)),
		"last scan " + last.UTC().Format(time.RFC3339),
	}}
	if ev.end.Sub(last) > 24*time.Hour {
		res.status = StatusWarning
		res.finding = "no drift scan in the last 24 hours of the period"
		return res
	}
	res.status = StatusPass
	return res
}

func (ev *evidence) incidentResponse() checkResult {
	var late, lateHigh []string
	handled := 0
	for _, a := range ev.alerts {
		if a.Severity.Rank() < alert.SeverityHigh.Rank() {
			continue
		}
		respondedAt, ok := firstResponse(a)
		if !ok {
			respondedAt = ev.end
		}
		if respondedAt.Sub(a.Timestamp) <= ev.window {
			handled++
			continue
		}
		if a.Severity == alert.SeverityCritical {
			late = append(late, a.ID)
		} else {
			lateHigh = append(lateHigh, a.ID)
		}
	}
	res := checkResult{evidence: []string{fmt.Sprintf("%d high or critical alerts handled within %s", handled, ev.window)}}
	switch {
	case len(late) > 0:
		res.status = StatusFail
		res.finding = fmt.Sprintf("%d critical alerts not acknowledged within %s", len(late), ev.window)
		res.evidence = append(res.evidence, "late critical alerts: "+strings.Join(late, ", "))
	case len(lateHigh) > 0:
		res.status = StatusWarning
		res.finding = fmt.Sprintf("%d high alerts not acknowledged within %s", len(lateHigh), ev.window)
	default:
		res.status = StatusPass
	}
	return res
}

// firstResponse is the time an alert first left the open state.
func firstResponse(a *alert.Alert) (time.Time, bool) {
	for _, t := range a.Timeline {
		if t.Event == "status_changed" {
			return t.Timestamp, true
		}
	}
	if a.ResolvedAt != nil {
		return *a.ResolvedAt, true
	}
	return time.Time{}, false
}

func (ev *evidence) secretHygiene() checkResult {
	var findings []string
	secretChanges := 0
	for _, r := range ev.results {
		for _, c := range r.Changes {
			if c.Category != drift.CategorySecret {
				continue
			}
			secretChanges++
			if c.Impact == drift.ImpactCritical {
				findings = append(findings, fmt.Sprintf("%s %s", c.Type, c.Path))
			}
		}
	}
	if len(ev.results) > 0 {
		if s := ev.results[len(ev.results)-1].Snapshot; s != nil {
			for _, ref := range s.Secrets {
				if !ref.Accessible {
					findings = append(findings, "secret "+ref.Name+" is inaccessible")
				}
			}
		}
	}
	res := checkResult{evidence: []string{fmt.Sprintf("%d secret changes detected", secretChanges)}}
	if len(findings) > 0 {
		res.status = StatusFail
		res.finding = strings.Join(dedupe(findings), "; ")
		return res
	}
	res.status = StatusPass
	return res
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

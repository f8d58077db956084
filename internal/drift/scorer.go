package drift

import (
	"fmt"
	"math"
	"sort"
)

// Security impact buckets.
const (
	BucketAuthentication  = "authentication"
	BucketAuthorization   = "authorization"
	BucketEncryption      = "encryption"
	BucketDataProtection  = "data_protection"
	BucketNetworkSecurity = "network_security"
)

var bucketKeywords = []struct {
	name     string
	keywords []string
}{
	{BucketAuthentication, []string{"auth", "login", "oauth", "oidc", "jwt", "session", "password", "passwd", "sso", "mfa", "token"}},
	{BucketAuthorization, []string{"role", "rbac", "permission", "policy", "acl", "sudoers", "grant", "scope"}},
	{BucketEncryption, []string{"tls", "ssl", "cert", "key", "encrypt", "cipher", "crypto", ".pem"}},
	{BucketDataProtection, []string{"database", "db_", "dsn", "backup", "pii", "gdpr", "storage", "bucket", "retention"}},
	{BucketNetworkSecurity, []string{"port", "host", "url", "firewall", "cors", "proxy", "network", "ingress", "egress", "allowlist"}},
}

// Score returns Σ weight(impact) × confidence/100 clamped to [0,100].
func Score(changes []Change) float64 {
	var total float64
	for _, c := range changes {
		total += weighted(c)
	}
	return clamp(total)
}

func weighted(c Change) float64 {
	return c.Impact.Weight() * float64(c.Confidence) / 100
}

func clamp(v float64) float64 {
	v = math.Round(v*100) / 100
	return math.Max(0, math.Min(100, v))
}

// SeverityFor maps a change set and its score to a severity: critical on any
// critical change or score ≥ 80; high on ≥ 2 high changes or score ≥ 60;
// medium on score ≥ 30; low on any positive score.
func SeverityFor(changes []Change, score float64) Severity {
	highs := 0
	for _, c := range changes {
		switch c.Impact {
		case ImpactCritical:
			return SeverityCritical
		case ImpactHigh:
			highs++
		}
	}
	switch {
	case score >= 80:
		return SeverityCritical
	case highs >= 2 || score >= 60:
		return SeverityHigh
	case score >= 30:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// BucketImpact is the security assessment of one bucket.
type BucketImpact struct {
	Score float64  `json:"score"`
	Paths []string `json:"paths"`
}

// SecurityImpact is the multi-bucket assessment of a change set.
type SecurityImpact struct {
	Score            float64                 `json:"score"`
	Buckets          map[string]BucketImpact `json:"buckets"`
	CriticalFindings []string                `json:"criticalFindings"`
}

// AssessSecurityImpact buckets changes by path keywords. A change may land in
// several buckets. Each bucket is scored independently and capped at 100; the
// overall score is the capped sum of bucket scores.
func AssessSecurityImpact(changes []Change) SecurityImpact {
	si := SecurityImpact{Buckets: map[string]BucketImpact{}, CriticalFindings: []string{}}
	raw := make(map[string]float64)
	for _, c := range changes {
		for _, b := range bucketKeywords {
			if !containsAny(c.Path, b.keywords) {
				continue
			}
			bi := si.Buckets[b.name]
			bi.Paths = append(bi.Paths, c.Path)
			si.Buckets[b.name] = bi
			raw[b.name] += weighted(c)
			if c.Impact == ImpactCritical {
				si.CriticalFindings = append(si.CriticalFindings,
					fmt.Sprintf("%s: critical %s change to %s %q", b.name, c.Type, c.Category, c.Path))
			}
		}
	}
	var total float64
	for name, bi := range si.Buckets {
		bi.Score = clamp(raw[name])
		si.Buckets[name] = bi
		total += bi.Score
	}
	si.Score = clamp(total)
	sort.Strings(si.CriticalFindings)
	return si
}

// ComplianceStatus summarizes whether the drift keeps the environment within
// its accepted baseline.
type ComplianceStatus struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
}

func assessCompliance(changes []Change, sev Severity, si SecurityImpact) ComplianceStatus {
	cs := ComplianceStatus{Compliant: true, Violations: []string{}}
	counts := map[Impact]int{}
	for _, c := range changes {
		counts[c.Impact]++
	}
	if n := counts[ImpactCritical]; n > 0 {
		cs.Violations = append(cs.Violations, fmt.Sprintf("%d critical configuration changes", n))
	}
	if n := counts[ImpactHigh]; n > 0 {
		cs.Violations = append(cs.Violations, fmt.Sprintf("%d high-impact configuration changes", n))
	}
	cs.Violations = append(cs.Violations, si.CriticalFindings...)
	if sev == SeverityHigh || sev == SeverityCritical || len(si.CriticalFindings) > 0 {
		cs.Compliant = false
	}
	return cs
}

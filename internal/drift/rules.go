package drift

import (
	"path/filepath"
	"strings"

	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

// Keyword sets used by the impact rules. Matching is case-insensitive on
// substrings.
var (
	envHighKeywords     = []string{"database", "db_", "_db", "dsn", "runtime", "auth", "oauth", "jwt", "session", "tls", "ssl", "cert"}
	envEndpointKeywords = []string{"url", "uri", "host", "port", "endpoint", "addr"}

	fileSecurityMarkers = []string{"security", "auth", "tls", "ssl", "cert", "secret", "passwd", "shadow", "sudoers", ".pem", ".key", ".crt"}
	fileConfigMarkers   = []string{"config", "conf", "settings", ".env", "docker-compose", "dockerfile", "kubernetes", "k8s", "helm", "manifest", "deployment", ".ini", ".cfg"}
	structuredDataExts  = []string{".json", ".yaml", ".yml", ".toml", ".xml", ".csv"}

	serviceSecurityDeps  = []string{"auth", "security", "iam", "oauth", "sso", "identity", "vault", "keycloak", "ldap"}
	serviceConfigKeyword = []string{"port", "database", "db", "security", "tls", "ssl"}
)

func containsAny(s string, keywords []string) bool {
	s = strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func isSecretKey(key string) bool { return snapshot.IsSecretKey(key) }

func envImpact(key string) Impact {
	switch {
	case isSecretKey(key):
		return ImpactCritical
	case containsAny(key, envHighKeywords):
		return ImpactHigh
	case containsAny(key, envEndpointKeywords):
		return ImpactMedium
	default:
		return ImpactLow
	}
}

func fileImpact(path string) Impact {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case containsAny(path, fileSecurityMarkers):
		return ImpactCritical
	case containsAny(base, fileConfigMarkers):
		return ImpactHigh
	case isStructured(base):
		return ImpactMedium
	default:
		return ImpactLow
	}
}

func isStructured(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range structuredDataExts {
		if ext == e {
			return true
		}
	}
	return false
}

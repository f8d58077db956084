package config

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/driftguard/internal/alert"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("DRIFTGUARD_HMAC_SECRET", strings.Repeat("s", 32))
}

func TestLoadDefaults(t *testing.T) {
	setSecret(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, SignerHMAC, cfg.SignerAlg)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 15*time.Minute, cfg.VerifyInterval)
	assert.Equal(t, 100, cfg.LedgerBatchSize)
	assert.Equal(t, BackendFile, cfg.BaselineStore)
	assert.False(t, cfg.TLSEnabled())
	assert.Empty(t, cfg.WatchFiles)
}

func TestLoadOverrides(t *testing.T) {
	setSecret(t)
	t.Setenv("DRIFTGUARD_ENVIRONMENT", "prod")
	t.Setenv("DRIFTGUARD_WATCH_FILES", " /etc/app.yaml, /etc/nginx/*.conf ,")
	t.Setenv("DRIFTGUARD_SCAN_INTERVAL", "30s")
	t.Setenv("DRIFTGUARD_LEDGER_BATCH_SIZE", "25")
	t.Setenv("DRIFTGUARD_REQUIRE_MTLS", "true")
	t.Setenv("DRIFTGUARD_TLS_CLIENT_CA_FILE", "/tls/ca.pem")
	t.Setenv("DRIFTGUARD_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DATABASE_URL", "postgres://localhost/audit")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, []string{"/etc/app.yaml", "/etc/nginx/*.conf"}, cfg.WatchFiles)
	assert.Equal(t, 30*time.Second, cfg.ScanInterval)
	assert.Equal(t, 25, cfg.LedgerBatchSize)
	assert.True(t, cfg.RequireMTLS)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "postgres://localhost/audit", cfg.DatabaseURL)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	setSecret(t)
	t.Setenv("DRIFTGUARD_SCAN_INTERVAL", "soon")
	t.Setenv("DRIFTGUARD_LEDGER_BATCH_SIZE", "-3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 100, cfg.LedgerBatchSize)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("DRIFTGUARD_HMAC_SECRET", "short")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HMAC_SECRET")
}

func TestLoadEd25519Seed(t *testing.T) {
	t.Setenv("DRIFTGUARD_SIGNER_ALG", "ED25519")
	t.Setenv("DRIFTGUARD_ED25519_SEED_B64", base64.StdEncoding.EncodeToString(make([]byte, 32)))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, SignerEd25519, cfg.SignerAlg)
	assert.Len(t, cfg.Ed25519Seed, 32)

	t.Setenv("DRIFTGUARD_ED25519_SEED_B64", base64.StdEncoding.EncodeToString(make([]byte, 7)))
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Environment:   "prod",
			SignerAlg:     SignerHMAC,
			HMACSecret:    []byte(strings.Repeat("x", 32)),
			BaselineStore: BackendMemory,
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"unknown signer":      func(c *Config) { c.SignerAlg = "rsa" },
		"redis without url":   func(c *Config) { c.BaselineStore = BackendRedis },
		"unknown backend":     func(c *Config) { c.BaselineStore = "etcd" },
		"mtls without ca":     func(c *Config) { c.RequireMTLS = true },
		"cert without key":    func(c *Config) { c.TLSCertFile = "cert.pem" },
		"missing environment": func(c *Config) { c.Environment = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

const rulesYAML = `
action_timeout: 20s
correlation:
  - id: same-env-drift
    name: Drift bursts in one environment
    window_minutes: 10
    conditions:
      - field: environment
        operator: equals
      - field: category
        operator: equals
        value: configuration_drift
    actions: [merge, create_incident]
escalation:
  - id: critical-open
    name: Critical alerts left open
    delay_minutes: 5
    max_escalations: 3
    conditions:
      - field: severity
        operator: within_range
        min: 4
    actions:
      - type: notify
        target: oncall
      - type: assign
        target: secops
channels:
  - name: oncall
    type: webhook
    target: https://hooks.example.com/driftguard
    severities: [high, critical]
    timeout: 5s
    rate_per_minute: 30
    active_hours:
      start: "22:00"
      end: "06:00"
      timezone: UTC
services:
  - name: api
    version: "1.4.2"
    status: running
    dependencies: [auth]
    config:
      port: "8443"
secrets:
  - name: db-password
    type: password
    source: vault
    accessible: true
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules(writeRules(t, rulesYAML))
	require.NoError(t, err)

	require.Len(t, rules.Correlation, 1)
	c := rules.Correlation[0]
	assert.Equal(t, "same-env-drift", c.ID)
	assert.Equal(t, 10, c.WindowMinutes)
	assert.Equal(t, []string{"merge", "create_incident"}, c.Actions)
	require.Len(t, c.Conditions, 2)
	assert.Equal(t, "", c.Conditions[0].Value)
	assert.Equal(t, "configuration_drift", c.Conditions[1].Value)

	require.Len(t, rules.Escalation, 1)
	e := rules.Escalation[0]
	assert.Equal(t, 5, e.DelayMinutes)
	assert.Equal(t, 3, e.MaxEscalations)
	require.NotNil(t, e.Conditions[0].Min)
	assert.Equal(t, 4.0, *e.Conditions[0].Min)
	assert.Equal(t, []alert.EscalationAction{{Type: "notify", Target: "oncall"}, {Type: "assign", Target: "secops"}}, e.Actions)

	require.Len(t, rules.Channels, 1)
	ch := rules.Channels[0]
	assert.Equal(t, []alert.Severity{alert.SeverityHigh, alert.SeverityCritical}, ch.Severities)
	assert.Equal(t, 5*time.Second, ch.Timeout)
	assert.Equal(t, 30, ch.RatePerMinute)
	require.NotNil(t, ch.ActiveHours)
	assert.Equal(t, "22:00", ch.ActiveHours.Start)

	require.Len(t, rules.Services, 1)
	assert.Equal(t, "8443", rules.Services[0].Config["port"])
	assert.Equal(t, []string{"auth"}, rules.Services[0].Dependencies)
	require.Len(t, rules.Secrets, 1)
	assert.True(t, rules.Secrets[0].Accessible)

	assert.Equal(t, 20*time.Second, rules.ActionTimeout)
}

func TestLoadRulesEnvOverlay(t *testing.T) {
	t.Setenv("DRIFTGUARD_RULES_ACTION_TIMEOUT", "45s")
	rules, err := LoadRules(writeRules(t, rulesYAML))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, rules.ActionTimeout)
}

func TestLoadRulesWithoutFile(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Empty(t, rules.Correlation)
	assert.Equal(t, alert.DefaultActionTimeout, rules.ActionTimeout)
}

func TestLoadRulesErrors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dup := `
channels:
  - name: oncall
    type: webhook
  - name: oncall
    type: chat
`
	_, err = LoadRules(writeRules(t, dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate channel")
}

func TestEnvSourceNeverCapturesOwnSettings(t *testing.T) {
	setSecret(t)
	t.Setenv("DATABASE_URL", "postgres://app:pw@db/app")
	t.Setenv("DRIFTGUARD_ENV_EXCLUDE", "APP_NOISE")
	t.Setenv("APP_NOISE", "x")
	t.Setenv("APP_MODE", "live")

	cfg, err := Load()
	require.NoError(t, err)

	env, err := cfg.EnvSource().Environ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", env["APP_MODE"])
	assert.NotContains(t, env, "APP_NOISE")
	assert.NotContains(t, env, "DATABASE_URL")
	for k := range env {
		assert.False(t, strings.HasPrefix(k, "DRIFTGUARD_"), k)
	}
}

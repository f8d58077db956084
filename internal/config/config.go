// Package config provides the environment-backed runtime configuration used by
// cmd/driftguard and the YAML rules loader for alerting.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

// Signing algorithms accepted in DRIFTGUARD_SIGNER_ALG.
const (
	SignerHMAC    = "hmac"
	SignerEd25519 = "ed25519"
)

// Baseline backends accepted in DRIFTGUARD_BASELINE_BACKEND.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// MinHMACSecretLength is the shortest accepted ledger HMAC secret.
const MinHMACSecretLength = 32

// Config holds runtime settings. Every field maps to one DRIFTGUARD_* variable
// unless noted.
type Config struct {
	ListenAddr  string // LISTEN_ADDR (default :8080)
	Environment string // ENVIRONMENT (default development)
	LogLevel    string // LOG_LEVEL
	LogFormat   string // LOG_FORMAT: json or console

	WatchFiles    []string      // WATCH_FILES, comma separated, globs allowed
	EnvPrefixes   []string      // ENV_PREFIXES, empty captures every variable
	EnvExclude    []string      // ENV_EXCLUDE
	WatchDebounce time.Duration // WATCH_DEBOUNCE

	ScanInterval   time.Duration // SCAN_INTERVAL
	SweepInterval  time.Duration // SWEEP_INTERVAL
	VerifyInterval time.Duration // VERIFY_INTERVAL

	DriftHistoryCap     int           // DRIFT_HISTORY_CAP
	LedgerHistoryCap    int           // LEDGER_HISTORY_CAP
	LedgerBatchSize     int           // LEDGER_BATCH_SIZE
	LedgerFlushInterval time.Duration // LEDGER_FLUSH_INTERVAL

	SignerAlg      string   // SIGNER_ALG: hmac or ed25519
	SignerID       string   // SIGNER_ID
	HMACSecret     []byte   // HMAC_SECRET
	Ed25519Seed    []byte   // ED25519_SEED_B64, base64 encoded 32-byte seed
	AuditDir       string   // AUDIT_DIR, used when DATABASE_URL is empty
	DatabaseURL    string   // DATABASE_URL (unprefixed fallback accepted)
	StreamQueue    int      // STREAM_QUEUE_SIZE
	KafkaBrokers   []string // KAFKA_BROKERS; empty disables streaming to Kafka
	KafkaTopic     string   // KAFKA_TOPIC
	S3Bucket       string   // S3_BUCKET; empty disables archival
	S3Prefix       string   // S3_PREFIX
	BaselineStore  string   // BASELINE_BACKEND: memory, file or redis
	BaselineDir    string   // BASELINE_DIR
	BaselineKeep   int      // BASELINE_KEEP
	RedisURL       string   // REDIS_URL
	RedisKeyPrefix string   // REDIS_PREFIX

	JWTSecret       []byte // JWT_SECRET; empty disables bearer auth
	JWTIssuer       string // JWT_ISSUER; empty accepts any issuer
	AuthDisabled    bool   // AUTH_DISABLED, development only
	RequireMTLS     bool   // REQUIRE_MTLS
	TLSCertFile     string // TLS_CERT_FILE
	TLSKeyFile      string // TLS_KEY_FILE
	TLSClientCAFile string // TLS_CLIENT_CA_FILE

	RulesFile string // RULES_FILE
}

const prefix = "DRIFTGUARD_"

// Load reads the DRIFTGUARD_* variables and validates them.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		WatchFiles:    getList("WATCH_FILES"),
		EnvPrefixes:   getList("ENV_PREFIXES"),
		EnvExclude:    getList("ENV_EXCLUDE"),
		WatchDebounce: getDuration("WATCH_DEBOUNCE", 500*time.Millisecond),

		ScanInterval:   getDuration("SCAN_INTERVAL", 5*time.Minute),
		SweepInterval:  getDuration("SWEEP_INTERVAL", time.Minute),
		VerifyInterval: getDuration("VERIFY_INTERVAL", 15*time.Minute),

		DriftHistoryCap:     getInt("DRIFT_HISTORY_CAP", 100),
		LedgerHistoryCap:    getInt("LEDGER_HISTORY_CAP", 10000),
		LedgerBatchSize:     getInt("LEDGER_BATCH_SIZE", 100),
		LedgerFlushInterval: getDuration("LEDGER_FLUSH_INTERVAL", time.Second),

		SignerAlg:      strings.ToLower(getEnv("SIGNER_ALG", SignerHMAC)),
		SignerID:       getEnv("SIGNER_ID", "driftguard-local"),
		HMACSecret:     []byte(os.Getenv(prefix + "HMAC_SECRET")),
		AuditDir:       getEnv("AUDIT_DIR", "data/audit"),
		DatabaseURL:    firstNonEmpty(os.Getenv(prefix+"DATABASE_URL"), os.Getenv("DATABASE_URL")),
		StreamQueue:    getInt("STREAM_QUEUE_SIZE", 1024),
		KafkaBrokers:   getList("KAFKA_BROKERS"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "driftguard.audit"),
		S3Bucket:       os.Getenv(prefix + "S3_BUCKET"),
		S3Prefix:       getEnv("S3_PREFIX", "driftguard"),
		BaselineStore:  strings.ToLower(getEnv("BASELINE_BACKEND", BackendFile)),
		BaselineDir:    getEnv("BASELINE_DIR", "data/baselines"),
		BaselineKeep:   getInt("BASELINE_KEEP", 10),
		RedisURL:       os.Getenv(prefix + "REDIS_URL"),
		RedisKeyPrefix: getEnv("REDIS_PREFIX", "driftguard"),

		JWTSecret:       []byte(os.Getenv(prefix + "JWT_SECRET")),
		JWTIssuer:       os.Getenv(prefix + "JWT_ISSUER"),
		AuthDisabled:    getBool("AUTH_DISABLED", false),
		RequireMTLS:     getBool("REQUIRE_MTLS", false),
		TLSCertFile:     os.Getenv(prefix + "TLS_CERT_FILE"),
		TLSKeyFile:      os.Getenv(prefix + "TLS_KEY_FILE"),
		TLSClientCAFile: os.Getenv(prefix + "TLS_CLIENT_CA_FILE"),

		RulesFile: os.Getenv(prefix + "RULES_FILE"),
	}

	if v := os.Getenv(prefix + "ED25519_SEED_B64"); v != "" {
		seed, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%sED25519_SEED_B64: %w", prefix, err)
		}
		cfg.Ed25519Seed = seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.SignerAlg {
	case SignerHMAC:
		if len(c.HMACSecret) < MinHMACSecretLength {
			return fmt.Errorf("%sHMAC_SECRET must be at least %d bytes", prefix, MinHMACSecretLength)
		}
	case SignerEd25519:
		if n := len(c.Ed25519Seed); n != 0 && n != 32 {
			return fmt.Errorf("%sED25519_SEED_B64 must decode to 32 bytes, got %d", prefix, n)
		}
	default:
		return fmt.Errorf("%sSIGNER_ALG %q not supported", prefix, c.SignerAlg)
	}
	switch c.BaselineStore {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%sREDIS_URL is required for the redis baseline backend", prefix)
		}
	default:
		return fmt.Errorf("%sBASELINE_BACKEND %q not supported", prefix, c.BaselineStore)
	}
	if c.RequireMTLS && c.TLSClientCAFile == "" {
		return fmt.Errorf("%sREQUIRE_MTLS needs %sTLS_CLIENT_CA_FILE", prefix, prefix)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%sTLS_CERT_FILE and %sTLS_KEY_FILE must be set together", prefix, prefix)
	}
	if c.Environment == "" {
		return fmt.Errorf("%sENVIRONMENT is required", prefix)
	}
	return nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (c *Config) TLSEnabled() bool { return c.TLSCertFile != "" }

// EnvSource returns the environment source for snapshots. The service's own
// DRIFTGUARD_* settings and DATABASE_URL are never captured.
func (c *Config) EnvSource() snapshot.OSEnv {
	return snapshot.OSEnv{
		Prefixes:        c.EnvPrefixes,
		Exclude:         append([]string{"DATABASE_URL"}, c.EnvExclude...),
		ExcludePrefixes: []string{prefix},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(prefix + key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(prefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(prefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(prefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(prefix+key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

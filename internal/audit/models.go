package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an entry is not present.
	ErrNotFound = errors.New("not found")

	// ErrLedgerUnavailable is returned when an entry cannot be appended because
	// the ledger could not persist its chain.
	ErrLedgerUnavailable = errors.New("audit ledger unavailable")

	ErrLedgerClosed      = errors.New("audit ledger closed")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrInvalidEvent      = errors.New("invalid audit event")
)

// Severity orders audit entries by operational importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of s; unknown severities rank as info.
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Target identifies what an audited action was applied to.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Integrity is the chain block of an entry.
type Integrity struct {
	Hash         string `json:"hash"`
	Signature    string `json:"signature"`
	Algorithm    string `json:"algorithm"`
	SignerID     string `json:"signerId"`
	PreviousHash string `json:"previousHash"`
}

// Retention is the storage policy attached to an entry when it is appended.
type Retention struct {
	Policy        string    `json:"policy"`
	RetentionDays int       `json:"retentionDays"`
	LegalHold     bool      `json:"legalHold"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Entry is a single hash-chained audit record.
type Entry struct {
	ID          string          `json:"id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"eventType"`
	Severity    Severity        `json:"severity"`
	Actor       string          `json:"actor"`
	Source      string          `json:"source"`
	Target      Target          `json:"target"`
	Action      string          `json:"action"`
	Description string          `json:"description,omitempty"`
	Before      json.RawMessage `json:"before,omitempty"`
	After       json.RawMessage `json:"after,omitempty"`
	Integrity   Integrity       `json:"integrity"`
	Retention   Retention       `json:"retention"`
}

// Event is the caller-supplied part of an entry. The ledger assigns id,
// sequence, timestamp, integrity and retention.
type Event struct {
	EventType   string
	Severity    Severity
	Actor       string
	Source      string
	Target      Target
	Action      string
	Description string
	Before      interface{}
	After       interface{}
}

// Filter selects entries for queries and exports. Zero fields match everything.
type Filter struct {
	Since       time.Time
	Until       time.Time
	EventTypes  []string
	MinSeverity Severity
	Actor       string
	TargetType  string
	TargetID    string
	Limit       int
}

// Match reports whether e satisfies f.
func (f Filter) Match(e *Entry) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.TargetType != "" && e.Target.Type != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.Target.ID != f.TargetID {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// NewUUID returns a random UUID string.
func NewUUID() string {
	return uuid.New().String()
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

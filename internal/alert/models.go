// Package alert owns the security alert lifecycle: creation, status
// transitions, assignment and response actions, plus the correlation,
// escalation and notification engines that react to new alerts.
package alert

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidInput      = errors.New("invalid alert input")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Status of an alert.
type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusFalsePositive }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInvestigating, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Well-known categories.
const (
	CategoryDrift      = "configuration_drift"
	CategoryIntegrity  = "audit_integrity"
	CategorySecurity   = "security"
	CategoryCompliance = "compliance"
)

type ActionKind string

const (
	ActionManual    ActionKind = "manual"
	ActionAutomated ActionKind = "automated"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// ResponseAction is a remediation step owned by an alert.
type ResponseAction struct {
	ID          string            `json:"id"`
	Kind        ActionKind        `json:"kind"`
	Action      string            `json:"action"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Status      ActionStatus      `json:"status"`
	Result      string            `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// TimelineEntry records one event in the life of an alert.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// Alert is a tracked security alert. Alerts are never deleted.
type Alert struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	Severity        Severity          `json:"severity"`
	Category        string            `json:"category"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Source          string            `json:"source"`
	Environment     string            `json:"environment,omitempty"`
	Status          Status            `json:"status"`
	Assignee        string            `json:"assignee,omitempty"`
	EscalationLevel int               `json:"escalationLevel"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	RelatedAlertIDs []string          `json:"relatedAlertIds"`
	ResponseActions []ResponseAction  `json:"responseActions"`
	Timeline        []TimelineEntry   `json:"timeline"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
}

// Input is the data needed to create an alert.
type Input struct {
	Severity    Severity          `json:"severity" validate:"required,oneof=low medium high critical"`
	Category    string            `json:"category" validate:"required,max=64"`
	Title       string            `json:"title" validate:"required,max=256"`
	Description string            `json:"description" validate:"max=4096"`
	Source      string            `json:"source" validate:"required,max=128"`
	Environment string            `json:"environment" validate:"max=128"`
	Metadata    map[string]string `json:"metadata" validate:"max=64"`
}

// ActionInput describes a response action to attach to an alert.
type ActionInput struct {
	Kind       ActionKind        `json:"kind" validate:"required,oneof=manual automated"`
	Action     string            `json:"action" validate:"required,max=128"`
	Parameters map[string]string `json:"parameters"`
}

// Filter selects alerts. Zero fields match everything.
type Filter struct {
	Statuses      []Status   `json:"statuses,omitempty"`
	Severities    []Severity `json:"severities,omitempty"`
	Category      string     `json:"category,omitempty"`
	Environment   string     `json:"environment,omitempty"`
	Assignee      string     `json:"assignee,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Since         time.Time  `json:"since,omitempty"`
	Until         time.Time  `json:"until,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// Match reports whether a passes f.
func (f Filter) Match(a *Alert) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, a.Severity) {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Environment != "" && a.Environment != f.Environment {
		return false
	}
	if f.Assignee != "" && a.Assignee != f.Assignee {
		return false
	}
	if f.CorrelationID != "" && a.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (a *Alert) clone() *Alert {
	c := *a
	c.RelatedAlertIDs = append([]string{}, a.RelatedAlertIDs...)
	c.ResponseActions = append([]ResponseAction{}, a.ResponseActions...)
	for i := range c.ResponseActions {
		c.ResponseActions[i].Parameters = cloneMap(c.ResponseActions[i].Parameters)
	}
	c.Timeline = append([]TimelineEntry{}, a.Timeline...)
	c.Metadata = cloneMap(a.Metadata)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package drift compares snapshots against baselines, classifies every
// difference, and aggregates the differences into a risk score.
package drift

import (
	"time"
)

// ChangeType is the kind of difference.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Category is the snapshot section a change belongs to.
type Category string

const (
	CategoryEnvironment Category = "environment"
	CategoryFile        Category = "file"
	CategoryService     Category = "service"
	CategorySecret      Category = "secret"
	CategorySystem      Category = "system"
)

// Categories lists every category in comparison order.
var Categories = []Category{CategoryEnvironment, CategoryFile, CategoryService, CategorySecret, CategorySystem}

// Impact is the rule-based risk of a single change.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

var impactWeights = map[Impact]float64{
	ImpactLow:      1,
	ImpactMedium:   3,
	ImpactHigh:     7,
	ImpactCritical: 15,
}

var impactRank = map[Impact]int{ImpactLow: 1, ImpactMedium: 2, ImpactHigh: 3, ImpactCritical: 4}

// Weight is the contribution of the impact to the drift score.
func (i Impact) Weight() float64 { return impactWeights[i] }

// Rank orders impacts; unknown impacts rank 0.
func (i Impact) Rank() int { return impactRank[i] }

// Change is a single classified difference. Changes are immutable.
type Change struct {
	ID         string      `json:"id"`
	Type       ChangeType  `json:"type"`
	Category   Category    `json:"category"`
	Path       string      `json:"path"`
	OldValue   interface{} `json:"oldValue,omitempty"`
	NewValue   interface{} `json:"newValue,omitempty"`
	Impact     Impact      `json:"impact"`
	Confidence int         `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Severity of a drift result or alert.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

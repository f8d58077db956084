package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Correlation actions.
const (
	CorrelateMerge          = "merge"
	CorrelateSuppress       = "suppress"
	CorrelateEscalate       = "escalate"
	CorrelateCreateIncident = "create_incident"
)

// CorrelationRule groups alerts that match its conditions within a sliding
// window. Actions run in declaration order.
type CorrelationRule struct {
	ID            string      `koanf:"id" json:"id"`
	Name          string      `koanf:"name" json:"name"`
	Disabled      bool        `koanf:"disabled" json:"disabled,omitempty"`
	WindowMinutes int         `koanf:"window_minutes" json:"windowMinutes"`
	Conditions    []Condition `koanf:"conditions" json:"conditions"`
	Actions       []string    `koanf:"actions" json:"actions"`
}

func (r CorrelationRule) window() time.Duration { return time.Duration(r.WindowMinutes) * time.Minute }

// Incident groups alerts correlated by a create_incident rule.
type Incident struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId"`
	Title     string    `json:"title"`
	AlertIDs  []string  `json:"alertIds"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CorrelationEngine matches new alerts against recent ones.
type CorrelationEngine struct {
	manager *Manager
	rules   []CorrelationRule
	logger  *zap.Logger

	mu        sync.RWMutex
	incidents map[string]*Incident
}

func NewCorrelationEngine(m *Manager, rules []CorrelationRule, logger *zap.Logger) (*CorrelationEngine, error) {
	compiled := make([]CorrelationRule, 0, len(rules))
	for _, r := range rules {
		if r.Disabled {
			continue
		}
		if r.ID == "" {
			return nil, fmt.Errorf("correlation rule %q: id required", r.Name)
		}
		if r.WindowMinutes <= 0 {
			return nil, fmt.Errorf("correlation rule %s: window_minutes must be positive", r.ID)
		}
		for _, a := range r.Actions {
			switch a {
			case CorrelateMerge, CorrelateSuppress, CorrelateEscalate, CorrelateCreateIncident:
			default:
				return nil, fmt.Errorf("correlation rule %s: unknown action %q", r.ID, a)
			}
		}
		conds, err := compileConditions(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("correlation rule %s: %w", r.ID, err)
		}
		r.Conditions = conds
		compiled = append(compiled, r)
	}
	return &CorrelationEngine{
		manager:   m,
		rules:     compiled,
		logger:    logger.Named("alert.correlation"),
		incidents: make(map[string]*Incident),
	}, nil
}

// OnAlert correlates a newly created alert. It is a Manager Handler.
func (e *CorrelationEngine) OnAlert(ctx context.Context, a *Alert) {
	for _, rule := range e.rules {
		matches := e.candidates(rule, a, e.manager.recent(a.Timestamp.Add(-rule.window())))
		if len(matches) == 0 {
			continue
		}
		e.logger.Debug("correlation rule matched",
			zap.String("rule", rule.ID),
			zap.String("alert_id", a.ID),
			zap.Int("matches", len(matches)))
		for _, action := range rule.Actions {
			e.apply(ctx, rule, action, a, matches)
			metrics.AlertCorrelations.WithLabelValues(rule.ID, action).Inc()
		}
	}
}

func (e *CorrelationEngine) candidates(rule CorrelationRule, trigger *Alert, pool []*Alert) []*Alert {
	var out []*Alert
	for _, c := range pool {
		if c.ID == trigger.ID || absDuration(trigger.Timestamp.Sub(c.Timestamp)) > rule.window() {
			continue
		}
		ok := true
		for _, cond := range rule.Conditions {
			if !cond.matchPair(trigger, c) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *CorrelationEngine) apply(ctx context.Context, rule CorrelationRule, action string, a *Alert, matches []*Alert) {
	switch action {
	case CorrelateMerge:
		ids := []string{a.ID}
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		e.manager.link(ctx, ids, rule.ID)
	case CorrelateSuppress:
		for _, m := range matches {
			e.manager.suppress(ctx, m.ID, rule.ID, a.ID)
		}
	case CorrelateEscalate:
		e.manager.escalate(ctx, a.ID, "correlation:"+rule.ID, rule.Name, 0)
	case CorrelateCreateIncident:
		e.incident(ctx, rule, a, matches)
	}
}

func (e *CorrelationEngine) incident(ctx context.Context, rule CorrelationRule, a *Alert, matches []*Alert) {
	now := e.manager.clock.Now()
	ids := []string{a.ID}
	for _, m := range matches {
		ids = append(ids, m.ID)
	}

	e.mu.Lock()
	var inc *Incident
	for _, existing := range e.incidents {
		if existing.RuleID != rule.ID {
			continue
		}
		for _, id := range ids {
			if contains(existing.AlertIDs, id) {
				inc = existing
				break
			}
		}
		if inc != nil {
			break
		}
	}
	event := "incident.updated"
	if inc == nil {
		event = "incident.created"
		title := rule.Name
		if title == "" {
			title = a.Title
		}
		inc = &Incident{ID: uuid.New().String(), RuleID: rule.ID, Title: title, CreatedAt: now}
		e.incidents[inc.ID] = inc
	}
	for _, id := range ids {
		if !contains(inc.AlertIDs, id) {
			inc.AlertIDs = append(inc.AlertIDs, id)
		}
	}
	sort.Strings(inc.AlertIDs)
	inc.UpdatedAt = now
	snapshot := *inc
	snapshot.AlertIDs = append([]string(nil), inc.AlertIDs...)
	e.mu.Unlock()

	e.manager.record(ctx, audit.Event{
		EventType: event,
		Severity:  auditSeverity(a.Severity),
		Actor:     "correlation:" + rule.ID,
		Source:    "correlation-engine",
		Target:    audit.Target{Type: "incident", ID: snapshot.ID},
		Action:    "create_incident",
		After:     snapshot,
	})
}

// Sweep re-correlates alerts still inside their rule windows and merges pairs
// that do not yet share a correlation id. Only merge rules take part; the
// other actions fire once, when the alert is created. It returns the number
// of merges performed.
func (e *CorrelationEngine) Sweep(ctx context.Context) int {
	var widest time.Duration
	for _, r := range e.rules {
		if r.window() > widest {
			widest = r.window()
		}
	}
	if widest == 0 {
		return 0
	}
	pool := e.manager.recent(e.manager.clock.Now().Add(-widest))
	merged := 0
	for _, rule := range e.rules {
		if !contains(rule.Actions, CorrelateMerge) {
			continue
		}
		for i := 0; i < len(pool); i++ {
			a := pool[i]
			var ids []string
			for _, c := range e.candidates(rule, a, pool[:i]) {
				if c.CorrelationID == "" || c.CorrelationID != a.CorrelationID {
					ids = append(ids, c.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			corr := e.manager.link(ctx, append([]string{a.ID}, ids...), rule.ID)
			merged++
			metrics.AlertCorrelations.WithLabelValues(rule.ID, "sweep_merge").Inc()
			pool = e.manager.refresh(pool)
			e.logger.Debug("sweep merged alerts", zap.String("rule", rule.ID), zap.String("correlation_id", corr))
		}
	}
	return merged
}

// Incident returns the incident with id.
func (e *CorrelationEngine) Incident(id string) (*Incident, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inc, ok := e.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inc
	out.AlertIDs = append([]string(nil), inc.AlertIDs...)
	return &out, nil
}

// Incidents returns every incident, newest first.
func (e *CorrelationEngine) Incidents() []*Incident {
	e.mu.RLock()
	out := make([]*Incident, 0, len(e.incidents))
	for _, inc := range e.incidents {
		c := *inc
		c.AlertIDs = append([]string(nil), inc.AlertIDs...)
		out = append(out, &c)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

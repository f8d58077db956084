package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Escalation action types.
const (
	EscalateNotify   = "notify"
	EscalateAssign   = "assign"
	EscalatePlaybook = "playbook"
	EscalateTicket   = "ticket"
)

// Automated response action names used by escalation.
const (
	ActionRunPlaybook = "run_playbook"
	ActionOpenTicket  = "open_ticket"
)

type EscalationAction struct {
	Type   string `koanf:"type" json:"type"`
	Target string `koanf:"target" json:"target,omitempty"`
}

// EscalationRule escalates matching alerts that stay open for DelayMinutes,
// repeating until MaxEscalations is reached.
type EscalationRule struct {
	ID             string             `koanf:"id" json:"id"`
	Name           string             `koanf:"name" json:"name"`
	Disabled       bool               `koanf:"disabled" json:"disabled,omitempty"`
	Conditions     []Condition        `koanf:"conditions" json:"conditions"`
	DelayMinutes   int                `koanf:"delay_minutes" json:"delayMinutes"`
	MaxEscalations int                `koanf:"max_escalations" json:"maxEscalations"`
	Actions        []EscalationAction `koanf:"actions" json:"actions"`
}

func (r EscalationRule) delay() time.Duration { return time.Duration(r.DelayMinutes) * time.Minute }

// Notifier delivers an alert. Router implements it.
type Notifier interface {
	Notify(ctx context.Context, a *Alert, channels ...string) Report
}

// EscalationScheduler schedules delayed escalation checks. A check that fires
// after the alert left open does nothing; Stop cancels every pending check.
type EscalationScheduler struct {
	manager  *Manager
	rules    []EscalationRule
	notifier Notifier
	clock    Clock
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]Timer
	stopped bool
}

func NewEscalationScheduler(m *Manager, rules []EscalationRule, notifier Notifier, logger *zap.Logger) (*EscalationScheduler, error) {
	compiled := make([]EscalationRule, 0, len(rules))
	for _, r := range rules {
		if r.Disabled {
			continue
		}
		if r.ID == "" {
			return nil, fmt.Errorf("escalation rule %q: id required", r.Name)
		}
		if r.DelayMinutes <= 0 || r.MaxEscalations <= 0 {
			return nil, fmt.Errorf("escalation rule %s: delay_minutes and max_escalations must be positive", r.ID)
		}
		for _, a := range r.Actions {
			switch a.Type {
			case EscalateNotify, EscalatePlaybook, EscalateTicket:
			case EscalateAssign:
				if a.Target == "" {
					return nil, fmt.Errorf("escalation rule %s: assign needs a target", r.ID)
				}
			default:
				return nil, fmt.Errorf("escalation rule %s: unknown action %q", r.ID, a.Type)
			}
		}
		conds, err := compileConditions(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("escalation rule %s: %w", r.ID, err)
		}
		r.Conditions = conds
		compiled = append(compiled, r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EscalationScheduler{
		manager:  m,
		rules:    compiled,
		notifier: notifier,
		clock:    m.clock,
		logger:   logger.Named("alert.escalation"),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]Timer),
	}, nil
}

// OnAlert schedules a check for every rule the new alert matches. It is a
// Manager Handler.
func (s *EscalationScheduler) OnAlert(_ context.Context, a *Alert) {
	for _, rule := range s.rules {
		if matchAll(rule.Conditions, a) {
			s.schedule(rule, a.ID)
		}
	}
}

func (s *EscalationScheduler) schedule(rule EscalationRule, alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	key := alertID + "/" + rule.ID
	s.timers[key] = s.clock.AfterFunc(rule.delay(), func() { s.fire(rule, alertID, key) })
}

func (s *EscalationScheduler) fire(rule EscalationRule, alertID, key string) {
	s.mu.Lock()
	delete(s.timers, key)
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("escalation panicked", zap.String("rule", rule.ID), zap.String("alert_id", alertID), zap.Any("panic", p))
		}
	}()

	actor := "escalation:" + rule.ID
	level, ok := s.manager.escalate(s.ctx, alertID, actor, rule.Name, rule.MaxEscalations)
	if !ok {
		return
	}
	metrics.AlertEscalations.WithLabelValues(rule.ID).Inc()
	s.logger.Info("alert escalated",
		zap.String("alert_id", alertID),
		zap.String("rule", rule.ID),
		zap.Int("level", level))

	for _, action := range rule.Actions {
		s.run(actor, alertID, action)
	}
	if level < rule.MaxEscalations {
		s.schedule(rule, alertID)
	}
}

func (s *EscalationScheduler) run(actor, alertID string, action EscalationAction) {
	ctx := s.ctx
	var err error
	switch action.Type {
	case EscalateNotify:
		if s.notifier == nil {
			return
		}
		var a *Alert
		if a, err = s.manager.Get(alertID); err == nil {
			var only []string
			if action.Target != "" {
				only = []string{action.Target}
			}
			s.notifier.Notify(ctx, a, only...)
		}
	case EscalateAssign:
		_, err = s.manager.Assign(ctx, alertID, action.Target, actor)
	case EscalatePlaybook:
		_, err = s.manager.AddResponseAction(ctx, alertID, ActionInput{
			Kind: ActionAutomated, Action: ActionRunPlaybook, Parameters: map[string]string{"playbook": action.Target},
		}, actor)
	case EscalateTicket:
		_, err = s.manager.AddResponseAction(ctx, alertID, ActionInput{
			Kind: ActionAutomated, Action: ActionOpenTicket, Parameters: map[string]string{"queue": action.Target},
		}, actor)
	}
	if err != nil {
		s.logger.Warn("escalation action failed",
			zap.String("alert_id", alertID),
			zap.String("action", action.Type),
			zap.Error(err))
	}
}

// Pending returns the number of scheduled checks.
func (s *EscalationScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending check. Checks already running see a cancelled
// context.
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Recorder appends audit entries.
type Recorder interface {
	Append(ctx context.Context, ev audit.Event) (*audit.Entry, error)
}

// Handler receives a copy of every newly created alert.
type Handler func(ctx context.Context, a *Alert)

// DefaultActionTimeout bounds automated response actions.
const DefaultActionTimeout = 30 * time.Second

const systemActor = "system"

// Manager owns every alert and serializes their mutation.
type Manager struct {
	recorder      Recorder
	executor      Executor
	clock         Clock
	actionTimeout time.Duration
	logger        *zap.Logger
	validate      *validator.Validate

	mu     sync.RWMutex
	alerts map[string]*Alert

	subMu   sync.RWMutex
	subs    map[int]Handler
	nextSub int
}

type ManagerOption func(*Manager)

func WithClock(c Clock) ManagerOption { return func(m *Manager) { m.clock = c } }

func WithExecutor(e Executor) ManagerOption { return func(m *Manager) { m.executor = e } }

func WithActionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.actionTimeout = d
		}
	}
}

// NewManager builds a manager. recorder may be nil, in which case nothing is
// audited.
func NewManager(recorder Recorder, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		recorder:      recorder,
		clock:         RealClock{},
		actionTimeout: DefaultActionTimeout,
		logger:        logger.Named("alert.manager"),
		validate:      validator.New(),
		alerts:        make(map[string]*Alert),
		subs:          make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.executor == nil {
		m.executor = LoggingExecutor{Logger: m.logger}
	}
	return m
}

// Clock returns the manager's time source.
func (m *Manager) Clock() Clock { return m.clock }

// Subscribe registers h for newly created alerts. Handlers run in
// registration order. The returned func removes h.
func (m *Manager) Subscribe(h Handler) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Create opens a new alert at escalation level 0 and notifies subscribers.
func (m *Manager) Create(ctx context.Context, in Input, actor string) (*Alert, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if actor == "" {
		actor = systemActor
	}
	now := m.clock.Now()
	a := &Alert{
		ID:              uuid.New().String(),
		Timestamp:       now,
		Severity:        in.Severity,
		Category:        in.Category,
		Title:           in.Title,
		Description:     in.Description,
		Source:          in.Source,
		Environment:     in.Environment,
		Status:          StatusOpen,
		RelatedAlertIDs: []string{},
		ResponseActions: []ResponseAction{},
		Timeline:        []TimelineEntry{{Timestamp: now, Event: "created", Actor: actor, Detail: in.Title}},
		Metadata:        cloneMap(in.Metadata),
		UpdatedAt:       now,
	}

	m.mu.Lock()
	m.alerts[a.ID] = a
	out := a.clone()
	m.mu.Unlock()

	metrics.AlertsCreated.WithLabelValues(string(a.Severity), a.Category).Inc()
	m.record(ctx, audit.Event{
		EventType:   "alert.created",
		Severity:    auditSeverity(a.Severity),
		Actor:       actor,
		Source:      "alert-manager",
		Target:      audit.Target{Type: "alert", ID: a.ID},
		Action:      "create_alert",
		Description: a.Title,
		After:       out,
	})
	m.logger.Info("alert created",
		zap.String("alert_id", a.ID),
		zap.String("severity", string(a.Severity)),
		zap.String("category", a.Category),
		zap.String("environment", a.Environment))

	m.publish(ctx, a.ID)
	if latest, err := m.Get(a.ID); err == nil {
		out = latest
	}
	return out, nil
}

// Get returns a copy of the alert.
func (m *Manager) Get(id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// UpdateStatus moves an alert to status. Terminal alerts and same-state
// transitions are rejected with ErrInvalidTransition.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, actor, comment string) (*Alert, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if actor == "" {
		actor = systemActor
	}
	var before Status
	a, err := m.mutate(id, func(a *Alert, now time.Time) error {
		if a.Status.Terminal() {
			return fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.Status)
		}
		if a.Status == status {
			return fmt.Errorf("%w: alert is already %s", ErrInvalidTransition, status)
		}
		before = a.Status
		a.Status = status
		if status.Terminal() {
			a.ResolvedAt = &now
		}
		a.Timeline = append(a.Timeline, TimelineEntry{
			Timestamp: now, Event: "status_changed", Actor: actor,
			Detail: joinDetail(fmt.Sprintf("%s -> %s", before, status), comment),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(status)).Inc()
	m.record(ctx, audit.Event{
		EventType:   "alert.status_changed",
		Severity:    audit.SeverityMedium,
		Actor:       actor,
		Source:      "alert-manager",
		Target:      audit.Target{Type: "alert", ID: id},
		Action:      "update_status",
		Description: comment,
		Before:      map[string]string{"status": string(before)},
		After:       map[string]string{"status": string(status)},
	})
	return a, nil
}

// Assign sets the alert's assignee.
func (m *Manager) Assign(ctx context.Context, id, assignee, actor string) (*Alert, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee required", ErrInvalidInput)
	}
	if actor == "" {
		actor = systemActor
	}
	var previous string
	a, err := m.mutate(id, func(a *Alert, now time.Time) error {
		if a.Status.Terminal() {
			return fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.Status)
		}
		previous = a.Assignee
		a.Assignee = assignee
		a.Timeline = append(a.Timeline, TimelineEntry{Timestamp: now, Event: "assigned", Actor: actor, Detail: assignee})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.record(ctx, audit.Event{
		EventType: "alert.assigned",
		Severity:  audit.SeverityInfo,
		Actor:     actor,
		Source:    "alert-manager",
		Target:    audit.Target{Type: "alert", ID: id},
		Action:    "assign_alert",
		Before:    map[string]string{"assignee": previous},
		After:     map[string]string{"assignee": assignee},
	})
	return a, nil
}

// AddResponseAction attaches a pending action. Automated actions are executed
// before returning; their failure is recorded on the action, not returned.
func (m *Manager) AddResponseAction(ctx context.Context, id string, in ActionInput, actor string) (string, error) {
	if err := m.validate.Struct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if actor == "" {
		actor = systemActor
	}
	action := ResponseAction{
		ID:         uuid.New().String(),
		Kind:       in.Kind,
		Action:     in.Action,
		Parameters: cloneMap(in.Parameters),
		Status:     ActionPending,
	}
	_, err := m.mutate(id, func(a *Alert, now time.Time) error {
		action.CreatedAt = now
		a.ResponseActions = append(a.ResponseActions, action)
		a.Timeline = append(a.Timeline, TimelineEntry{
			Timestamp: now, Event: "action_added", Actor: actor,
			Detail: fmt.Sprintf("%s %s", action.Kind, action.Action),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	m.record(ctx, audit.Event{
		EventType: "alert.action_added",
		Severity:  audit.SeverityLow,
		Actor:     actor,
		Source:    "alert-manager",
		Target:    audit.Target{Type: "alert", ID: id},
		Action:    "add_response_action",
		After:     action,
	})
	if action.Kind == ActionAutomated {
		m.execute(ctx, id, action.ID)
	} else {
		metrics.ResponseActions.WithLabelValues(string(action.Kind), string(ActionPending)).Inc()
	}
	return action.ID, nil
}

func (m *Manager) execute(ctx context.Context, alertID, actionID string) {
	var snapshot *Alert
	var action ResponseAction
	_, err := m.mutate(alertID, func(a *Alert, _ time.Time) error {
		for i := range a.ResponseActions {
			if a.ResponseActions[i].ID == actionID {
				a.ResponseActions[i].Status = ActionRunning
				action = a.ResponseActions[i]
				snapshot = a.clone()
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return
	}

	result, runErr := runBounded(ctx, m.actionTimeout, m.executor, snapshot, action)
	status := ActionCompleted
	if runErr != nil {
		status = ActionFailed
		result = runErr.Error()
		m.logger.Warn("response action failed",
			zap.String("alert_id", alertID),
			zap.String("action", action.Action),
			zap.Error(runErr))
	}

	_, _ = m.mutate(alertID, func(a *Alert, now time.Time) error {
		for i := range a.ResponseActions {
			if a.ResponseActions[i].ID == actionID {
				a.ResponseActions[i].Status = status
				a.ResponseActions[i].Result = result
				a.ResponseActions[i].CompletedAt = &now
			}
		}
		a.Timeline = append(a.Timeline, TimelineEntry{
			Timestamp: now, Event: "action_" + string(status), Actor: systemActor,
			Detail: joinDetail(action.Action, result),
		})
		return nil
	})
	metrics.ResponseActions.WithLabelValues(string(action.Kind), string(status)).Inc()

	sev := audit.SeverityLow
	if status == ActionFailed {
		sev = audit.SeverityHigh
	}
	m.record(ctx, audit.Event{
		EventType:   "alert.action_" + string(status),
		Severity:    sev,
		Source:      "alert-manager",
		Target:      audit.Target{Type: "alert", ID: alertID},
		Action:      "execute_response_action",
		Description: result,
		After:       map[string]string{"actionId": actionID, "action": action.Action, "status": string(status)},
	})
}

// Query returns matching alerts, newest first.
func (m *Manager) Query(f Filter) []*Alert {
	m.mu.RLock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Match(a) {
			out = append(out, a.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Export renders the alerts selected by f.
func (m *Manager) Export(f Filter, format string) ([]byte, error) {
	return Export(m.Query(f), format)
}

// recent returns alerts created at or after since, oldest first.
func (m *Manager) recent(since time.Time) []*Alert {
	m.mu.RLock()
	out := make([]*Alert, 0)
	for _, a := range m.alerts {
		if !a.Timestamp.Before(since) {
			out = append(out, a.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// refresh reloads each alert in list, dropping any that no longer exist.
func (m *Manager) refresh(list []*Alert) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Alert, 0, len(list))
	for _, a := range list {
		if cur, ok := m.alerts[a.ID]; ok {
			out = append(out, cur.clone())
		}
	}
	return out
}

// mutate applies fn to the stored alert under the write lock and returns a
// copy of the result.
func (m *Manager) mutate(id string, fn func(a *Alert, now time.Time) error) (*Alert, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(a, now); err != nil {
		return nil, err
	}
	a.UpdatedAt = now
	return a.clone(), nil
}

// link gives every alert in ids the same correlation id, records the related
// ids in both directions and folds in any group the alerts already belonged
// to. It returns the correlation id used.
func (m *Manager) link(ctx context.Context, ids []string, ruleID string) string {
	now := m.clock.Now()
	m.mu.Lock()
	members := make(map[string]*Alert)
	var corr string
	var earliest time.Time
	for _, id := range ids {
		a, ok := m.alerts[id]
		if !ok {
			continue
		}
		members[id] = a
		if a.CorrelationID != "" && (corr == "" || a.Timestamp.Before(earliest)) {
			corr, earliest = a.CorrelationID, a.Timestamp
		}
	}
	if len(members) < 2 {
		m.mu.Unlock()
		return ""
	}
	if corr == "" {
		corr = uuid.New().String()
	}
	groups := make(map[string]bool)
	for _, a := range members {
		if a.CorrelationID != "" {
			groups[a.CorrelationID] = true
		}
	}
	for _, a := range m.alerts {
		if a.CorrelationID != "" && groups[a.CorrelationID] {
			members[a.ID] = a
		}
	}
	var changed []string
	for _, a := range members {
		updated := a.CorrelationID != corr
		a.CorrelationID = corr
		if contains(ids, a.ID) {
			for _, other := range ids {
				if other != a.ID && members[other] != nil && !contains(a.RelatedAlertIDs, other) {
					a.RelatedAlertIDs = append(a.RelatedAlertIDs, other)
					updated = true
				}
			}
		}
		if updated {
			sort.Strings(a.RelatedAlertIDs)
			a.Timeline = append(a.Timeline, TimelineEntry{Timestamp: now, Event: "correlated", Actor: "correlation:" + ruleID, Detail: corr})
			a.UpdatedAt = now
			changed = append(changed, a.ID)
		}
	}
	m.mu.Unlock()

	if len(changed) > 0 {
		sort.Strings(changed)
		m.record(ctx, audit.Event{
			EventType: "alert.correlated",
			Severity:  audit.SeverityInfo,
			Actor:     "correlation:" + ruleID,
			Source:    "correlation-engine",
			Target:    audit.Target{Type: "correlation", ID: corr},
			Action:    "merge",
			After:     map[string]interface{}{"alertIds": changed, "rule": ruleID},
		})
	}
	return corr
}

// suppress resolves a non-terminal alert on behalf of a correlation rule.
func (m *Manager) suppress(ctx context.Context, id, ruleID, by string) bool {
	actor := "correlation:" + ruleID
	_, err := m.mutate(id, func(a *Alert, now time.Time) error {
		if a.Status.Terminal() {
			return ErrInvalidTransition
		}
		a.Status = StatusResolved
		a.ResolvedAt = &now
		a.Timeline = append(a.Timeline, TimelineEntry{Timestamp: now, Event: "suppressed", Actor: actor, Detail: "superseded by " + by})
		return nil
	})
	if err != nil {
		return false
	}
	metrics.AlertTransitions.WithLabelValues(string(StatusResolved)).Inc()
	m.record(ctx, audit.Event{
		EventType:   "alert.suppressed",
		Severity:    audit.SeverityMedium,
		Actor:       actor,
		Source:      "correlation-engine",
		Target:      audit.Target{Type: "alert", ID: id},
		Action:      "suppress",
		Description: "superseded by " + by,
		After:       map[string]string{"status": string(StatusResolved)},
	})
	return true
}

// escalate raises the escalation level by one. With max > 0 the alert must
// still be open and below max. It returns the new level.
func (m *Manager) escalate(ctx context.Context, id, actor, reason string, max int) (int, bool) {
	var level int
	_, err := m.mutate(id, func(a *Alert, now time.Time) error {
		if max > 0 && (a.Status != StatusOpen || a.EscalationLevel >= max) {
			return ErrInvalidTransition
		}
		a.EscalationLevel++
		level = a.EscalationLevel
		a.Timeline = append(a.Timeline, TimelineEntry{
			Timestamp: now, Event: "escalated", Actor: actor,
			Detail: joinDetail(fmt.Sprintf("level %d", level), reason),
		})
		return nil
	})
	if err != nil {
		return 0, false
	}
	m.record(ctx, audit.Event{
		EventType:   "alert.escalated",
		Severity:    audit.SeverityHigh,
		Actor:       actor,
		Source:      "alert-manager",
		Target:      audit.Target{Type: "alert", ID: id},
		Action:      "escalate",
		Description: reason,
		After:       map[string]int{"escalationLevel": level},
	})
	return level, true
}

func (m *Manager) publish(ctx context.Context, id string) {
	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if h, ok := m.subs[i]; ok {
			handlers = append(handlers, h)
		}
	}
	m.subMu.RUnlock()

	for _, h := range handlers {
		a, err := m.Get(id)
		if err != nil {
			return
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("alert subscriber panicked", zap.String("alert_id", id), zap.Any("panic", p))
				}
			}()
			h(ctx, a)
		}()
	}
}

func (m *Manager) record(ctx context.Context, ev audit.Event) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Append(ctx, ev); err != nil {
		m.logger.Error("audit append failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

func auditSeverity(s Severity) audit.Severity {
	switch s {
	case SeverityCritical:
		return audit.SeverityCritical
	case SeverityHigh:
		return audit.SeverityHigh
	case SeverityMedium:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}

func joinDetail(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}

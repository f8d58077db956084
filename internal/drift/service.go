package drift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/metrics"
	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

// ErrEnvironmentMismatch is returned when a requested baseline belongs to a
// different environment.
var ErrEnvironmentMismatch = errors.New("baseline belongs to another environment")

// Capturer produces snapshots.
type Capturer interface {
	Capture(ctx context.Context, environment string) (*snapshot.Snapshot, error)
}

// Recorder appends audit entries.
type Recorder interface {
	Append(ctx context.Context, ev audit.Event) (*audit.Entry, error)
}

// Result is the outcome of one drift detection.
type Result struct {
	ID               string              `json:"id"`
	BaselineID       string              `json:"baselineId"`
	Environment      string              `json:"environment"`
	Snapshot         *snapshot.Snapshot  `json:"snapshot"`
	DriftScore       float64             `json:"driftScore"`
	Severity         Severity            `json:"severity"`
	Changes          []Change            `json:"changes"`
	SecurityImpact   SecurityImpact      `json:"securityImpact"`
	ComplianceStatus ComplianceStatus    `json:"complianceStatus"`
	FailedCategories map[Category]string `json:"failedCategories,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
}

// Summary is the compact form of a result recorded in the audit ledger.
type Summary struct {
	ResultID    string         `json:"resultId"`
	BaselineID  string         `json:"baselineId"`
	DriftScore  float64        `json:"driftScore"`
	Severity    Severity       `json:"severity"`
	ChangeCount int            `json:"changeCount"`
	ByCategory  map[string]int `json:"byCategory"`
	Compliant   bool           `json:"compliant"`
}

// Summary returns the compact form of r.
func (r *Result) Summary() Summary {
	by := make(map[string]int)
	for _, c := range r.Changes {
		by[string(c.Category)]++
	}
	return Summary{
		ResultID: r.ID, BaselineID: r.BaselineID, DriftScore: r.DriftScore, Severity: r.Severity,
		ChangeCount: len(r.Changes), ByCategory: by, Compliant: r.ComplianceStatus.Compliant,
	}
}

// Handler receives every drift result.
type Handler func(ctx context.Context, r *Result)

// Service creates baselines and detects drift against them.
type Service struct {
	capturer   Capturer
	baselines  baseline.Store
	comparator *Comparator
	recorder   Recorder
	logger     *zap.Logger
	historyCap int

	mu      sync.RWMutex
	history map[string][]*Result

	subMu   sync.RWMutex
	subs    map[int]Handler
	nextSub int
}

// NewService wires a drift service. historyCap bounds the results kept per
// environment.
func NewService(capturer Capturer, baselines baseline.Store, recorder Recorder, historyCap int, logger *zap.Logger) *Service {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Service{
		capturer:   capturer,
		baselines:  baselines,
		comparator: NewComparator(logger),
		recorder:   recorder,
		logger:     logger.Named("drift"),
		historyCap: historyCap,
		history:    make(map[string][]*Result),
		subs:       make(map[int]Handler),
	}
}

// Subscribe registers h for every result. The returned func removes it.
func (s *Service) Subscribe(h Handler) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = h
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// CreateBaseline captures the environment and stores it as the new baseline.
func (s *Service) CreateBaseline(ctx context.Context, environment, author, description string) (*baseline.Baseline, error) {
	if environment == "" {
		return nil, errors.New("environment required")
	}
	snap, err := s.capturer.Capture(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	b, err := baseline.New(snap, author, description)
	if err != nil {
		return nil, err
	}
	if err := s.baselines.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}
	s.record(ctx, audit.Event{
		EventType:   "baseline.created",
		Severity:    audit.SeverityInfo,
		Actor:       author,
		Source:      "drift",
		Target:      audit.Target{Type: "baseline", ID: b.ID},
		Action:      "create_baseline",
		Description: fmt.Sprintf("baseline created for %s", environment),
		After:       map[string]interface{}{"environment": environment, "checksums": b.Checksums, "description": description},
	})
	s.logger.Info("baseline created",
		zap.String("environment", environment),
		zap.String("baseline_id", b.ID),
		zap.String("author", author))
	return b, nil
}

// DetectDrift compares a fresh snapshot with the given baseline, or the latest
// baseline of environment when baselineID is empty.
func (s *Service) DetectDrift(ctx context.Context, environment, baselineID string) (*Result, error) {
	base, err := s.resolveBaseline(ctx, environment, baselineID)
	if err != nil {
		return nil, err
	}
	if err := base.Verify(); err != nil {
		s.record(ctx, audit.Event{
			EventType:   "baseline.integrity_failed",
			Severity:    audit.SeverityCritical,
			Source:      "drift",
			Target:      audit.Target{Type: "baseline", ID: base.ID},
			Action:      "verify_baseline",
			Description: err.Error(),
		})
		return nil, err
	}

	current, err := s.capturer.Capture(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}

	changes, failures := s.comparator.Compare(base.Snapshot, current)
	score := Score(changes)
	sev := SeverityFor(changes, score)
	si := AssessSecurityImpact(changes)
	res := &Result{
		ID:               uuid.New().String(),
		BaselineID:       base.ID,
		Environment:      environment,
		Snapshot:         current,
		DriftScore:       score,
		Severity:         sev,
		Changes:          changes,
		SecurityImpact:   si,
		ComplianceStatus: assessCompliance(changes, sev, si),
		Timestamp:        current.Timestamp,
	}
	if len(failures) > 0 {
		res.FailedCategories = make(map[Category]string, len(failures))
		for cat, err := range failures {
			res.FailedCategories[cat] = err.Error()
		}
	}

	s.remember(res)
	metrics.DriftScans.WithLabelValues(environment, string(sev)).Inc()
	metrics.DriftScore.WithLabelValues(environment).Observe(score)
	for _, c := range changes {
		metrics.DriftChanges.WithLabelValues(string(c.Category), string(c.Impact)).Inc()
	}

	s.record(ctx, audit.Event{
		EventType:   "drift.detected",
		Severity:    auditSeverity(sev),
		Source:      "drift",
		Target:      audit.Target{Type: "environment", ID: environment},
		Action:      "detect_drift",
		Description: fmt.Sprintf("%d changes, score %.2f, severity %s", len(changes), score, sev),
		After:       res.Summary(),
	})
	s.logger.Info("drift detected",
		zap.String("environment", environment),
		zap.String("baseline_id", base.ID),
		zap.Int("changes", len(changes)),
		zap.Float64("score", score),
		zap.String("severity", string(sev)))

	s.publish(ctx, res)
	return res, nil
}

// History returns the retained results of environment, oldest first.
func (s *Service) History(environment string) []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Result(nil), s.history[environment]...)
}

// Latest returns the most recent result of environment, or nil.
func (s *Service) Latest(environment string) *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[environment]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

// Baselines exposes the baseline store.
func (s *Service) Baselines() baseline.Store { return s.baselines }

func (s *Service) resolveBaseline(ctx context.Context, environment, id string) (*baseline.Baseline, error) {
	if id == "" {
		b, err := s.baselines.Latest(ctx, environment)
		if err != nil {
			return nil, fmt.Errorf("latest baseline for %s: %w", environment, err)
		}
		return b, nil
	}
	b, err := s.baselines.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("baseline %s: %w", id, err)
	}
	if b.Environment != environment {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrEnvironmentMismatch, id, b.Environment, environment)
	}
	return b, nil
}

func (s *Service) remember(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[r.Environment], r)
	if len(h) > s.historyCap {
		h = h[len(h)-s.historyCap:]
	}
	s.history[r.Environment] = h
}

func (s *Service) publish(ctx context.Context, r *Result) {
	s.subMu.RLock()
	handlers := make([]Handler, 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if h, ok := s.subs[i]; ok {
			handlers = append(handlers, h)
		}
	}
	s.subMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("drift subscriber panicked", zap.Any("panic", p))
				}
			}()
			h(ctx, r)
		}()
	}
}

// record appends to the audit ledger. Ledger failures are reported by the
// ledger's own failure hook; detection continues.
func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Append(ctx, ev); err != nil {
		s.logger.Error("audit append failed", zap.String("event_type", ev.EventType), zap.Error(err))
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
	case SeverityLow:
		return audit.SeverityLow
	default:
		return audit.SeverityInfo
	}
}

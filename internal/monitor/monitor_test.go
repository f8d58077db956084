package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/drift"
	"github.com/ILLUVRSE/driftguard/internal/metrics"
	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

type env struct {
	mu   sync.Mutex
	vars map[string]string
}

func (e *env) set(k, v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[k] = v
}

func (e *env) Environ(context.Context) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out, nil
}

type harness struct {
	env    *env
	drift  *drift.Service
	alerts *alert.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e := &env{vars: map[string]string{"APP_MODE": "blue"}}
	capturer := snapshot.NewCapturer(e, nil, nil, nil, logger)
	h := &harness{
		env:    e,
		drift:  drift.NewService(capturer, baseline.NewMemoryStore(0), nil, 10, logger),
		alerts: alert.NewManager(nil, logger),
	}
	h.drift.Subscribe(NewDriftAlerter(h.alerts, logger).OnResult)
	return h
}

func TestDriftRaisesAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.drift.CreateBaseline(ctx, "prod", "alice", "")
	require.NoError(t, err)

	h.env.set("DB_PASSWORD", "hunter2")
	res, err := h.drift.DetectDrift(ctx, "prod", "")
	require.NoError(t, err)
	require.Equal(t, drift.SeverityCritical, res.Severity)

	got := h.alerts.Query(alert.Filter{})
	require.Len(t, got, 1)
	a := got[0]
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, alert.CategoryDrift, a.Category)
	assert.Equal(t, "prod", a.Environment)
	assert.Equal(t, sourceDrift, a.Source)
	assert.Equal(t, res.ID, a.Metadata["resultId"])
	assert.Equal(t, "1", a.Metadata["changeCount"])
	assert.Equal(t, "environment", a.Metadata["categories"])
	assert.Contains(t, a.Description, "[critical] added")
}

func TestNoDriftNoAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.drift.CreateBaseline(ctx, "prod", "alice", "")
	require.NoError(t, err)

	res, err := h.drift.DetectDrift(ctx, "prod", "")
	require.NoError(t, err)
	assert.Equal(t, drift.SeverityNone, res.Severity)
	assert.Empty(t, h.alerts.Query(alert.Filter{}))
}

func TestAlertSeverityMapping(t *testing.T) {
	cases := map[drift.Severity]alert.Severity{
		drift.SeverityLow:      alert.SeverityLow,
		drift.SeverityMedium:   alert.SeverityMedium,
		drift.SeverityHigh:     alert.SeverityHigh,
		drift.SeverityCritical: alert.SeverityCritical,
	}
	for in, want := range cases {
		got, ok := alertSeverity(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := alertSeverity(drift.SeverityNone)
	assert.False(t, ok)
}

func TestDescribeListsHighestImpactFirst(t *testing.T) {
	r := &drift.Result{BaselineID: "b-1", DriftScore: 12.5}
	for i := 0; i < 6; i++ {
		r.Changes = append(r.Changes, drift.Change{Type: drift.Modified, Path: fmt.Sprintf("env.K%d", i), Impact: drift.ImpactLow})
	}
	r.Changes = append(r.Changes, drift.Change{Type: drift.Removed, Path: "env.TLS_CERT", Impact: drift.ImpactHigh})

	d := describe(r)
	lines := strings.Split(d, "\n")
	assert.Equal(t, "7 changes against baseline b-1 (score 12.50).", lines[0])
	assert.Equal(t, "- [high] removed env.TLS_CERT", lines[1])
	assert.Equal(t, "... and 2 more", lines[len(lines)-1])
}

type fakeVerifier struct {
	mu  sync.Mutex
	rep audit.Report
}

func (f *fakeVerifier) set(rep audit.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rep = rep
}

func (f *fakeVerifier) VerifyIntegrity() audit.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rep
}

func broken(ids ...string) audit.Report {
	rep := audit.Report{VerifiedCount: 2}
	for i, id := range ids {
		rep.Issues = append(rep.Issues, audit.Issue{EntryID: id, Sequence: uint64(3 + i), Kind: audit.IssueChainBreak, Detail: "previous hash mismatch"})
	}
	return rep
}

func TestIntegrityGuardRaisesOncePerViolation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := alert.NewManager(nil, logger)
	v := &fakeVerifier{}
	g := NewIntegrityGuard(v, m, "prod", logger)
	ctx := context.Background()

	v.set(audit.Report{Valid: true, VerifiedCount: 5})
	rep, a := g.Check(ctx)
	assert.True(t, rep.Valid)
	assert.Nil(t, a)

	v.set(broken("e-3", "e-4"))
	_, a = g.Check(ctx)
	require.NotNil(t, a)
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, alert.CategoryIntegrity, a.Category)
	assert.Equal(t, "2", a.Metadata["invalidEntries"])
	assert.Equal(t, "e-3", a.Metadata["firstEntryId"])

	_, again := g.Check(ctx)
	assert.Nil(t, again, "same violation is not raised twice")

	v.set(broken("e-3", "e-4", "e-5"))
	_, grown := g.Check(ctx)
	assert.NotNil(t, grown)

	v.set(audit.Report{Valid: true})
	g.Check(ctx)
	v.set(broken("e-3", "e-4", "e-5"))
	_, recurring := g.Check(ctx)
	assert.NotNil(t, recurring)

	assert.Len(t, m.Query(alert.Filter{Category: alert.CategoryIntegrity}), 3)
}

func TestIntegrityGuardLeavesViolationCountToVerifier(t *testing.T) {
	logger := zaptest.NewLogger(t)
	v := &fakeVerifier{}
	g := NewIntegrityGuard(v, alert.NewManager(nil, logger), "prod", logger)

	v.set(broken("e-1", "e-2"))
	before := testutil.ToFloat64(metrics.IntegrityViolations)
	_, a := g.Check(context.Background())
	require.NotNil(t, a)
	assert.Equal(t, before, testutil.ToFloat64(metrics.IntegrityViolations))
}

func TestRunnerScanWithoutBaseline(t *testing.T) {
	h := newHarness(t)
	r := NewRunner(Config{Environment: "prod"}, h.drift, nil, nil, nil, zaptest.NewLogger(t))

	_, err := r.Scan(context.Background(), "manual")
	assert.ErrorIs(t, err, baseline.ErrNotFound)

	_, err = h.drift.CreateBaseline(context.Background(), "prod", "alice", "")
	require.NoError(t, err)
	res, err := r.Scan(context.Background(), "manual")
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
}

type countingDetector struct{ calls atomic.Int32 }

func (c *countingDetector) DetectDrift(context.Context, string, string) (*drift.Result, error) {
	c.calls.Add(1)
	return &drift.Result{Severity: drift.SeverityNone}, nil
}

type panickySweeper struct{ calls atomic.Int32 }

func (p *panickySweeper) Sweep(context.Context) int {
	if p.calls.Add(1) == 1 {
		panic("sweep exploded")
	}
	return 1
}

type chanSource chan []string

func (c chanSource) Run(ctx context.Context, onChange func([]string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case paths := <-c:
			onChange(paths)
		}
	}
}

func TestRunnerLoops(t *testing.T) {
	det := &countingDetector{}
	sw := &panickySweeper{}
	v := &fakeVerifier{rep: audit.Report{Valid: true}}
	logger := zaptest.NewLogger(t)
	g := NewIntegrityGuard(v, alert.NewManager(nil, logger), "prod", logger)

	r := NewRunner(Config{
		Environment:    "prod",
		ScanInterval:   10 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
		VerifyInterval: 5 * time.Millisecond,
	}, det, sw, g, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return det.calls.Load() >= 2 && sw.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "loops keep running after a panic")

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerScansOnFileChange(t *testing.T) {
	det := &countingDetector{}
	changes := make(chanSource)
	r := NewRunner(Config{Environment: "prod"}, det, nil, nil, changes, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	changes <- []string{"/etc/app.yaml"}
	assert.Eventually(t, func() bool { return det.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

// Package monitor drives the periodic work of one environment: drift scans,
// correlation sweeps and ledger verification, plus scans triggered by
// watched file changes.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/drift"
)

// DriftDetector runs drift detection.
type DriftDetector interface {
	DetectDrift(ctx context.Context, environment, baselineID string) (*drift.Result, error)
}

// Sweeper re-evaluates correlation over recent alerts.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// ChangeSource reports changed files until ctx is done.
type ChangeSource interface {
	Run(ctx context.Context, onChange func(paths []string)) error
}

// Config sets the tick intervals. A zero interval disables that loop.
type Config struct {
	Environment    string
	ScanInterval   time.Duration
	SweepInterval  time.Duration
	VerifyInterval time.Duration
}

// Runner owns the monitoring loops. A failing or panicking iteration is
// logged and the loop continues.
type Runner struct {
	cfg       Config
	detector  DriftDetector
	sweeper   Sweeper
	integrity *IntegrityGuard
	changes   ChangeSource
	logger    *zap.Logger

	scanMu sync.Mutex
}

// NewRunner wires a runner. sweeper, integrity and changes may be nil.
func NewRunner(cfg Config, detector DriftDetector, sweeper Sweeper, integrity *IntegrityGuard, changes ChangeSource, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		detector:  detector,
		sweeper:   sweeper,
		integrity: integrity,
		changes:   changes,
		logger:    logger.Named("monitor").With(zap.String("environment", cfg.Environment)),
	}
}

// Run blocks until ctx is done and every loop has returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting",
		zap.Duration("scan_interval", r.cfg.ScanInterval),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
		zap.Duration("verify_interval", r.cfg.VerifyInterval))
	defer r.logger.Info("stopped")

	var wg sync.WaitGroup
	loop := func(name string, every time.Duration, fn func(context.Context)) {
		if every <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.safely(ctx, name, fn)
				}
			}
		}()
	}

	if r.detector != nil {
		loop("scan", r.cfg.ScanInterval, func(ctx context.Context) { _, _ = r.Scan(ctx, "schedule") })
	}
	if r.sweeper != nil {
		loop("sweep", r.cfg.SweepInterval, r.sweep)
	}
	if r.integrity != nil {
		loop("verify", r.cfg.VerifyInterval, func(ctx context.Context) { r.integrity.Check(ctx) })
	}
	if r.changes != nil && r.detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.changes.Run(ctx, func(paths []string) {
				r.logger.Info("watched files changed", zap.Strings("paths", paths))
				r.safely(ctx, "watch", func(ctx context.Context) { _, _ = r.Scan(ctx, "file_change") })
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("file watcher stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Scan runs one drift detection against the latest baseline. Scans are
// serialized so a file-change trigger never overlaps a scheduled scan.
func (r *Runner) Scan(ctx context.Context, trigger string) (*drift.Result, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	res, err := r.detector.DetectDrift(ctx, r.cfg.Environment, "")
	switch {
	case errors.Is(err, baseline.ErrNotFound):
		r.logger.Debug("no baseline yet, scan skipped", zap.String("trigger", trigger))
		return nil, err
	case err != nil:
		r.logger.Warn("drift scan failed", zap.String("trigger", trigger), zap.Error(err))
		return nil, err
	}
	r.logger.Debug("drift scan complete",
		zap.String("trigger", trigger),
		zap.String("severity", string(res.Severity)),
		zap.Int("changes", len(res.Changes)))
	return res, nil
}

func (r *Runner) sweep(ctx context.Context) {
	if n := r.sweeper.Sweep(ctx); n > 0 {
		r.logger.Info("correlation sweep linked alerts", zap.Int("merges", n))
	}
}

func (r *Runner) safely(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("monitor iteration panicked", zap.String("loop", name), zap.Any("panic", p))
		}
	}()
	fn(ctx)
}

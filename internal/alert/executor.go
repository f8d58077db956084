package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor performs an automated response action and returns a short
// result description.
type Executor interface {
	Execute(ctx context.Context, a *Alert, action ResponseAction) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a *Alert, action ResponseAction) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, a *Alert, action ResponseAction) (string, error) {
	return f(ctx, a, action)
}

// Registry dispatches actions to executors by action name.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Executor
	fallback Executor
}

// NewRegistry returns a registry that falls back to fallback for unknown
// action names. A nil fallback rejects unknown actions.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{byName: make(map[string]Executor), fallback: fallback}
}

func (r *Registry) Register(action string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[action] = e
}

func (r *Registry) Execute(ctx context.Context, a *Alert, action ResponseAction) (string, error) {
	r.mu.RLock()
	e, ok := r.byName[action.Action]
	r.mu.RUnlock()
	if !ok {
		e = r.fallback
	}
	if e == nil {
		return "", fmt.Errorf("no executor for action %q", action.Action)
	}
	return e.Execute(ctx, a, action)
}

// LoggingExecutor records the intended remediation without performing it.
// Real remediation integrations register their own executors.
type LoggingExecutor struct {
	Logger *zap.Logger
}

func (l LoggingExecutor) Execute(_ context.Context, a *Alert, action ResponseAction) (string, error) {
	l.Logger.Info("response action requested",
		zap.String("alert_id", a.ID),
		zap.String("action", action.Action),
		zap.Any("parameters", action.Parameters))
	return "logged: " + action.Action, nil
}

// runBounded executes with a deadline and converts panics to errors. An
// executor that ignores ctx is abandoned when the deadline passes.
func runBounded(ctx context.Context, timeout time.Duration, e Executor, a *Alert, action ResponseAction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("action panicked: %v", p)}
			}
		}()
		res, err := e.Execute(ctx, a, action)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("action %s: %w", action.Action, ctx.Err())
	}
}

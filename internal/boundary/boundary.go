// Package boundary provides the retry, backoff and recovery wrapper that every
// castlist component calls through, together with the error taxonomy those
// components return.
//
// An operation run through Run is retried with exponential backoff until it
// succeeds, hits a permanent error, or exhausts its retries. The final error is
// classified into a Kind, recorded in a bounded history, and then handed to the
// caller's fallback, to the recovery strategy registered for its Kind, or
// returned as a *ClassifiedError.
package boundary

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseDelay is the backoff unit: attempt n waits 2^n * DefaultBaseDelay.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultHistorySize bounds the rolling error history.
	DefaultHistorySize = 100
)

// Strategy is a recovery handler invoked for a classified failure. It runs for
// its side effects (e.g. clearing a cache); the failure is still returned.
type Strategy func(ctx context.Context, err *ClassifiedError)

// Notifier receives failures that were not marked silent.
type Notifier func(err *ClassifiedError)

// Config holds Boundary configuration.
type Config struct {
	// BaseDelay is the backoff unit (default: 100ms).
	BaseDelay time.Duration

	// HistorySize is the number of failures retained (default: 100).
	HistorySize int

	Logger   *zap.Logger
	Notifier Notifier
}

// Options controls a single Run call.
type Options[T any] struct {
	// Retries is the number of additional attempts after the first.
	Retries int

	// Fallback, when set, replaces the error with its own result.
	Fallback func(err *ClassifiedError) (T, error)

	// Silent suppresses the notifier. The failure is still recorded and returned.
	Silent bool

	// ShouldRetry narrows which errors are retried. Permanent errors are never
	// retried regardless.
	ShouldRetry func(err error) bool
}

// Boundary is the shared error boundary for one pipeline.
type Boundary struct {
	baseDelay time.Duration
	logger    *zap.Logger
	notifier  Notifier

	mu         sync.Mutex
	history    []*ClassifiedError
	historyMax int
	strategies [kindCount]Strategy
}

// New creates a Boundary, applying defaults for zero config values.
func New(cfg Config) *Boundary {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Boundary{
		baseDelay:  cfg.BaseDelay,
		logger:     cfg.Logger,
		notifier:   cfg.Notifier,
		historyMax: cfg.HistorySize,
	}
}

// Register installs the recovery strategy for kind, replacing any previous one.
func (b *Boundary) Register(kind Kind, s Strategy) {
	if kind < 0 || kind >= kindCount {
		return
	}
	b.mu.Lock()
	b.strategies[kind] = s
	b.mu.Unlock()
}

// Backoff returns the wait before retry number attempt (0-based).
func (b *Boundary) Backoff(attempt int) time.Duration {
	return b.baseDelay << uint(attempt)
}

// Run executes op through the boundary b.
func Run[T any](ctx context.Context, b *Boundary, module string, op func(ctx context.Context) (T, error), opts Options[T]) (T, error) {
	var zero T
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		attempts++
		result, err := safeCall(ctx, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == opts.Retries || !b.retryable(ctx, err, opts.ShouldRetry) {
			break
		}

		wait := b.Backoff(attempt)
		b.logger.Debug("retrying operation",
			zap.String("module", module),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		if err := sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	classified := &ClassifiedError{
		Kind:      Classify(module, lastErr),
		Module:    module,
		Attempts:  attempts,
		Timestamp: time.Now(),
		Err:       lastErr,
	}
	b.record(classified)

	if classified.Recoverable() {
		b.logger.Warn("operation failed", zap.String("module", module), zap.Stringer("kind", classified.Kind), zap.Error(lastErr))
	} else {
		b.logger.Error("operation failed", zap.String("module", module), zap.Stringer("kind", classified.Kind), zap.Error(lastErr))
	}
	if !opts.Silent && b.notifier != nil {
		b.notifier(classified)
	}

	if opts.Fallback != nil {
		return opts.Fallback(classified)
	}

	if s := b.strategy(classified.Kind); s != nil {
		s(ctx, classified)
	}
	return zero, classified
}

func (b *Boundary) retryable(ctx context.Context, err error, shouldRetry func(error) bool) bool {
	if ctx.Err() != nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if shouldRetry != nil {
		return shouldRetry(err)
	}
	return true
}

func (b *Boundary) strategy(kind Kind) Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategies[kind]
}

func (b *Boundary) record(err *ClassifiedError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, err)
	if over := len(b.history) - b.historyMax; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
}

// History returns the retained failures, oldest first.
func (b *Boundary) History() []*ClassifiedError {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ClassifiedError, len(b.history))
	copy(out, b.history)
	return out
}

// Counts returns the number of retained failures per kind code.
func (b *Boundary) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range b.history {
		counts[e.Kind.String()]++
	}
	return counts
}

// ClearHistory drops all retained failures.
func (b *Boundary) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

func safeCall[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return op(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Xianyu39/SqueezeLM/internal/observability"
)

// ErrCostExceedsLimit marks a request whose cost can never fit a window.
// Waiting would block forever, so Acquire fails fast instead.
var ErrCostExceedsLimit = errors.New("cost exceeds window limit")

type Dimension string

const (
	DimRequests Dimension = "requests"
	DimTokens   Dimension = "tokens"
)

// Window is one enforced rate limit: at most Limit units of the given
// dimension within any span of Duration.
type Window struct {
	Name      string
	Dimension Dimension
	Limit     int64
	Duration  time.Duration
}

// Cost is the budget a single attempt consumes across all dimensions.
type Cost struct {
	Requests int64
	Tokens   int64
}

func (c Cost) amount(d Dimension) int64 {
	switch d {
	case DimTokens:
		return c.Tokens
	default:
		return c.Requests
	}
}

// ReconcileMode selects how post-attempt true-cost corrections affect
// window accounting.
type ReconcileMode string

const (
	// ReconcileAppend commits positive deltas as new records and trims
	// recent records for negative ones.
	ReconcileAppend ReconcileMode = "append"
	// ReconcileIgnore keeps the original estimates.
	ReconcileIgnore ReconcileMode = "ignore"
)

type record struct {
	at     time.Time
	amount int64
}

type window struct {
	cfg     Window
	records []record
}

func (w *window) expire(now time.Time) {
	cutoff := now.Add(-w.cfg.Duration)
	i := 0
	for i < len(w.records) && (!w.records[i].at.After(cutoff) || w.records[i].amount == 0) {
		i++
	}
	if i > 0 {
		w.records = append(w.records[:0], w.records[i:]...)
	}
}

func (w *window) consumed() int64 {
	var total int64
	for _, r := range w.records {
		total += r.amount
	}
	return total
}

// availableIn reports how long until amount fits: zero when it fits now,
// otherwise the delay until enough of the oldest records expire.
func (w *window) availableIn(now time.Time, amount int64) time.Duration {
	total := w.consumed()
	if total+amount <= w.cfg.Limit {
		return 0
	}
	var freed int64
	for _, r := range w.records {
		freed += r.amount
		if total-freed+amount <= w.cfg.Limit {
			return r.at.Add(w.cfg.Duration).Sub(now)
		}
	}
	return w.cfg.Duration
}

func (w *window) commit(now time.Time, amount int64) {
	w.records = append(w.records, record{at: now, amount: amount})
}

// forgive removes amount from the most recent records, never below zero.
func (w *window) forgive(amount int64) {
	for i := len(w.records) - 1; i >= 0 && amount > 0; i-- {
		r := &w.records[i]
		if r.amount > amount {
			r.amount -= amount
			return
		}
		amount -= r.amount
		r.amount = 0
	}
}

// Options carry the injectable time source so tests can run a limiter
// against a fake clock.
type Options struct {
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
	ReconcileMode ReconcileMode
	Metrics       *observability.Registry
}

// Limiter enforces one or more windows conjunctively: a permit is granted
// only when every window has room, and every check-and-commit runs under a
// single mutex.
type Limiter struct {
	mu        sync.Mutex
	windows   []*window
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	reconcile ReconcileMode
	metrics   *observability.Registry
}

func New(windows []Window, opts Options) (*Limiter, error) {
	if len(windows) == 0 {
		return nil, errors.New("at least one rate window is required")
	}
	ws := make([]*window, 0, len(windows))
	for _, cfg := range windows {
		if cfg.Limit <= 0 {
			return nil, fmt.Errorf("window %q: limit must be positive, got %d", cfg.Name, cfg.Limit)
		}
		if cfg.Duration <= 0 {
			return nil, fmt.Errorf("window %q: duration must be positive, got %s", cfg.Name, cfg.Duration)
		}
		if cfg.Dimension == "" {
			cfg.Dimension = DimRequests
		}
		ws = append(ws, &window{cfg: cfg})
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	mode := opts.ReconcileMode
	if mode == "" {
		mode = ReconcileAppend
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Default
	}
	return &Limiter{windows: ws, now: now, sleep: sleep, reconcile: mode, metrics: metrics}, nil
}

// Acquire blocks until every window can absorb cost, then commits it. It
// returns early with the context error on cancellation, and with
// ErrCostExceedsLimit when cost can never fit.
func (l *Limiter) Acquire(ctx context.Context, cost Cost) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, err := l.tryAcquire(cost)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		l.metrics.IncCounter("ratelimit_waits_total", nil, 1)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) tryAcquire(cost Cost) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var wait time.Duration
	for _, w := range l.windows {
		amount := cost.amount(w.cfg.Dimension)
		if amount <= 0 {
			continue
		}
		if amount > w.cfg.Limit {
			return 0, fmt.Errorf("window %q: %w: need %d, limit %d", w.cfg.Name, ErrCostExceedsLimit, amount, w.cfg.Limit)
		}
		w.expire(now)
		if d := w.availableIn(now, amount); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait, nil
	}
	for _, w := range l.windows {
		if amount := cost.amount(w.cfg.Dimension); amount > 0 {
			w.commit(now, amount)
		}
	}
	return 0, nil
}

// Reconcile corrects window accounting after an attempt whose actual cost
// differed from the estimate committed by Acquire.
func (l *Limiter) Reconcile(estimated, actual Cost) {
	if l.reconcile == ReconcileIgnore {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, w := range l.windows {
		delta := actual.amount(w.cfg.Dimension) - estimated.amount(w.cfg.Dimension)
		switch {
		case delta > 0:
			w.commit(now, delta)
		case delta < 0:
			w.forgive(-delta)
		}
	}
}

// WindowUsage is a point-in-time view of one window's budget.
type WindowUsage struct {
	Name     string        `json:"name"`
	Limit    int64         `json:"limit"`
	Consumed int64         `json:"consumed"`
	Duration time.Duration `json:"duration"`
}

func (l *Limiter) Usage() []WindowUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]WindowUsage, 0, len(l.windows))
	for _, w := range l.windows {
		w.expire(now)
		out = append(out, WindowUsage{
			Name:     w.cfg.Name,
			Limit:    w.cfg.Limit,
			Consumed: w.consumed(),
			Duration: w.cfg.Duration,
		})
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

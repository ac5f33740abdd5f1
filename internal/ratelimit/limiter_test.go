package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter without wall-clock sleeps: Sleep advances
// virtual time and records each wait.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) waitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

func newTestLimiter(t *testing.T, clock *fakeClock, windows ...Window) *Limiter {
	t.Helper()
	l, err := New(windows, Options{Now: clock.Now, Sleep: clock.Sleep})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l
}

func TestAcquireWithinLimitNeverWaits(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "rpm", Limit: 3, Duration: time.Second})

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), Cost{Requests: 1}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.waitCount() != 0 {
		t.Fatalf("expected no waits within limit, got %v", clock.waits)
	}
}

func TestAcquireWaitsUntilOldestRecordExpires(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "rpm", Limit: 3, Duration: time.Second})

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), Cost{Requests: 1}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire(context.Background(), Cost{Requests: 1}); err != nil {
		t.Fatalf("fourth acquire: %v", err)
	}
	if clock.waitCount() == 0 {
		t.Fatalf("expected the fourth acquire to wait")
	}
	if got := clock.waits[0]; got != time.Second {
		t.Fatalf("expected wait of 1s until the oldest record expires, got %s", got)
	}
}

func TestAcquireConjunctiveWindowsUseMaxWait(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock,
		Window{Name: "requests", Dimension: DimRequests, Limit: 100, Duration: time.Second},
		Window{Name: "tokens", Dimension: DimTokens, Limit: 1000, Duration: time.Minute},
	)

	if err := l.Acquire(context.Background(), Cost{Requests: 1, Tokens: 1000}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Requests window is roomy; the token window dictates the wait.
	if err := l.Acquire(context.Background(), Cost{Requests: 1, Tokens: 500}); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if clock.waitCount() == 0 {
		t.Fatalf("expected a wait driven by the token window")
	}
	if got := clock.waits[0]; got != time.Minute {
		t.Fatalf("expected 1m wait from token window, got %s", got)
	}
}

func TestAcquireCostExceedingLimitFailsFast(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "tokens", Dimension: DimTokens, Limit: 100, Duration: time.Minute})

	err := l.Acquire(context.Background(), Cost{Requests: 1, Tokens: 101})
	if !errors.Is(err, ErrCostExceedsLimit) {
		t.Fatalf("expected ErrCostExceedsLimit, got %v", err)
	}
	if clock.waitCount() != 0 {
		t.Fatalf("oversized cost must not wait, got %v", clock.waits)
	}
}

func TestAcquireCancelledDuringWait(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "rpm", Limit: 1, Duration: time.Hour})

	if err := l.Acquire(context.Background(), Cost{Requests: 1}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, Cost{Requests: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReconcileAppendsPositiveDelta(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "tokens", Dimension: DimTokens, Limit: 1000, Duration: time.Minute})

	est := Cost{Requests: 1, Tokens: 100}
	if err := l.Acquire(context.Background(), est); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Reconcile(est, Cost{Requests: 1, Tokens: 400})

	usage := l.Usage()
	if len(usage) != 1 || usage[0].Consumed != 400 {
		t.Fatalf("expected 400 tokens consumed after reconcile, got %+v", usage)
	}
}

func TestReconcileForgivesOverEstimate(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, Window{Name: "tokens", Dimension: DimTokens, Limit: 1000, Duration: time.Minute})

	est := Cost{Requests: 1, Tokens: 500}
	if err := l.Acquire(context.Background(), est); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Reconcile(est, Cost{Requests: 1, Tokens: 120})

	usage := l.Usage()
	if len(usage) != 1 || usage[0].Consumed != 120 {
		t.Fatalf("expected 120 tokens consumed after forgiveness, got %+v", usage)
	}
}

func TestReconcileIgnoreModeKeepsEstimate(t *testing.T) {
	clock := newFakeClock()
	l, err := New(
		[]Window{{Name: "tokens", Dimension: DimTokens, Limit: 1000, Duration: time.Minute}},
		Options{Now: clock.Now, Sleep: clock.Sleep, ReconcileMode: ReconcileIgnore},
	)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	est := Cost{Tokens: 300}
	if err := l.Acquire(context.Background(), est); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Reconcile(est, Cost{Tokens: 900})
	if usage := l.Usage(); usage[0].Consumed != 300 {
		t.Fatalf("ignore mode must keep the estimate, got %+v", usage)
	}
}

func TestConcurrentAcquiresNeverOverGrant(t *testing.T) {
	l, err := New([]Window{{Name: "rpm", Limit: 50, Duration: time.Hour}}, Options{})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	granted := make(chan struct{}, 128)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(ctx, Cost{Requests: 1}) == nil {
				granted <- struct{}{}
			}
		}()
	}
	// Give every goroutine a chance to pass the immediate-grant path.
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 50 {
		t.Fatalf("expected exactly 50 grants within the window, got %d", count)
	}
	if usage := l.Usage(); usage[0].Consumed != 50 {
		t.Fatalf("expected 50 consumed, got %+v", usage)
	}
}

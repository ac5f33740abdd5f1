package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

// Kind classifies an attempt failure for retry purposes.
type Kind string

const (
	// KindRateLimited means the provider signaled throttling (429).
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers timeouts, connection errors and 5xx responses.
	KindTransient Kind = "transient"
	// KindFatal covers malformed requests and non-retryable 4xx responses.
	KindFatal Kind = "fatal"
	// KindCancelled means the caller's context was cancelled.
	KindCancelled Kind = "cancelled"
)

// ClassifiedError is a terminal or retryable attempt failure with its kind
// and, for HTTP failures, the status code.
type ClassifiedError struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return string(e.Kind) + ": status " + http.StatusText(e.StatusCode) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Classify maps a transport error or an HTTP status code to a Kind. The
// retryable status set matches what OpenAI-compatible providers return for
// throttling and transient overload: 429, 500, 502, 503, 504 (plus 408).
func Classify(statusCode int, err error) Kind {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return KindCancelled
		case errors.Is(err, context.DeadlineExceeded):
			return KindTransient
		}
		var ne net.Error
		if errors.As(err, &ne) {
			return KindTransient
		}
		return KindTransient
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return KindTransient
	case statusCode >= 500:
		return KindTransient
	case statusCode >= 400:
		return KindFatal
	}
	return KindFatal
}

// Policy decides whether and when a failed attempt is retried. Backoff is
// base * 2^(attempt-1) clamped to MaxDelay, plus jitter in [0, base).
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	PreferRetryAfter bool

	mu  sync.Mutex
	rng *rand.Rand
}

type PolicyOptions struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	PreferRetryAfter *bool
	Seed             int64
}

func NewPolicy(opts PolicyOptions) *Policy {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := opts.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < base {
		max = base
	}
	prefer := true
	if opts.PreferRetryAfter != nil {
		prefer = *opts.PreferRetryAfter
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		MaxAttempts:      maxAttempts,
		BaseDelay:        base,
		MaxDelay:         max,
		PreferRetryAfter: prefer,
		rng:              rand.New(rand.NewSource(seed)),
	}
}

// Decide returns the delay before the next attempt and whether to retry at
// all. attempt is the number of the attempt that just failed, starting at 1.
// retryAfter carries the provider's retry-after hint, zero when absent.
func (p *Policy) Decide(kind Kind, attempt int, retryAfter time.Duration) (time.Duration, bool) {
	switch kind {
	case KindFatal, KindCancelled:
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	if kind == KindRateLimited && p.PreferRetryAfter && retryAfter > 0 {
		return retryAfter, true
	}
	return p.Backoff(attempt), true
}

// Backoff computes the jittered exponential delay after the given attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return d + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(p.BaseDelay)))
}

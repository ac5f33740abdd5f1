package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Xianyu39/SqueezeLM/internal/observability"
	"github.com/Xianyu39/SqueezeLM/internal/ratelimit"
	"github.com/Xianyu39/SqueezeLM/internal/retry"
	"github.com/Xianyu39/SqueezeLM/pkg/llmapi"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one logical unit of inference work. It is immutable once built.
type Job struct {
	ID              string
	Method          string
	Path            string
	Body            json.RawMessage
	EstimatedTokens int64
	Metadata        map[string]string
}

// Result is the terminal outcome for a Job. Response is set iff the status
// is success; Err is set iff it is failed.
type Result struct {
	JobID    string
	Status   Status
	Response json.RawMessage
	Usage    *llmapi.Usage
	Err      *retry.ClassifiedError
	Attempts int
}

type Options struct {
	BaseURL        string
	APIKey         string
	AttemptTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        *observability.Registry
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Client owns the physical round-trip for one attempt: permit, HTTP call,
// outcome classification, retry decision.
type Client struct {
	baseURL        string
	apiKey         string
	limiter        *ratelimit.Limiter
	policy         *retry.Policy
	httpClient     *http.Client
	attemptTimeout time.Duration
	metrics        *observability.Registry
	sleep          func(ctx context.Context, d time.Duration) error
}

func New(limiter *ratelimit.Limiter, policy *retry.Policy, opts Options) (*Client, error) {
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Default
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		baseURL:        base,
		apiKey:         strings.TrimSpace(opts.APIKey),
		limiter:        limiter,
		policy:         policy,
		httpClient:     hc,
		attemptTimeout: timeout,
		metrics:        metrics,
		sleep:          sleep,
	}, nil
}

type drainKey struct{}

// WithDrainSignal marks ctx for drain shutdown: ctx itself stays live so
// the in-flight attempt can finish, while done signals that no new rate
// wait, backoff, or attempt may start.
func WithDrainSignal(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, drainKey{}, done)
}

func drainSignal(ctx context.Context) <-chan struct{} {
	done, _ := ctx.Value(drainKey{}).(<-chan struct{})
	return done
}

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Execute runs the attempt loop for one job until a terminal Result. When
// ctx carries a drain signal, a fired signal lets the in-flight attempt
// finish but stops any further rate wait, backoff, or attempt.
func (c *Client) Execute(ctx context.Context, job Job) Result {
	ctx, span := observability.StartSpan(ctx, "llmclient.execute",
		attribute.String("job.id", job.ID),
	)
	defer span.End()

	// waitCtx governs rate waits and backoff sleeps; ctx governs the
	// attempts themselves. They differ only under a drain signal.
	stop := drainSignal(ctx)
	waitCtx := ctx
	if stop != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	estimate := ratelimit.Cost{Requests: 1, Tokens: c.estimateTokens(job)}
	for attempt := 1; ; attempt++ {
		if stopRequested(stop) {
			return c.terminal(job, StatusCancelled, attempt-1, nil, nil, nil)
		}
		if err := c.limiter.Acquire(waitCtx, estimate); err != nil {
			if errors.Is(err, ratelimit.ErrCostExceedsLimit) {
				return c.terminal(job, StatusFailed, attempt-1, nil, nil,
					&retry.ClassifiedError{Kind: retry.KindFatal, Message: err.Error()})
			}
			return c.terminal(job, StatusCancelled, attempt-1, nil, nil, nil)
		}

		resp, usage, retryAfter, cerr := c.attempt(ctx, job)
		if usage != nil {
			actual := estimate
			actual.Tokens = int64(usage.TotalTokens)
			c.limiter.Reconcile(estimate, actual)
		}
		if cerr == nil {
			return c.terminal(job, StatusSuccess, attempt, resp, usage, nil)
		}
		if cerr.Kind == retry.KindCancelled || waitCtx.Err() != nil || stopRequested(stop) {
			return c.terminal(job, StatusCancelled, attempt, nil, nil, nil)
		}

		delay, ok := c.policy.Decide(cerr.Kind, attempt, retryAfter)
		if !ok {
			return c.terminal(job, StatusFailed, attempt, nil, nil, cerr)
		}
		c.metrics.IncCounter("request_retries_total", map[string]string{"kind": string(cerr.Kind)}, 1)
		if err := c.sleep(waitCtx, delay); err != nil {
			return c.terminal(job, StatusCancelled, attempt, nil, nil, nil)
		}
	}
}

func (c *Client) terminal(job Job, status Status, attempts int, resp json.RawMessage, usage *llmapi.Usage, cerr *retry.ClassifiedError) Result {
	c.metrics.IncCounter("requests_total", map[string]string{"status": string(status)}, 1)
	return Result{
		JobID:    job.ID,
		Status:   status,
		Response: resp,
		Usage:    usage,
		Err:      cerr,
		Attempts: attempts,
	}
}

// attempt performs one HTTP round-trip under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, job Job) (json.RawMessage, *llmapi.Usage, time.Duration, *retry.ClassifiedError) {
	method := job.Method
	if method == "" {
		method = llmapi.DefaultMethod
	}
	path := job.Path
	if path == "" {
		path = llmapi.DefaultPath
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, bytes.NewReader(job.Body))
	if err != nil {
		return nil, nil, 0, &retry.ClassifiedError{Kind: retry.KindFatal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveDuration("request_duration", nil, time.Since(started))
	if err != nil {
		kind := retry.Classify(0, err)
		if ctx.Err() != nil {
			kind = retry.KindCancelled
		}
		return nil, nil, 0, &retry.ClassifiedError{Kind: kind, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), &retry.ClassifiedError{
			Kind:       retry.Classify(resp.StatusCode, nil),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, &retry.ClassifiedError{Kind: retry.Classify(0, err), Message: err.Error()}
	}
	var envelope struct {
		Usage *llmapi.Usage `json:"usage"`
	}
	_ = json.Unmarshal(body, &envelope)
	return body, envelope.Usage, 0, nil
}

// estimateTokens sizes the rate permit before the true usage is known:
// the explicit estimate when set, otherwise max_tokens plus a chars/4
// heuristic over the request body.
func (c *Client) estimateTokens(job Job) int64 {
	if job.EstimatedTokens > 0 {
		return job.EstimatedTokens
	}
	var req struct {
		MaxTokens int              `json:"max_tokens"`
		Messages  []llmapi.Message `json:"messages"`
	}
	if err := json.Unmarshal(job.Body, &req); err != nil {
		return 1
	}
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := int64(req.MaxTokens) + int64(chars/4)
	if est <= 0 {
		est = 1
	}
	return est
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Xianyu39/SqueezeLM/internal/llmclient"
	"github.com/Xianyu39/SqueezeLM/internal/observability"
)

// Executor runs one job to a terminal result. *llmclient.Client satisfies
// it; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, job llmclient.Job) llmclient.Result
}

type ShutdownMode string

const (
	// Drain lets the in-flight attempt finish after cancellation; rate
	// waits, backoffs, and further attempts still stop immediately.
	Drain ShutdownMode = "drain"
	// Abort cancels in-flight attempts immediately.
	Abort ShutdownMode = "abort"
)

type Options struct {
	Concurrency  int
	ResultBuffer int
	ShutdownMode ShutdownMode
	Metrics      *observability.Registry
}

// Pool dispatches jobs to at most Concurrency concurrent executor calls.
// Jobs are pulled from the caller's channel, so a slow pool blocks the
// producer instead of buffering without bound.
type Pool struct {
	exec     Executor
	opts     Options
	inflight atomic.Int64
}

func New(exec Executor, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = opts.Concurrency
	}
	if opts.ShutdownMode == "" {
		opts.ShutdownMode = Drain
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Default
	}
	return &Pool{exec: exec, opts: opts}
}

// Run consumes jobs until the channel closes or ctx is cancelled, and
// returns the result stream. Completion order is not the dispatch order;
// every result carries its job ID. The returned channel closes once all
// workers have exited.
func (p *Pool) Run(ctx context.Context, jobs <-chan llmclient.Job) <-chan llmclient.Result {
	results := make(chan llmclient.Result, p.opts.ResultBuffer)

	execCtx := ctx
	if p.opts.ShutdownMode == Drain {
		execCtx = llmclient.WithDrainSignal(context.WithoutCancel(ctx), ctx.Done())
	}

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					// The select races ctx.Done against a buffered job;
					// a pulled job must still not start after shutdown.
					if ctx.Err() != nil {
						results <- llmclient.Result{JobID: job.ID, Status: llmclient.StatusCancelled}
						continue
					}
					p.opts.Metrics.SetGauge("inflight_jobs", nil, float64(p.inflight.Add(1)))
					res := p.exec.Execute(execCtx, job)
					p.opts.Metrics.SetGauge("inflight_jobs", nil, float64(p.inflight.Add(-1)))
					results <- res
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// Inflight reports the number of jobs currently being executed.
func (p *Pool) Inflight() int {
	return int(p.inflight.Load())
}

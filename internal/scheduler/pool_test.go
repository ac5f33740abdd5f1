package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Xianyu39/SqueezeLM/internal/llmclient"
)

type funcExecutor func(ctx context.Context, job llmclient.Job) llmclient.Result

func (f funcExecutor) Execute(ctx context.Context, job llmclient.Job) llmclient.Result {
	return f(ctx, job)
}

func feedJobs(n int) chan llmclient.Job {
	jobs := make(chan llmclient.Job)
	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			jobs <- llmclient.Job{ID: fmt.Sprintf("job-%d", i)}
		}
	}()
	return jobs
}

func TestRunBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	exec := funcExecutor(func(_ context.Context, job llmclient.Job) llmclient.Result {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
	})

	pool := New(exec, Options{Concurrency: 3})
	results := pool.Run(context.Background(), feedJobs(20))

	seen := map[string]bool{}
	for res := range results {
		seen[res.JobID] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct results, got %d", len(seen))
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("concurrency bound violated: peak %d workers", p)
	}
}

func TestRunClosesResultsAfterChannelDrains(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, job llmclient.Job) llmclient.Result {
		return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
	})
	pool := New(exec, Options{Concurrency: 2})
	results := pool.Run(context.Background(), feedJobs(5))

	var n int
	for range results {
		n++
	}
	if n != 5 {
		t.Fatalf("expected 5 results before close, got %d", n)
	}
	if _, ok := <-results; ok {
		t.Fatal("results channel must be closed after workers exit")
	}
}

func TestRunStopsAcceptingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 16)
	exec := funcExecutor(func(_ context.Context, job llmclient.Job) llmclient.Result {
		started <- struct{}{}
		time.Sleep(10 * time.Millisecond)
		return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
	})

	jobs := make(chan llmclient.Job)
	pool := New(exec, Options{Concurrency: 2, ResultBuffer: 16})
	results := pool.Run(ctx, jobs)

	jobs <- llmclient.Job{ID: "a"}
	jobs <- llmclient.Job{ID: "b"}
	<-started
	<-started
	cancel()

	var n int
	for range results {
		n++
	}
	if n != 2 {
		t.Fatalf("expected only the 2 in-flight jobs to finish, got %d", n)
	}
}

func TestRunSkipsBufferedJobsAfterCancel(t *testing.T) {
	var executed atomic.Int64
	exec := funcExecutor(func(_ context.Context, job llmclient.Job) llmclient.Result {
		executed.Add(1)
		return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
	})

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		jobs := make(chan llmclient.Job, 8)
		for j := 0; j < 8; j++ {
			jobs <- llmclient.Job{ID: fmt.Sprintf("job-%d", j)}
		}
		close(jobs)
		cancel()

		pool := New(exec, Options{Concurrency: 4, ResultBuffer: 16})
		for res := range pool.Run(ctx, jobs) {
			if res.Status != llmclient.StatusCancelled {
				t.Fatalf("job %s ran after cancellation with status %s", res.JobID, res.Status)
			}
		}
	}
	if n := executed.Load(); n != 0 {
		t.Fatalf("%d buffered jobs dispatched after cancellation", n)
	}
}

func TestRunDrainModeShieldsInflightFromCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	exec := funcExecutor(func(execCtx context.Context, job llmclient.Job) llmclient.Result {
		close(started)
		select {
		case <-execCtx.Done():
			return llmclient.Result{JobID: job.ID, Status: llmclient.StatusCancelled}
		case <-time.After(30 * time.Millisecond):
			return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
		}
	})

	jobs := make(chan llmclient.Job, 1)
	jobs <- llmclient.Job{ID: "slow"}
	close(jobs)

	pool := New(exec, Options{Concurrency: 1, ShutdownMode: Drain})
	results := pool.Run(ctx, jobs)
	<-started
	cancel()

	res, ok := <-results
	if !ok {
		t.Fatal("expected a result for the in-flight job")
	}
	if res.Status != llmclient.StatusSuccess {
		t.Fatalf("drain mode must let the in-flight attempt finish, got %s", res.Status)
	}
}

func TestRunAbortModeCancelsInflight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	exec := funcExecutor(func(execCtx context.Context, job llmclient.Job) llmclient.Result {
		close(started)
		select {
		case <-execCtx.Done():
			return llmclient.Result{JobID: job.ID, Status: llmclient.StatusCancelled}
		case <-time.After(time.Second):
			return llmclient.Result{JobID: job.ID, Status: llmclient.StatusSuccess}
		}
	})

	jobs := make(chan llmclient.Job, 1)
	jobs <- llmclient.Job{ID: "doomed"}
	close(jobs)

	pool := New(exec, Options{Concurrency: 1, ShutdownMode: Abort})
	results := pool.Run(ctx, jobs)
	<-started
	cancel()

	res, ok := <-results
	if !ok {
		t.Fatal("expected a result for the aborted job")
	}
	if res.Status != llmclient.StatusCancelled {
		t.Fatalf("abort mode must cancel the in-flight attempt, got %s", res.Status)
	}
}

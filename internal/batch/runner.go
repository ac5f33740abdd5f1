package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Xianyu39/SqueezeLM/internal/llmclient"
	"github.com/Xianyu39/SqueezeLM/internal/observability"
	"github.com/Xianyu39/SqueezeLM/internal/progress"
	"github.com/Xianyu39/SqueezeLM/internal/retry"
	"github.com/Xianyu39/SqueezeLM/internal/scheduler"
	"github.com/Xianyu39/SqueezeLM/pkg/llmapi"
)

// Summary reports the terminal state of a batch run. Skipped counts jobs
// whose results were already recorded by a previous run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

type Options struct {
	InputPath          string
	OutputPath         string
	FeedBuffer         int
	CheckpointEvery    int
	CheckpointInterval time.Duration
	Metrics            *observability.Registry
}

// Runner reads an ordered JSONL job source, feeds the pool, and writes
// results to an append-only JSONL sink tagged by original position. Only
// the runner's consume loop touches the sink and the progress store.
type Runner struct {
	pool  *scheduler.Pool
	store progress.Store
	opts  Options

	mu   sync.Mutex
	live Summary
}

func NewRunner(pool *scheduler.Pool, store progress.Store, opts Options) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("scheduler pool is required")
	}
	if store == nil {
		return nil, errors.New("progress store is required")
	}
	if opts.InputPath == "" || opts.OutputPath == "" {
		return nil, errors.New("input and output paths are required")
	}
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = 8
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 32
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Default
	}
	return &Runner{pool: pool, store: store, opts: opts}, nil
}

type entry struct {
	position int
	id       string
	job      llmclient.Job
	parseErr error
}

// Run executes the whole batch. Job failures are recorded and never abort
// the run; infrastructure failures (unreadable source, unwritable sink or
// checkpoint) do, with the offending position in the error.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()
	ctx, span := observability.StartSpan(ctx, "batch.run",
		attribute.String("run.id", runID),
		attribute.String("input", r.opts.InputPath),
	)
	defer span.End()
	started := time.Now()

	if err := r.store.Load(ctx); err != nil {
		return Summary{RunID: runID}, err
	}
	entries, err := readEntries(r.opts.InputPath)
	if err != nil {
		return Summary{RunID: runID}, err
	}

	out, err := os.OpenFile(r.opts.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Summary{RunID: runID}, fmt.Errorf("open output %s: %w", r.opts.OutputPath, err)
	}
	defer out.Close()

	summary := Summary{RunID: runID, Total: len(entries)}
	pending := make([]entry, 0, len(entries))
	for _, e := range entries {
		if r.store.Completed(e.id) {
			summary.Skipped++
			continue
		}
		if e.parseErr != nil {
			// Malformed records are terminal without an attempt.
			line := llmapi.ResultLine{
				ID:     e.id,
				Status: string(llmclient.StatusFailed),
				Error:  &llmapi.ErrorDetail{Kind: string(retry.KindFatal), Message: e.parseErr.Error()},
			}
			if err := writeLine(out, line); err != nil {
				return summary, fmt.Errorf("write result for line %d: %w", e.position, err)
			}
			r.store.MarkCompleted(e.id)
			summary.Failed++
			continue
		}
		pending = append(pending, e)
	}
	r.setLive(summary)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	jobs := make(chan llmclient.Job, r.opts.FeedBuffer)
	results := r.pool.Run(runCtx, jobs)
	go func() {
		defer close(jobs)
		for _, e := range pending {
			select {
			case jobs <- e.job:
			case <-runCtx.Done():
				return
			}
		}
	}()

	// fail stops the pool and drains its results so no worker is left
	// blocked on the results channel after Run returns.
	fail := func(err error) (Summary, error) {
		cancelRun()
		for range results {
		}
		return summary, err
	}

	ticker := time.NewTicker(r.opts.CheckpointInterval)
	defer ticker.Stop()
	sinceCheckpoint := 0
	flush := func() error {
		if err := r.store.Flush(ctx); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		sinceCheckpoint = 0
		return nil
	}

	for {
		select {
		case res, ok := <-results:
			if !ok {
				if err := flush(); err != nil {
					return summary, err
				}
				summary.Duration = time.Since(started)
				r.setLive(summary)
				span.SetAttributes(attribute.Int("results.succeeded", summary.Succeeded))
				if err := ctx.Err(); err != nil && summary.done() < summary.Total {
					return summary, fmt.Errorf("batch interrupted after %d of %d jobs: %w", summary.done(), summary.Total, err)
				}
				return summary, nil
			}
			if err := r.record(out, res, &summary); err != nil {
				return fail(err)
			}
			sinceCheckpoint++
			if sinceCheckpoint >= r.opts.CheckpointEvery {
				if err := flush(); err != nil {
					return fail(err)
				}
			}
			r.setLive(summary)
		case <-ticker.C:
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}
}

func (s Summary) done() int {
	return s.Succeeded + s.Failed + s.Cancelled + s.Skipped
}

func (r *Runner) record(out *os.File, res llmclient.Result, summary *Summary) error {
	line := llmapi.ResultLine{
		ID:       res.JobID,
		Status:   string(res.Status),
		Response: res.Response,
		Usage:    res.Usage,
		Attempts: res.Attempts,
	}
	if res.Err != nil {
		line.Error = &llmapi.ErrorDetail{Kind: string(res.Err.Kind), Message: res.Err.Message}
	}
	if err := writeLine(out, line); err != nil {
		return fmt.Errorf("write result %s: %w", res.JobID, err)
	}
	switch res.Status {
	case llmclient.StatusSuccess:
		summary.Succeeded++
		r.store.MarkCompleted(res.JobID)
	case llmclient.StatusFailed:
		summary.Failed++
		r.store.MarkCompleted(res.JobID)
	case llmclient.StatusCancelled:
		// Left out of the checkpoint so a resumed run retries it.
		summary.Cancelled++
	}
	r.opts.Metrics.IncCounter("batch_results_total", map[string]string{"status": string(res.Status)}, 1)
	return nil
}

func (r *Runner) setLive(s Summary) {
	r.mu.Lock()
	r.live = s
	r.mu.Unlock()
}

// Progress returns a snapshot of the running batch for the status surface.
func (r *Runner) Progress() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func writeLine(out *os.File, line llmapi.ResultLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if _, err := out.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// readEntries loads and identifies every input record. IDs come from the
// record's custom_id, or the zero-padded line position when absent, so
// lexicographic ID order matches input order for generated IDs.
func readEntries(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job source %s: %w", path, err)
	}
	defer f.Close()

	entries := make([]entry, 0, 256)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	position := 0
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		e := entry{position: position}
		var line llmapi.RequestLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			e.id = positionID(position)
			e.parseErr = fmt.Errorf("line %d: invalid JSON: %w", position, err)
		} else {
			e.id = line.CustomID
			if e.id == "" {
				e.id = positionID(position)
			}
			if len(line.Body) == 0 {
				e.parseErr = fmt.Errorf("line %d: missing body", position)
			} else {
				e.job = llmclient.Job{
					ID:       e.id,
					Method:   line.Method,
					Path:     line.URL,
					Body:     line.Body,
					Metadata: map[string]string{"position": fmt.Sprintf("%d", position)},
				}
			}
		}
		entries = append(entries, e)
		position++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read job source %s at line %d: %w", path, position, err)
	}
	if len(entries) == 0 {
		log.Printf("job source %s is empty", path)
	}
	return entries, nil
}

func positionID(position int) string {
	return fmt.Sprintf("line-%06d", position)
}

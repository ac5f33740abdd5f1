package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Xianyu39/SqueezeLM/internal/artifact"
	"github.com/Xianyu39/SqueezeLM/internal/batch"
	"github.com/Xianyu39/SqueezeLM/internal/config"
	"github.com/Xianyu39/SqueezeLM/internal/llmclient"
	"github.com/Xianyu39/SqueezeLM/internal/observability"
	"github.com/Xianyu39/SqueezeLM/internal/progress"
	"github.com/Xianyu39/SqueezeLM/internal/ratelimit"
	"github.com/Xianyu39/SqueezeLM/internal/retry"
	"github.com/Xianyu39/SqueezeLM/internal/scheduler"
	"github.com/Xianyu39/SqueezeLM/internal/statusapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("squeeze-batch")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	limiter, err := ratelimit.New(cfg.RateWindows, ratelimit.Options{ReconcileMode: cfg.ReconcileMode})
	if err != nil {
		log.Fatalf("configure rate limiter: %v", err)
	}
	policy := retry.NewPolicy(retry.PolicyOptions{
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BackoffBase,
		MaxDelay:         cfg.BackoffMax,
		PreferRetryAfter: &cfg.PreferRetryAfter,
	})
	client, err := llmclient.New(limiter, policy, llmclient.Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		AttemptTimeout: cfg.AttemptTimeout,
	})
	if err != nil {
		log.Fatalf("configure client: %v", err)
	}
	pool := scheduler.New(client, scheduler.Options{Concurrency: cfg.Concurrency, ShutdownMode: cfg.ShutdownMode})
	store, err := progress.NewFileStore(cfg.CheckpointPath)
	if err != nil {
		log.Fatalf("configure checkpoint store: %v", err)
	}
	runner, err := batch.NewRunner(pool, store, batch.Options{
		InputPath:          cfg.InputPath,
		OutputPath:         cfg.OutputPath,
		CheckpointEvery:    cfg.CheckpointEvery,
		CheckpointInterval: cfg.CheckpointInterval,
	})
	if err != nil {
		log.Fatalf("configure batch runner: %v", err)
	}

	if cfg.StatusAddr != "" {
		status := statusapi.New(cfg.StatusAddr, observability.Default, runner, limiter)
		go func() {
			if err := status.Run(ctx); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	runCtx := ctx
	if cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.BatchTimeout)
		defer cancel()
	}

	summary, err := runner.Run(runCtx)
	if err != nil {
		log.Fatalf("batch run %s: %v", summary.RunID, err)
	}
	log.Printf("batch run %s finished: total=%d succeeded=%d failed=%d cancelled=%d skipped=%d duration=%s",
		summary.RunID, summary.Total, summary.Succeeded, summary.Failed, summary.Cancelled, summary.Skipped, summary.Duration)

	if strings.EqualFold(strings.TrimSpace(cfg.ArtifactBackend), "minio") {
		uploader := &artifact.Uploader{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}
		uri, err := uploader.Upload(context.Background(), cfg.OutputPath, summary.RunID)
		if err != nil {
			log.Fatalf("upload output artifact: %v", err)
		}
		log.Printf("output uploaded to %s", uri)
	}
}

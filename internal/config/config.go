package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Xianyu39/SqueezeLM/internal/ratelimit"
	"github.com/Xianyu39/SqueezeLM/internal/scheduler"
)

type Config struct {
	BaseURL string
	APIKey  string

	Concurrency    int
	ShutdownMode   scheduler.ShutdownMode
	AttemptTimeout time.Duration
	BatchTimeout   time.Duration

	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PreferRetryAfter bool

	RateWindows   []ratelimit.Window
	ReconcileMode ratelimit.ReconcileMode

	InputPath          string
	OutputPath         string
	CheckpointPath     string
	CheckpointEvery    int
	CheckpointInterval time.Duration

	StatusAddr string

	ArtifactBackend string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
}

// FromEnv builds the configuration from SQUEEZE_* variables, then lets an
// optional YAML file (SQUEEZE_CONFIG_FILE) override rate windows and retry
// policy.
func FromEnv() (Config, error) {
	cfg := Config{
		BaseURL:            getenv("SQUEEZE_BASE_URL", "http://localhost:8000"),
		APIKey:             getenv("SQUEEZE_API_KEY", ""),
		Concurrency:        getenvInt("SQUEEZE_CONCURRENCY", 4),
		ShutdownMode:       parseShutdownMode(getenv("SQUEEZE_SHUTDOWN_MODE", string(scheduler.Drain))),
		AttemptTimeout:     getenvDuration("SQUEEZE_ATTEMPT_TIMEOUT", 3*time.Minute),
		BatchTimeout:       getenvDuration("SQUEEZE_BATCH_TIMEOUT", 0),
		MaxAttempts:        getenvInt("SQUEEZE_MAX_ATTEMPTS", 5),
		BackoffBase:        getenvDuration("SQUEEZE_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:         getenvDuration("SQUEEZE_BACKOFF_MAX", 30*time.Second),
		PreferRetryAfter:   getenvBool("SQUEEZE_PREFER_RETRY_AFTER", true),
		ReconcileMode:      ratelimit.ReconcileMode(getenv("SQUEEZE_RECONCILE_MODE", string(ratelimit.ReconcileAppend))),
		InputPath:          getenv("SQUEEZE_INPUT", "input.jsonl"),
		OutputPath:         getenv("SQUEEZE_OUTPUT", "output.jsonl"),
		CheckpointPath:     getenv("SQUEEZE_CHECKPOINT", ""),
		CheckpointEvery:    getenvInt("SQUEEZE_CHECKPOINT_EVERY", 32),
		CheckpointInterval: getenvDuration("SQUEEZE_CHECKPOINT_INTERVAL", 10*time.Second),
		StatusAddr:         getenv("SQUEEZE_STATUS_ADDR", ""),
		ArtifactBackend:    getenv("SQUEEZE_ARTIFACT_BACKEND", "local"),
		MinIOEndpoint:      getenv("SQUEEZE_MINIO_ENDPOINT", ""),
		MinIOAccessKey:     getenv("SQUEEZE_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:     getenv("SQUEEZE_MINIO_SECRET_KEY", ""),
		MinIOBucket:        getenv("SQUEEZE_MINIO_BUCKET", "squeeze-batches"),
		MinIOUseSSL:        getenvBool("SQUEEZE_MINIO_USE_SSL", false),
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = cfg.OutputPath + ".checkpoint"
	}
	cfg.RateWindows = []ratelimit.Window{
		{
			Name:      "requests",
			Dimension: ratelimit.DimRequests,
			Limit:     int64(getenvInt("SQUEEZE_REQUESTS_PER_WINDOW", 10)),
			Duration:  getenvDuration("SQUEEZE_REQUEST_WINDOW", time.Second),
		},
	}
	if tokens := getenvInt("SQUEEZE_TOKENS_PER_WINDOW", 0); tokens > 0 {
		cfg.RateWindows = append(cfg.RateWindows, ratelimit.Window{
			Name:      "tokens",
			Dimension: ratelimit.DimTokens,
			Limit:     int64(tokens),
			Duration:  getenvDuration("SQUEEZE_TOKEN_WINDOW", time.Minute),
		})
	}

	if path := strings.TrimSpace(os.Getenv("SQUEEZE_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

type fileWindow struct {
	Name      string `yaml:"name"`
	Dimension string `yaml:"dimension"`
	Limit     int64  `yaml:"limit"`
	Window    string `yaml:"window"`
}

type fileRetry struct {
	MaxAttempts      int    `yaml:"max_attempts"`
	BackoffBase      string `yaml:"backoff_base"`
	BackoffMax       string `yaml:"backoff_max"`
	PreferRetryAfter *bool  `yaml:"prefer_retry_after"`
}

type fileConfig struct {
	RateWindows []fileWindow `yaml:"rate_windows"`
	Retry       *fileRetry   `yaml:"retry"`
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(fc.RateWindows) > 0 {
		windows := make([]ratelimit.Window, 0, len(fc.RateWindows))
		for i, w := range fc.RateWindows {
			d, err := parseDuration(w.Window)
			if err != nil {
				return fmt.Errorf("config file %s: rate_windows[%d]: %w", path, i, err)
			}
			dim := ratelimit.Dimension(strings.TrimSpace(w.Dimension))
			if dim == "" {
				dim = ratelimit.DimRequests
			}
			windows = append(windows, ratelimit.Window{
				Name:      w.Name,
				Dimension: dim,
				Limit:     w.Limit,
				Duration:  d,
			})
		}
		c.RateWindows = windows
	}
	if fc.Retry != nil {
		if fc.Retry.MaxAttempts > 0 {
			c.MaxAttempts = fc.Retry.MaxAttempts
		}
		if fc.Retry.BackoffBase != "" {
			d, err := parseDuration(fc.Retry.BackoffBase)
			if err != nil {
				return fmt.Errorf("config file %s: retry.backoff_base: %w", path, err)
			}
			c.BackoffBase = d
		}
		if fc.Retry.BackoffMax != "" {
			d, err := parseDuration(fc.Retry.BackoffMax)
			if err != nil {
				return fmt.Errorf("config file %s: retry.backoff_max: %w", path, err)
			}
			c.BackoffMax = d
		}
		if fc.Retry.PreferRetryAfter != nil {
			c.PreferRetryAfter = *fc.Retry.PreferRetryAfter
		}
	}
	return nil
}

func parseShutdownMode(raw string) scheduler.ShutdownMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(scheduler.Abort)) {
		return scheduler.Abort
	}
	return scheduler.Drain
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

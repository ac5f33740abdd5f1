package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Xianyu39/SqueezeLM/internal/batch"
	"github.com/Xianyu39/SqueezeLM/internal/observability"
	"github.com/Xianyu39/SqueezeLM/internal/ratelimit"
)

// ProgressSource exposes the live state of a batch run.
type ProgressSource interface {
	Progress() batch.Summary
}

// Server serves health, metrics, and batch progress over HTTP while a run
// is in flight.
type Server struct {
	metrics *observability.Registry
	source  ProgressSource
	limiter *ratelimit.Limiter
	srv     *http.Server
}

func New(addr string, metrics *observability.Registry, source ProgressSource, limiter *ratelimit.Limiter) *Server {
	if metrics == nil {
		metrics = observability.Default
	}
	s := &Server{metrics: metrics, source: source, limiter: limiter}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/progress", s.handleProgress)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("status server shutdown: %v", err)
		}
		return nil
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

type progressResponse struct {
	Batch   batch.Summary           `json:"batch"`
	Windows []ratelimit.WindowUsage `json:"rate_windows,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	resp := progressResponse{}
	if s.source != nil {
		resp.Batch = s.source.Progress()
	}
	if s.limiter != nil {
		resp.Windows = s.limiter.Usage()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode progress: %v", err)
	}
}

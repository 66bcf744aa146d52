// Package httpserver serves the operational endpoints of a pipeline process: liveness,
// readiness with dependency checks, and prometheus metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// ConfigFromEnv reads PIPELINE_OPS_ADDR. An empty address disables the server.
func ConfigFromEnv(service string) (Config, error) {
	timeout, err := env.Duration("PIPELINE_OPS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Service:         service,
		Addr:            env.String("PIPELINE_OPS_ADDR", ":9090"),
		ShutdownTimeout: timeout,
	}, nil
}

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// Handler routes /healthz, /readyz and /metrics.
func Handler(logger *slog.Logger, service string, gatherer prometheus.Gatherer, checks ...ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", Healthz(service))
	mux.HandleFunc("GET /readyz", ReadyzWithChecks(service, checks...))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return recoverMiddleware(logger, mux)
}

// Run serves handler until ctx is cancelled and then shuts down gracefully.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if cfg.Service == "" {
		return errors.New("service is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "service", cfg.Service, "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": service,
			"status":  "ok",
		})
	}
}

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReadyzWithChecks runs all checks concurrently and reports 503 when any of them fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
				defer cancel()
				start := time.Now()
				err := check.Check(ctx)
				results[i] = checkResult{Name: check.Name, Status: "ok", DurationMs: time.Since(start).Milliseconds()}
				if err != nil {
					results[i].Status = "fail"
					results[i].Error = err.Error()
				}
				return nil
			})
		}
		_ = g.Wait()

		status, code := "ready", http.StatusOK
		if slices.ContainsFunc(results, func(c checkResult) bool { return c.Status != "ok" }) {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"service": service,
			"status":  status,
			"checks":  results,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic recovered", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_server_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Package worker runs the stage logic of one pipeline stage behind a message receiver. The
// Runtime turns each request into exactly one result message (or none for ignored requests);
// Lifecycle holds the job handling every stage shares.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	"github.com/animus-labs/animus-pipeline/internal/platform/metrics"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusIgnored Status = "ignored"
)

// RunResult is the outcome of processing one job. Err is only logged.
type RunResult struct {
	Status Status
	Err    error
}

func Success() RunResult {
	return RunResult{Status: StatusSuccess}
}

func Ignored() RunResult {
	return RunResult{Status: StatusIgnored}
}

func Failure(err error) RunResult {
	return RunResult{Status: StatusFailure, Err: err}
}

func (r RunResult) String() string {
	return string(r.Status)
}

// StageRunner processes the job of a request.
type StageRunner interface {
	Run(ctx context.Context, jobID, traceID string) RunResult
}

// RunnerFunc adapts a function to StageRunner.
type RunnerFunc func(ctx context.Context, jobID, traceID string) RunResult

func (f RunnerFunc) Run(ctx context.Context, jobID, traceID string) RunResult {
	return f(ctx, jobID, traceID)
}

type RuntimeConfig struct {
	Stage      domain.Stage
	Receiver   messaging.Receiver
	Sender     messaging.Sender
	Runner     StageRunner
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type Runtime struct {
	stage    domain.Stage
	receiver messaging.Receiver
	sender   messaging.Sender
	runner   StageRunner
	logger   *slog.Logger
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Stage == "" {
		return nil, errors.New("stage is required")
	}
	if cfg.Receiver == nil || cfg.Sender == nil {
		return nil, errors.New("receiver and sender are required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("stage runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runtime{
		stage:    cfg.Stage,
		receiver: cfg.Receiver,
		sender:   cfg.Sender,
		runner:   cfg.Runner,
		logger:   logger.With("stage", string(cfg.Stage)),
	}
	r.results = metrics.MustRegisterCounterVec(cfg.Registerer, "worker", "jobs_total",
		"Processed stage requests by stage and result.", "stage", "result")
	r.duration = metrics.MustRegisterHistogramVec(cfg.Registerer, "worker", "job_duration_seconds",
		"Duration of stage processing.", prometheus.ExponentialBuckets(0.1, 4, 8), "stage")
	return r, nil
}

// Run receives requests until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("worker started")
	defer r.logger.Info("worker stopped")
	return r.receiver.Receive(ctx, r.Handle)
}

// Handle processes one request. Requests that can never be processed are dropped; an error is
// returned only when the result could not be sent, so the request is redelivered.
func (r *Runtime) Handle(ctx context.Context, msg messaging.Message) error {
	req, ok := msg.Payload.(messaging.StageRequest)
	if !ok {
		r.logger.Error("unexpected message", "kind", kindOf(msg.Payload), "trace_id", msg.Header.TraceID)
		return nil
	}
	if req.Stage != r.stage {
		r.logger.Error("request for another stage", "request_stage", string(req.Stage), "job_id", req.JobID,
			"trace_id", msg.Header.TraceID)
		return nil
	}

	logger := r.logger.With("job_id", req.JobID, "trace_id", msg.Header.TraceID)
	logger.Info("processing job")

	start := time.Now()
	result := r.process(ctx, req.JobID, msg.Header.TraceID)
	r.duration.WithLabelValues(string(r.stage)).Observe(time.Since(start).Seconds())
	r.results.WithLabelValues(string(r.stage), result.String()).Inc()

	var payload messaging.Payload
	switch result.Status {
	case StatusSuccess:
		logger.Info("job succeeded")
		payload = messaging.StageWorkerResult{Stage: r.stage, JobID: req.JobID}
	case StatusIgnored:
		logger.Info("job ignored")
		return nil
	default:
		logger.Error("job failed", "error", result.Err)
		payload = messaging.StageWorkerError{Stage: r.stage, JobID: req.JobID}
	}

	if err := r.sender.Send(ctx, messaging.Message{Header: msg.Header, Payload: payload}); err != nil {
		return fmt.Errorf("send %s for job %s: %w", payload.Kind(), req.JobID, err)
	}
	return nil
}

func (r *Runtime) process(ctx context.Context, jobID, traceID string) (result RunResult) {
	defer func() {
		if v := recover(); v != nil {
			result = Failure(fmt.Errorf("panic: %v", v))
		}
	}()
	result = r.runner.Run(ctx, jobID, traceID)
	if result.Status == "" {
		result = Failure(errors.New("stage returned no result"))
	}
	return result
}

func kindOf(p messaging.Payload) string {
	if p == nil {
		return ""
	}
	return p.Kind()
}

package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
	msgmemory "github.com/animus-labs/animus-pipeline/internal/messaging/memory"
	"github.com/animus-labs/animus-pipeline/internal/repo/memory"
	"github.com/animus-labs/animus-pipeline/internal/service/jobs"
	"github.com/animus-labs/animus-pipeline/internal/worker"
)

var (
	analyzerEndpoint     = messaging.StageEndpoint(domain.StageAnalyzer)
	advisorEndpoint      = messaging.StageEndpoint(domain.StageAdvisor)
	orchestratorEndpoint = messaging.OrchestratorEndpoint()
)

type pipeline struct {
	broker       *msgmemory.Broker
	runs         *memory.RunStore
	jobs         *memory.JobStore
	reconciler   *jobs.Reconciler
	orchestrator *Orchestrator
	registry     *prometheus.Registry
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		broker:   msgmemory.NewBroker(nil),
		runs:     memory.NewRunStore(),
		jobs:     memory.NewJobStore(),
		registry: prometheus.NewRegistry(),
	}
	p.reconciler = jobs.New(p.jobs, jobs.Config{Registerer: p.registry})
	p.orchestrator = New(p.runs, p.jobs, p.reconciler, p.broker, Config{
		Registerer: p.registry,
		Headers:    messaging.HeaderFactory{Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "service-token"})},
	})
	if p.orchestrator == nil {
		t.Fatalf("expected orchestrator")
	}
	return p
}

func (p *pipeline) analyzerWorker(t *testing.T, fn worker.StageFunc) *worker.Runtime {
	t.Helper()
	receiver, _ := p.broker.Receiver(analyzerEndpoint)
	sender, _ := p.broker.Sender(orchestratorEndpoint)
	rt, err := worker.NewRuntime(worker.RuntimeConfig{
		Stage:    domain.StageAnalyzer,
		Receiver: receiver,
		Sender:   sender,
		Runner:   worker.NewLifecycle(domain.StageAnalyzer, p.jobs, p.runs, p.reconciler, fn, nil),
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return rt
}

func testRun(configs domain.JobConfigurations) domain.Run {
	return domain.Run{
		ID: "run-1",
		Hierarchy: domain.Hierarchy{
			Organization: domain.Organization{ID: "org-1"},
			Product:      domain.Product{ID: "prod-1"},
			Repository:   domain.Repository{ID: "repo-1", URL: "https://example.com/org/repo.git"},
		},
		JobConfigs: configs,
	}
}

func analyzerAndAdvisor() domain.JobConfigurations {
	return domain.JobConfigurations{
		Analyzer: &domain.AnalyzerJobConfiguration{},
		Advisor:  &domain.AdvisorJobConfiguration{Advisors: []string{"osv"}},
	}
}

func TestTraceIDSurvivesRoundTripAndDuplicateResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPipeline(t)

	rt := p.analyzerWorker(t, func(context.Context, domain.Run, domain.Job, string) error { return nil })
	go func() { _ = rt.Run(ctx) }()
	receiver, _ := p.broker.Receiver(orchestratorEndpoint)
	go func() { _ = p.orchestrator.Run(ctx, receiver) }()

	if err := p.orchestrator.Start(ctx, testRun(analyzerAndAdvisor()), "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	advisorRequest := p.broker.ExpectMessage(t, advisorEndpoint, 2*time.Second)
	if advisorRequest.Header.TraceID != "42" || advisorRequest.Header.AuthToken != "service-token" {
		t.Fatalf("unexpected header %+v", advisorRequest.Header)
	}

	analyzerJob, err := p.jobs.GetForRun(ctx, "run-1", domain.StageAnalyzer)
	if err != nil {
		t.Fatalf("get analyzer job: %v", err)
	}
	if analyzerJob.Status != domain.JobStatusFinished || analyzerJob.FinishedAt == nil {
		t.Fatalf("expected finished analyzer job, got %+v", analyzerJob)
	}
	finishedAt := *analyzerJob.FinishedAt

	duplicate := messaging.Message{
		Header:  messaging.Header{TraceID: "42"},
		Payload: messaging.StageWorkerResult{Stage: domain.StageAnalyzer, JobID: analyzerJob.ID},
	}
	if err := p.broker.Deliver(orchestratorEndpoint, duplicate); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	p.broker.ExpectNoMessage(t, advisorEndpoint, 200*time.Millisecond)

	analyzerJob, _ = p.jobs.GetForRun(ctx, "run-1", domain.StageAnalyzer)
	if !analyzerJob.FinishedAt.Equal(finishedAt) {
		t.Fatalf("duplicate result changed finishedAt: %v != %v", analyzerJob.FinishedAt, finishedAt)
	}
	if n := testutil.ToFloat64(p.orchestrator.scheduled.WithLabelValues("advisor")); n != 1 {
		t.Fatalf("expected one advisor job, got %v", n)
	}
	advisorJob, err := p.jobs.GetForRun(ctx, "run-1", domain.StageAdvisor)
	if err != nil || advisorJob.Status != domain.JobStatusScheduled {
		t.Fatalf("expected scheduled advisor job, got %+v,%v", advisorJob, err)
	}
}

func TestHandleDuplicateResultDirectly(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	if err := p.orchestrator.Start(ctx, testRun(analyzerAndAdvisor()), "42"); err != nil {
		t.Fatalf("start: %v", err)
	}
	req := p.broker.ExpectMessage(t, analyzerEndpoint, time.Second)
	jobID := req.Payload.(messaging.StageRequest).JobID

	result := messaging.Message{Header: req.Header, Payload: messaging.StageWorkerResult{Stage: domain.StageAnalyzer, JobID: jobID}}
	for i := 0; i < 2; i++ {
		if err := p.orchestrator.Handle(ctx, result); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	p.broker.ExpectMessage(t, advisorEndpoint, time.Second)
	p.broker.ExpectNoMessage(t, advisorEndpoint, 50*time.Millisecond)

	if n, err := testutil.GatherAndCount(p.registry, "pipeline_jobs_completions_total"); err != nil || n != 2 {
		t.Fatalf("expected applied and duplicate series, got %d,%v", n, err)
	}
}

func TestFailedStageFailsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPipeline(t)

	rt := p.analyzerWorker(t, func(context.Context, domain.Run, domain.Job, string) error {
		return errors.New("analysis crashed")
	})
	go func() { _ = rt.Run(ctx) }()

	if err := p.orchestrator.Start(ctx, testRun(analyzerAndAdvisor()), "7"); err != nil {
		t.Fatalf("start: %v", err)
	}
	msg := p.broker.ExpectMessage(t, orchestratorEndpoint, 2*time.Second)
	if _, ok := msg.Payload.(messaging.StageWorkerError); !ok || msg.Header.TraceID != "7" {
		t.Fatalf("expected worker error with trace id, got %+v", msg)
	}
	if err := p.orchestrator.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run, _ := p.runs.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusFailed || run.FinishedAt == nil {
		t.Fatalf("expected failed run, got %+v", run)
	}
	job, _ := p.jobs.GetForRun(ctx, "run-1", domain.StageAnalyzer)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	p.broker.ExpectNoMessage(t, advisorEndpoint, 50*time.Millisecond)
}

func TestLastStageFinishesRun(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	if err := p.orchestrator.Start(ctx, testRun(domain.JobConfigurations{Analyzer: &domain.AnalyzerJobConfiguration{}}), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	req := p.broker.ExpectMessage(t, analyzerEndpoint, time.Second)
	if req.Header.TraceID == "" {
		t.Fatalf("expected generated trace id")
	}
	jobID := req.Payload.(messaging.StageRequest).JobID
	if err := p.orchestrator.Handle(ctx, messaging.Message{Header: req.Header, Payload: messaging.StageWorkerResult{Stage: domain.StageAnalyzer, JobID: jobID}}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	run, _ := p.runs.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusFinished {
		t.Fatalf("expected finished run, got %s", run.Status)
	}
}

func TestStartSkipsUnconfiguredStages(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	if err := p.orchestrator.Start(ctx, testRun(domain.JobConfigurations{Scanner: &domain.ScannerJobConfiguration{}}), "42"); err != nil {
		t.Fatalf("start: %v", err)
	}
	req := p.broker.ExpectMessage(t, messaging.StageEndpoint(domain.StageScanner), time.Second)
	if req.Payload.(messaging.StageRequest).Stage != domain.StageScanner {
		t.Fatalf("unexpected request %+v", req.Payload)
	}

	p = newPipeline(t)
	if err := p.orchestrator.Start(ctx, testRun(domain.JobConfigurations{}), "42"); err != nil {
		t.Fatalf("start: %v", err)
	}
	run, _ := p.runs.GetRun(ctx, "run-1")
	if run.Status != domain.RunStatusFinished {
		t.Fatalf("expected empty run to finish, got %s", run.Status)
	}
}

func TestHandleDropsResultsForUnknownJobs(t *testing.T) {
	p := newPipeline(t)
	msg := messaging.Message{Payload: messaging.StageWorkerResult{Stage: domain.StageAnalyzer, JobID: "missing"}}
	if err := p.orchestrator.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected unknown job to be dropped, got %v", err)
	}
}

type failingSenders struct{}

func (failingSenders) Sender(messaging.Endpoint) (messaging.Sender, error) {
	return nil, errors.New("no transport")
}

func TestScheduleRemovesUnsentJob(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	o := New(p.runs, p.jobs, p.reconciler, failingSenders{}, Config{})

	if err := o.Start(ctx, testRun(analyzerAndAdvisor()), "42"); err == nil {
		t.Fatalf("expected send error")
	}
	remaining, err := p.jobs.ListForRun(ctx, "run-1")
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected unsent job to be removed, got %+v,%v", remaining, err)
	}
}

func TestFirstStage(t *testing.T) {
	configs := domain.JobConfigurations{
		Analyzer: &domain.AnalyzerJobConfiguration{},
		Reporter: &domain.ReporterJobConfiguration{},
	}
	if stage, _, ok := firstStage(configs, ""); !ok || stage != domain.StageAnalyzer {
		t.Fatalf("expected analyzer, got %s", stage)
	}
	if stage, _, ok := firstStage(configs, domain.StageAnalyzer); !ok || stage != domain.StageReporter {
		t.Fatalf("expected reporter, got %s", stage)
	}
	if _, _, ok := firstStage(configs, domain.StageReporter); ok {
		t.Fatalf("expected no stage after reporter")
	}
}

package domain

import (
	"testing"
	"time"
)

func TestJobApplyOnlyChangesPresentFields(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	job := Job{ID: "job-1", RunID: "run-1", Stage: StageAnalyzer, Status: JobStatusRunning, StartedAt: &started}

	updated := job.Apply(JobUpdate{Status: Present(JobStatusScheduled)})
	if updated.Status != JobStatusScheduled {
		t.Fatalf("expected status SCHEDULED, got %s", updated.Status)
	}
	if updated.StartedAt == nil || !updated.StartedAt.Equal(started) {
		t.Fatalf("expected startedAt to be untouched")
	}

	cleared := job.Apply(JobUpdate{StartedAt: Present[*time.Time](nil)})
	if cleared.StartedAt != nil {
		t.Fatalf("expected startedAt to be cleared")
	}
	if cleared.Status != JobStatusRunning {
		t.Fatalf("expected status to be untouched, got %s", cleared.Status)
	}
}

func TestJobValidateFinishedAtInvariant(t *testing.T) {
	now := time.Now().UTC()
	base := Job{ID: "job-1", RunID: "run-1", Stage: StageScanner}

	cases := []struct {
		name       string
		status     JobStatus
		finishedAt *time.Time
		wantErr    bool
	}{
		{name: "created without finish", status: JobStatusCreated},
		{name: "running with finish", status: JobStatusRunning, finishedAt: &now, wantErr: true},
		{name: "finished with finish", status: JobStatusFinished, finishedAt: &now},
		{name: "failed without finish", status: JobStatusFailed, wantErr: true},
		{name: "unknown status", status: "PAUSED", wantErr: true},
	}
	for _, tc := range cases {
		job := base
		job.Status = tc.status
		job.FinishedAt = tc.finishedAt
		err := job.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCreated, JobStatusScheduled, JobStatusRunning} {
		if s.IsTerminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusFinished, JobStatusFailed} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestOptional(t *testing.T) {
	absent := Absent[int]()
	if absent.IsPresent() {
		t.Fatalf("expected absent")
	}
	if got := absent.OrElse(3); got != 3 {
		t.Fatalf("OrElse()=%d, want 3", got)
	}
	present := Present(0)
	if v, ok := present.Get(); !ok || v != 0 {
		t.Fatalf("Get()=%d,%v", v, ok)
	}
	if got := present.OrElse(3); got != 0 {
		t.Fatalf("OrElse()=%d, want 0", got)
	}
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a worker job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusFinished  JobStatus = "FINISHED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

func ParseJobStatus(value string) (JobStatus, error) {
	switch JobStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case JobStatusCreated:
		return JobStatusCreated, nil
	case JobStatusScheduled:
		return JobStatusScheduled, nil
	case JobStatusRunning:
		return JobStatusRunning, nil
	case JobStatusFinished:
		return JobStatusFinished, nil
	case JobStatusFailed:
		return JobStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", value)
	}
}

// Job is the ledger entry of one pipeline stage of a run.
type Job struct {
	ID            string
	RunID         string
	Stage         Stage
	Status        JobStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Configuration JobConfiguration
}

// JobUpdate lists the fields to change; absent fields are left untouched.
type JobUpdate struct {
	StartedAt  Optional[*time.Time]
	FinishedAt Optional[*time.Time]
	Status     Optional[JobStatus]
}

// Apply returns a copy of j with the present fields of u written.
func (j Job) Apply(u JobUpdate) Job {
	out := j
	out.StartedAt = copyTime(u.StartedAt.OrElse(j.StartedAt))
	out.FinishedAt = copyTime(u.FinishedAt.OrElse(j.FinishedAt))
	out.Status = u.Status.OrElse(j.Status)
	return out
}

// Validate checks the structural invariants of a job: finishedAt is set if and only if the
// status is terminal.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.RunID) == "" {
		return errors.New("run id is required")
	}
	if j.Stage == "" {
		return errors.New("stage is required")
	}
	if _, err := ParseJobStatus(string(j.Status)); err != nil {
		return err
	}
	if j.Status.IsTerminal() && j.FinishedAt == nil {
		return fmt.Errorf("terminal status %s requires finishedAt", j.Status)
	}
	if !j.Status.IsTerminal() && j.FinishedAt != nil {
		return fmt.Errorf("finishedAt must be empty for status %s", j.Status)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Clone returns a copy that shares no time pointers with j.
func (j Job) Clone() Job {
	return j.Apply(JobUpdate{})
}

package auditlog

import (
	"context"
	"strings"
	"testing"
	"time"
)

func testEvent() Event {
	return Event{
		OccurredAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Action:     ActionJobCompleted,
		JobID:      "job-1",
		RunID:      "run-1",
		Stage:      "analyzer",
		FromStatus: "RUNNING",
		ToStatus:   "FINISHED",
	}
}

func TestValidate(t *testing.T) {
	if err := testEvent().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	e := testEvent()
	e.JobID = " "
	if err := e.Validate(); err == nil || !strings.Contains(err.Error(), "JobID") {
		t.Fatalf("expected JobID error, got %v", err)
	}
	e = testEvent()
	e.ToStatus = ""
	if err := e.Validate(); err == nil {
		t.Fatalf("expected ToStatus error")
	}
}

func TestComputeIntegritySHA256(t *testing.T) {
	payload := []byte(`{"trace":"42"}`)
	a, err := ComputeIntegritySHA256(testEvent(), payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	padded := testEvent()
	padded.JobID = " job-1 "
	padded.OccurredAt = padded.OccurredAt.In(time.FixedZone("CEST", 2*60*60))
	b, _ := ComputeIntegritySHA256(padded, payload)
	if a != b || len(a) != 64 {
		t.Fatalf("expected normalized hash, got %q and %q", a, b)
	}

	changed := testEvent()
	changed.ToStatus = "FAILED"
	c, _ := ComputeIntegritySHA256(changed, payload)
	if c == a {
		t.Fatalf("expected different hash for different status")
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, testEvent()); err == nil {
		t.Fatalf("expected error without queryer")
	}
}

func TestInsertQuery(t *testing.T) {
	for _, col := range []string{"job_events", "integrity_sha256", "from_status", "RETURNING event_id"} {
		if !strings.Contains(insertEventQuery, col) {
			t.Fatalf("insert query misses %q", col)
		}
	}
}

// Package auditlog appends job ledger transitions to the job_events table. Events are written
// with the transaction that performs the transition and carry an integrity hash over their
// content.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionJobCreated   = "job.created"
	ActionJobUpdated   = "job.updated"
	ActionJobCompleted = "job.completed"
)

type Event struct {
	OccurredAt time.Time
	Action     string
	JobID      string
	RunID      string
	Stage      string
	FromStatus string
	ToStatus   string
	Payload    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertEventQuery = `INSERT INTO job_events (
			occurred_at,
			action,
			job_id,
			run_id,
			stage,
			from_status,
			to_status,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING event_id`

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("JobID is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.ToStatus) == "" {
		return errors.New("ToStatus is required")
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return 0, err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var fromStatus sql.NullString
	if s := strings.TrimSpace(event.FromStatus); s != "" {
		fromStatus = sql.NullString{String: s, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.JobID),
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.Stage),
		fromStatus,
		strings.TrimSpace(event.ToStatus),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job event: %w", err)
	}
	return id, nil
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return payloadJSON, nil
}

// ComputeIntegritySHA256 hashes the normalized event content.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Action     string          `json:"action"`
		JobID      string          `json:"job_id"`
		RunID      string          `json:"run_id"`
		Stage      string          `json:"stage,omitempty"`
		FromStatus string          `json:"from_status,omitempty"`
		ToStatus   string          `json:"to_status"`
		Payload    json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Action:     strings.TrimSpace(event.Action),
		JobID:      strings.TrimSpace(event.JobID),
		RunID:      strings.TrimSpace(event.RunID),
		Stage:      strings.TrimSpace(event.Stage),
		FromStatus: strings.TrimSpace(event.FromStatus),
		ToStatus:   strings.TrimSpace(event.ToStatus),
		Payload:    payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Package messaging defines the messages exchanged between the orchestrator and the stage
// workers, the endpoints they travel on, and the transport-independent sender and receiver
// contracts. Transports live in subpackages and are chosen per endpoint through Transports.
package messaging

import (
	"context"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

// Header is the metadata attached to every message. TraceID is copied unchanged from a request
// to its result.
type Header struct {
	AuthToken string
	TraceID   string
}

// Payload is a message body. Kind names it in the wire envelope.
type Payload interface {
	Kind() string
}

type Message struct {
	Header  Header
	Payload Payload
}

// Handler processes one message. Returning an error leaves the message for redelivery.
type Handler func(ctx context.Context, msg Message) error

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Receiver hands messages to a handler until ctx is cancelled. A message is acknowledged only
// after the handler returned nil.
type Receiver interface {
	Receive(ctx context.Context, handler Handler) error
}

const (
	KindStageRequest      = "stage_request"
	KindStageWorkerResult = "stage_worker_result"
	KindStageWorkerError  = "stage_worker_error"
)

// StageRequest asks the worker of Stage to process a job.
type StageRequest struct {
	Stage domain.Stage `json:"stage"`
	JobID string       `json:"jobId"`
}

// StageWorkerResult reports a successfully processed job.
type StageWorkerResult struct {
	Stage domain.Stage `json:"stage"`
	JobID string       `json:"jobId"`
}

// StageWorkerError reports a failed job. Error details stay in the worker logs.
type StageWorkerError struct {
	Stage domain.Stage `json:"stage"`
	JobID string       `json:"jobId"`
}

func (StageRequest) Kind() string      { return KindStageRequest }
func (StageWorkerResult) Kind() string { return KindStageWorkerResult }
func (StageWorkerError) Kind() string  { return KindStageWorkerError }

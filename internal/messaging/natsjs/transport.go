// Package natsjs carries pipeline messages over NATS JetStream. Every endpoint maps to one
// subject of a work-queue stream and is consumed by one durable pull consumer, so each message
// is handled by exactly one worker of the endpoint until it is acknowledged.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/animus-pipeline/internal/messaging"
)

const (
	headerAuthToken = "Pipeline-Auth-Token"
	headerTraceID   = "Pipeline-Trace-Id"
	headerKind      = "Pipeline-Kind"
)

type Transport struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	logger *slog.Logger
}

// New ensures the work-queue stream exists and returns a transport bound to it.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger *slog.Logger) (*Transport, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &Transport{js: js, stream: stream, cfg: cfg, logger: logger}, nil
}

func (t *Transport) Sender(endpoint messaging.Endpoint) (messaging.Sender, error) {
	return &sender{js: t.js, subject: t.cfg.Subject(endpoint.Name), endpoint: endpoint}, nil
}

func (t *Transport) Receiver(endpoint messaging.Endpoint) (messaging.Receiver, error) {
	return &receiver{transport: t, endpoint: endpoint}, nil
}

type sender struct {
	js       jetstream.JetStream
	subject  string
	endpoint messaging.Endpoint
}

func (s *sender) Send(ctx context.Context, msg messaging.Message) error {
	natsMsg, err := encode(s.subject, s.endpoint, msg)
	if err != nil {
		return err
	}
	if _, err := s.js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

type receiver struct {
	transport *Transport
	endpoint  messaging.Endpoint
}

func (r *receiver) Receive(ctx context.Context, handler messaging.Handler) error {
	cfg := r.transport.cfg
	consumer, err := r.transport.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable(r.endpoint.Name),
		FilterSubject: cfg.Subject(r.endpoint.Name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer for %s: %w", r.endpoint.Name, err)
	}

	logger := r.transport.logger.With("endpoint", r.endpoint.Name)
	for ctx.Err() == nil {
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("fetch failed", "error", err)
			continue
		}
		for natsMsg := range batch.Messages() {
			r.handle(ctx, logger, natsMsg, handler)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			logger.Warn("fetch batch failed", "error", err)
		}
	}
	return nil
}

func (r *receiver) handle(ctx context.Context, logger *slog.Logger, natsMsg jetstream.Msg, handler messaging.Handler) {
	msg, err := decode(r.endpoint, natsMsg.Headers(), natsMsg.Data())
	if err != nil {
		logger.Error("terminating undecodable message", "subject", natsMsg.Subject(), "error", err)
		if termErr := natsMsg.Term(); termErr != nil {
			logger.Warn("term failed", "error", termErr)
		}
		return
	}

	stop := keepInProgress(logger, natsMsg, r.transport.cfg.AckWait/2)
	err = handler(ctx, msg)
	stop()
	if err != nil {
		logger.Warn("handler failed, message will be redelivered", "trace_id", msg.Header.TraceID, "error", err)
		if nakErr := natsMsg.NakWithDelay(r.transport.cfg.NakDelay); nakErr != nil {
			logger.Warn("nak failed", "error", nakErr)
		}
		return
	}
	if err := natsMsg.Ack(); err != nil {
		logger.Warn("ack failed, message may be redelivered", "trace_id", msg.Header.TraceID, "error", err)
	}
}

// keepInProgress resets the ack timer of natsMsg every interval. No reset happens after stop
// returns.
func keepInProgress(logger *slog.Logger, natsMsg jetstream.Msg, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := natsMsg.InProgress(); err != nil {
					logger.Warn("in progress failed", "subject", natsMsg.Subject(), "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func encode(subject string, endpoint messaging.Endpoint, msg messaging.Message) (*nats.Msg, error) {
	data, err := endpoint.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	natsMsg := nats.NewMsg(subject)
	natsMsg.Data = data
	natsMsg.Header.Set(headerKind, msg.Payload.Kind())
	if msg.Header.TraceID != "" {
		natsMsg.Header.Set(headerTraceID, msg.Header.TraceID)
	}
	if msg.Header.AuthToken != "" {
		natsMsg.Header.Set(headerAuthToken, msg.Header.AuthToken)
	}
	return natsMsg, nil
}

func decode(endpoint messaging.Endpoint, header nats.Header, data []byte) (messaging.Message, error) {
	payload, err := endpoint.Unmarshal(data)
	if err != nil {
		return messaging.Message{}, err
	}
	return messaging.Message{
		Header: messaging.Header{
			AuthToken: header.Get(headerAuthToken),
			TraceID:   header.Get(headerTraceID),
		},
		Payload: payload,
	}, nil
}

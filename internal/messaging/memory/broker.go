// Package memory is the in-process message transport. Messages are encoded with the endpoint
// codec on send and decoded on receive, so payloads behave as they would on the wire.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/messaging"
)

type delivery struct {
	header messaging.Header
	data   []byte
	// attempt counts handler invocations, starting at 1.
	attempt int
}

type queue struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) tryPop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return d, true
}

func (q *queue) pop(ctx context.Context) (delivery, error) {
	for {
		if d, ok := q.tryPop(); ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Broker holds one queue per endpoint name. It implements messaging.Transport.
type Broker struct {
	mu              sync.Mutex
	queues          map[string]*queue
	logger          *slog.Logger
	redeliveryDelay time.Duration
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		queues:          map[string]*queue{},
		logger:          logger,
		redeliveryDelay: 10 * time.Millisecond,
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) Sender(endpoint messaging.Endpoint) (messaging.Sender, error) {
	return &sender{broker: b, endpoint: endpoint}, nil
}

func (b *Broker) Receiver(endpoint messaging.Endpoint) (messaging.Receiver, error) {
	return &receiver{broker: b, endpoint: endpoint}, nil
}

// Deliver enqueues msg on endpoint as if a remote sender had published it. Delivering the same
// message twice simulates a duplicate delivery.
func (b *Broker) Deliver(endpoint messaging.Endpoint, msg messaging.Message) error {
	data, err := endpoint.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	b.queue(endpoint.Name).push(delivery{header: msg.Header, data: data, attempt: 1})
	return nil
}

type sender struct {
	broker   *Broker
	endpoint messaging.Endpoint
}

func (s *sender) Send(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.broker.Deliver(s.endpoint, msg)
}

type receiver struct {
	broker   *Broker
	endpoint messaging.Endpoint
}

// Receive redelivers a message after redeliveryDelay when the handler fails. Undecodable
// messages are dropped.
func (r *receiver) Receive(ctx context.Context, handler messaging.Handler) error {
	q := r.broker.queue(r.endpoint.Name)
	for {
		d, err := q.pop(ctx)
		if err != nil {
			return nil
		}
		payload, err := r.endpoint.Unmarshal(d.data)
		if err != nil {
			r.broker.logger.Error("dropping undecodable message", "endpoint", r.endpoint.Name, "error", err)
			continue
		}

		if err := handler(ctx, messaging.Message{Header: d.header, Payload: payload}); err != nil {
			r.broker.logger.Warn("handler failed, message will be redelivered",
				"endpoint", r.endpoint.Name, "trace_id", d.header.TraceID, "attempt", d.attempt, "error", err)
			d.attempt++
			time.AfterFunc(r.broker.redeliveryDelay, func() { q.push(d) })
		}
	}
}

// Pending returns the number of queued messages of endpoint.
func (b *Broker) Pending(endpoint messaging.Endpoint) int {
	q := b.queue(endpoint.Name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Take removes the next message of endpoint, waiting up to timeout.
func (b *Broker) Take(endpoint messaging.Endpoint, timeout time.Duration) (messaging.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d, err := b.queue(endpoint.Name).pop(ctx)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("no message on %s within %s", endpoint.Name, timeout)
	}
	payload, err := endpoint.Unmarshal(d.data)
	if err != nil {
		return messaging.Message{}, err
	}
	return messaging.Message{Header: d.header, Payload: payload}, nil
}

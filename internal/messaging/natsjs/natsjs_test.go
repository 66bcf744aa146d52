package natsjs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/animus-pipeline/internal/domain"
	"github.com/animus-labs/animus-pipeline/internal/messaging"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("PIPELINE_NATS_SUBJECT_PREFIX", "ort.pipeline.")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.URL != nats.DefaultURL || cfg.Stream != "PIPELINE" || cfg.AckWait != 5*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if got := cfg.Subject("analyzer"); got != "ort.pipeline.analyzer" {
		t.Fatalf("Subject()=%q", got)
	}
	if got := cfg.Durable("analyzer"); got != "ort-pipeline-analyzer" {
		t.Fatalf("Durable()=%q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{URL: nats.DefaultURL, Stream: "S", SubjectPrefix: "p", AckWait: time.Second, MaxDeliver: 1, FetchWait: time.Second}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
	cases := map[string]func(c *Config){
		"jwt without seed": func(c *Config) { c.JWT = "jwt" },
		"zero max deliver": func(c *Config) { c.MaxDeliver = 0 },
		"no stream":        func(c *Config) { c.Stream = "" },
		"no ack wait":      func(c *Config) { c.AckWait = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestInvalidDurationFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_NATS_ACK_WAIT", "soon")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEncodeDecodeCarriesHeaders(t *testing.T) {
	endpoint := messaging.StageEndpoint(domain.StageAdvisor)
	msg := messaging.Message{
		Header:  messaging.Header{AuthToken: "token", TraceID: "42"},
		Payload: messaging.StageRequest{Stage: domain.StageAdvisor, JobID: "job-7"},
	}
	natsMsg, err := encode("pipeline.advisor", endpoint, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if natsMsg.Subject != "pipeline.advisor" || natsMsg.Header.Get(headerKind) != messaging.KindStageRequest {
		t.Fatalf("unexpected nats message %+v", natsMsg)
	}

	decoded, err := decode(endpoint, natsMsg.Header, natsMsg.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header != msg.Header {
		t.Fatalf("header mismatch: %+v", decoded.Header)
	}
	if decoded.Payload.(messaging.StageRequest) != msg.Payload.(messaging.StageRequest) {
		t.Fatalf("payload mismatch: %#v", decoded.Payload)
	}
}

func TestEncodeOmitsEmptyHeaders(t *testing.T) {
	natsMsg, err := encode("pipeline.orchestrator", messaging.OrchestratorEndpoint(), messaging.Message{
		Payload: messaging.StageWorkerResult{JobID: "job-1"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := natsMsg.Header[headerAuthToken]; ok {
		t.Fatalf("expected no auth header")
	}
}

// fakeMsg records the acknowledgements of a fetched message. Methods the receiver does not use
// are left to the embedded nil interface.
type fakeMsg struct {
	jetstream.Msg
	natsMsg *nats.Msg

	mu     sync.Mutex
	events []string
}

func (m *fakeMsg) record(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *fakeMsg) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *fakeMsg) Data() []byte                       { return m.natsMsg.Data }
func (m *fakeMsg) Headers() nats.Header               { return m.natsMsg.Header }
func (m *fakeMsg) Subject() string                    { return m.natsMsg.Subject }
func (m *fakeMsg) Ack() error                         { return m.record("ack") }
func (m *fakeMsg) NakWithDelay(d time.Duration) error { return m.record("nak") }
func (m *fakeMsg) InProgress() error                  { return m.record("in-progress") }
func (m *fakeMsg) Term() error                        { return m.record("term") }

func newFakeMsg(t *testing.T, endpoint messaging.Endpoint) *fakeMsg {
	t.Helper()
	natsMsg, err := encode("pipeline.advisor", endpoint, messaging.Message{
		Header:  messaging.Header{TraceID: "42"},
		Payload: messaging.StageRequest{Stage: domain.StageAdvisor, JobID: "job-7"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &fakeMsg{natsMsg: natsMsg}
}

func newTestReceiver(endpoint messaging.Endpoint, ackWait time.Duration) *receiver {
	return &receiver{
		transport: &Transport{cfg: Config{AckWait: ackWait}, logger: discardLogger()},
		endpoint:  endpoint,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleKeepsLongRunningMessagesInProgress(t *testing.T) {
	endpoint := messaging.StageEndpoint(domain.StageAdvisor)
	msg := newFakeMsg(t, endpoint)
	r := newTestReceiver(endpoint, 20*time.Millisecond)

	handler := func(ctx context.Context, m messaging.Message) error {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			count := 0
			for _, event := range msg.snapshot() {
				if event == "in-progress" {
					count++
				}
			}
			if count >= 3 {
				return nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return errors.New("message was never marked in progress")
	}
	r.handle(context.Background(), discardLogger(), msg, handler)

	events := msg.snapshot()
	if len(events) < 4 || events[len(events)-1] != "ack" {
		t.Fatalf("expected in-progress resets followed by ack, got %v", events)
	}
	time.Sleep(50 * time.Millisecond)
	if after := msg.snapshot(); len(after) != len(events) {
		t.Fatalf("expected no resets after ack, got %v", after)
	}
}

func TestHandleNaksFailedMessagesWithoutFurtherResets(t *testing.T) {
	endpoint := messaging.StageEndpoint(domain.StageAdvisor)
	msg := newFakeMsg(t, endpoint)
	r := newTestReceiver(endpoint, 10*time.Millisecond)

	r.handle(context.Background(), discardLogger(), msg, func(ctx context.Context, m messaging.Message) error {
		time.Sleep(30 * time.Millisecond)
		return errors.New("boom")
	})

	events := msg.snapshot()
	if len(events) == 0 || events[len(events)-1] != "nak" {
		t.Fatalf("expected nak as last event, got %v", events)
	}
	time.Sleep(30 * time.Millisecond)
	if after := msg.snapshot(); len(after) != len(events) {
		t.Fatalf("expected no resets after nak, got %v", after)
	}
}

func TestHandleTerminatesUndecodableMessages(t *testing.T) {
	endpoint := messaging.StageEndpoint(domain.StageAdvisor)
	msg := &fakeMsg{natsMsg: &nats.Msg{Subject: "pipeline.advisor", Data: []byte("{"), Header: nats.Header{}}}
	r := newTestReceiver(endpoint, time.Millisecond)

	called := false
	r.handle(context.Background(), discardLogger(), msg, func(ctx context.Context, m messaging.Message) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler must not see undecodable messages")
	}
	if events := msg.snapshot(); len(events) != 1 || events[0] != "term" {
		t.Fatalf("expected only term, got %v", events)
	}
}

package memory

import (
	"testing"
	"time"

	"github.com/animus-labs/animus-pipeline/internal/messaging"
)

// ExpectMessage fails the test unless a message arrives on endpoint within timeout.
func (b *Broker) ExpectMessage(t testing.TB, endpoint messaging.Endpoint, timeout time.Duration) messaging.Message {
	t.Helper()
	msg, err := b.Take(endpoint, timeout)
	if err != nil {
		t.Fatalf("expect message: %v", err)
	}
	return msg
}

// ExpectNoMessage fails the test if a message arrives on endpoint within timeout.
func (b *Broker) ExpectNoMessage(t testing.TB, endpoint messaging.Endpoint, timeout time.Duration) {
	t.Helper()
	if msg, err := b.Take(endpoint, timeout); err == nil {
		t.Fatalf("expected no message on %s, got %#v", endpoint.Name, msg.Payload)
	}
}

package messaging

import (
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type TransportType string

const (
	TransportMemory TransportType = "memory"
	TransportNATS   TransportType = "nats"
)

func ParseTransportType(value string) (TransportType, error) {
	switch TransportType(strings.ToLower(strings.TrimSpace(value))) {
	case TransportMemory:
		return TransportMemory, nil
	case TransportNATS:
		return TransportNATS, nil
	default:
		return "", fmt.Errorf("unknown transport type %q", value)
	}
}

// Transport creates senders and receivers for endpoints.
type Transport interface {
	Sender(endpoint Endpoint) (Sender, error)
	Receiver(endpoint Endpoint) (Receiver, error)
}

// Transports picks the transport of each endpoint. Endpoints without an explicit choice use
// Default.
type Transports struct {
	Default   TransportType
	Available map[TransportType]Transport
	Senders   map[string]TransportType
	Receivers map[string]TransportType
}

func (t Transports) Sender(endpoint Endpoint) (Sender, error) {
	transport, err := t.pick(t.Senders, endpoint)
	if err != nil {
		return nil, err
	}
	return transport.Sender(endpoint)
}

func (t Transports) Receiver(endpoint Endpoint) (Receiver, error) {
	transport, err := t.pick(t.Receivers, endpoint)
	if err != nil {
		return nil, err
	}
	return transport.Receiver(endpoint)
}

func (t Transports) pick(choices map[string]TransportType, endpoint Endpoint) (Transport, error) {
	kind := t.Default
	if chosen, ok := choices[endpoint.Name]; ok {
		kind = chosen
	}
	transport, ok := t.Available[kind]
	if !ok || transport == nil {
		return nil, fmt.Errorf("transport %q for endpoint %s is not configured", kind, endpoint.Name)
	}
	return transport, nil
}

// TransportTypesFromEnv reads <ENDPOINT>_SENDER_TRANSPORT_TYPE and
// <ENDPOINT>_RECEIVER_TRANSPORT_TYPE for the given endpoints.
func TransportTypesFromEnv(endpoints ...Endpoint) (senders, receivers map[string]TransportType, err error) {
	senders = map[string]TransportType{}
	receivers = map[string]TransportType{}
	for _, endpoint := range endpoints {
		for role, target := range map[string]map[string]TransportType{"SENDER": senders, "RECEIVER": receivers} {
			key := env.Key(endpoint.Name, role, "TRANSPORT", "TYPE")
			value := env.String(key, "")
			if value == "" {
				continue
			}
			kind, err := ParseTransportType(value)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", key, err)
			}
			target[endpoint.Name] = kind
		}
	}
	return senders, receivers, nil
}

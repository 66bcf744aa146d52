package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-pipeline/internal/domain"
)

const OrchestratorEndpointName = "orchestrator"

type decodeFunc func(raw json.RawMessage) (Payload, error)

func decoderFor[T Payload]() decodeFunc {
	return func(raw json.RawMessage) (Payload, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Endpoint is a named destination together with the payload kinds it accepts.
type Endpoint struct {
	Name     string
	decoders map[string]decodeFunc
}

// StageEndpoint is the request endpoint of a stage worker.
func StageEndpoint(stage domain.Stage) Endpoint {
	return Endpoint{
		Name: string(stage),
		decoders: map[string]decodeFunc{
			KindStageRequest: decoderFor[StageRequest](),
		},
	}
}

// OrchestratorEndpoint receives the results of all stage workers.
func OrchestratorEndpoint() Endpoint {
	return Endpoint{
		Name: OrchestratorEndpointName,
		decoders: map[string]decodeFunc{
			KindStageWorkerResult: decoderFor[StageWorkerResult](),
			KindStageWorkerError:  decoderFor[StageWorkerError](),
		},
	}
}

// Kinds lists the accepted payload kinds in sorted order.
func (e Endpoint) Kinds() []string {
	out := make([]string, 0, len(e.decoders))
	for kind := range e.decoders {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func (e Endpoint) Accepts(kind string) bool {
	_, ok := e.decoders[kind]
	return ok
}

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes p as a {"kind": ..., "payload": ...} envelope.
func (e Endpoint) Marshal(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	if !e.Accepts(p.Kind()) {
		return nil, fmt.Errorf("endpoint %s does not accept %s, only %s", e.Name, p.Kind(), strings.Join(e.Kinds(), ", "))
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return json.Marshal(envelope{Kind: p.Kind(), Payload: raw})
}

func (e Endpoint) Unmarshal(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	decode, ok := e.decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("endpoint %s does not accept %q, only %s", e.Name, env.Kind, strings.Join(e.Kinds(), ", "))
	}
	payload, err := decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return payload, nil
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of a response that may carry a directive:
//
//	{ "response": <payload>, "sync": { ... } }
type Envelope struct {
	Response json.RawMessage `json:"response"`
	Sync     *Directive      `json:"sync,omitempty"`
}

// NewEnvelope encodes response and attaches sync, which may be nil.
func NewEnvelope(response any, sync *Directive) (*Envelope, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return &Envelope{Response: raw, Sync: sync}, nil
}

// DecodeEnvelope parses an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// HasSync reports whether the envelope carries operations to apply.
func (e *Envelope) HasSync() bool {
	return e != nil && e.Sync != nil && len(e.Sync.Tables()) > 0
}

// DecodeResponse unmarshals the envelope payload into T.
func DecodeResponse[T any](env *Envelope) (T, error) {
	var out T
	if env == nil || len(env.Response) == 0 {
		return out, fmt.Errorf("envelope has no response")
	}
	if err := json.Unmarshal(env.Response, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

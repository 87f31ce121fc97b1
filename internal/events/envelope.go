package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is one immutable fact in an assignment's log.
type Envelope struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	Sequence     int64     `json:"sequence_number"`
	Kind         Kind      `json:"event_kind"`
	Payload      Payload   `json:"payload"`
	OccurredAt   time.Time `json:"occurred_at"`
	ActorID      string    `json:"actor_id"`
	// Position is the store-wide order, assigned on append. Zero until stored.
	Position int64 `json:"position,omitempty"`
}

type wireEnvelope struct {
	ID           string          `json:"id"`
	AssignmentID string          `json:"assignment_id"`
	Sequence     int64           `json:"sequence_number"`
	Kind         Kind            `json:"event_kind"`
	Payload      json.RawMessage `json:"payload"`
	OccurredAt   time.Time       `json:"occurred_at"`
	ActorID      string          `json:"actor_id"`
	Position     int64           `json:"position,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	data, err := Encode(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		ID:           e.ID,
		AssignmentID: e.AssignmentID,
		Sequence:     e.Sequence,
		Kind:         e.Kind,
		Payload:      data,
		OccurredAt:   e.OccurredAt,
		ActorID:      e.ActorID,
		Position:     e.Position,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := Decode(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ID:           w.ID,
		AssignmentID: w.AssignmentID,
		Sequence:     w.Sequence,
		Kind:         w.Kind,
		Payload:      p,
		OccurredAt:   w.OccurredAt,
		ActorID:      w.ActorID,
		Position:     w.Position,
	}
	return nil
}

// Encode serializes a payload for storage.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode event: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode rebuilds the payload stored under kind. Unknown kinds are an error.
func Decode(kind Kind, data []byte) (Payload, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("decode event: unknown kind %q", kind)
	}
	p := ctor()
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

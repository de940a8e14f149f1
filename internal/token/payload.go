package token

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged-union contract every token's Data decodes to. Each
// variant declares per-field defaults, applied by ApplyDefaults after
// deserialization so that older records missing newer fields still
// validate — the forward-compatible field-default mechanism called for by
// the design notes.
type Payload interface {
	// Kind returns the variant discriminator used on the wire.
	Kind() string
	// ApplyDefaults fills any zero-valued field that this variant declares
	// a default for. It must be idempotent.
	ApplyDefaults()
}

const (
	KindJob      = "job"
	KindEvent    = "event"
	KindSchedule = "schedule"
	KindSignal   = "signal"
)

// envelope is the wire representation of a Payload: a discriminator plus
// exactly one populated variant.
type envelope struct {
	Kind     string          `json:"kind"`
	Job      *JobPayload     `json:"job,omitempty"`
	Event    *EventPayload   `json:"event,omitempty"`
	Schedule *SchedulePayload `json:"schedule,omitempty"`
	Signal   *SignalPayload  `json:"signal,omitempty"`
}

// Encode serializes a Payload into the opaque bytes stored in Token.Data.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	env := envelope{Kind: p.Kind()}
	switch v := p.(type) {
	case *JobPayload:
		env.Job = v
	case *SchedulePayload:
		env.Schedule = v
	case *EventPayload:
		env.Event = v
	case *SignalPayload:
		env.Signal = v
	default:
		return nil, fmt.Errorf("token: unknown payload type %T", p)
	}
	return json.Marshal(env)
}

// Decode deserializes the opaque bytes of Token.Data into a Payload,
// applying the variant's forward-compatible defaults.
func Decode(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("token: decode payload: %w", err)
	}
	var p Payload
	switch env.Kind {
	case KindJob:
		if env.Job == nil {
			return nil, fmt.Errorf("token: kind %q missing job payload", env.Kind)
		}
		p = env.Job
	case KindEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("token: kind %q missing event payload", env.Kind)
		}
		p = env.Event
	case KindSchedule:
		if env.Schedule == nil {
			return nil, fmt.Errorf("token: kind %q missing schedule payload", env.Kind)
		}
		p = env.Schedule
	case KindSignal:
		if env.Signal == nil {
			return nil, fmt.Errorf("token: kind %q missing signal payload", env.Kind)
		}
		p = env.Signal
	default:
		return nil, fmt.Errorf("token: unknown payload kind %q", env.Kind)
	}
	p.ApplyDefaults()
	return p, nil
}

package token

// SignalAction enumerates the out-of-band operator actions a Signaller
// reads and writes.
type SignalAction string

const (
	SignalDrain   SignalAction = "DRAIN"
	SignalAbort   SignalAction = "ABORT"
	SignalArchive SignalAction = "ARCHIVE"
	SignalExit    SignalAction = "EXIT"
)

// Well-known attribute keys carried by signal tokens.
const (
	AttrGeneration = "GENERATION"
	AttrTimestamp  = "TIMESTAMP"
)

// SignalPayload is the Signal variant of Payload.
type SignalPayload struct {
	Action     SignalAction      `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

var _ Payload = (*SignalPayload)(nil)

// Kind implements Payload.
func (s *SignalPayload) Kind() string { return KindSignal }

// ApplyDefaults implements Payload.
func (s *SignalPayload) ApplyDefaults() {
	if s.Attributes == nil {
		s.Attributes = map[string]string{}
	}
}

// SameAttributes reports whether s carries the same attribute set as
// other, used by Signaller.set_action's idempotence check.
func (s *SignalPayload) SameAttributes(other map[string]string) bool {
	if len(s.Attributes) != len(other) {
		return false
	}
	for k, v := range other {
		if s.Attributes[k] != v {
			return false
		}
	}
	return true
}

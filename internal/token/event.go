package token

// EventPayload is the Event variant of Payload. It represents satisfaction
// of one edge of a job's dependency set.
type EventPayload struct {
	Creator    string            `json:"creator"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

var _ Payload = (*EventPayload)(nil)

// Kind implements Payload.
func (e *EventPayload) Kind() string { return KindEvent }

// ApplyDefaults implements Payload.
func (e *EventPayload) ApplyDefaults() {
	if e.Attributes == nil {
		e.Attributes = map[string]string{}
	}
}

// MergeAttributes returns a new attribute map that is the union of all
// given events' attributes, comma-joining values on key collision — the
// mechanism by which upstream properties flow downstream (§4.7.1).
func MergeAttributes(events ...*EventPayload) map[string]string {
	merged := map[string]string{}
	for _, e := range events {
		if e == nil {
			continue
		}
		for k, v := range e.Attributes {
			if existing, ok := merged[k]; ok {
				merged[k] = existing + "," + v
			} else {
				merged[k] = v
			}
		}
	}
	return merged
}

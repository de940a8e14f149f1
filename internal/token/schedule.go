package token

// OverrunPolicy controls what the scheduler does when a schedule's
// next_run_time arrives while a prior instance of the same workflow is
// still running.
type OverrunPolicy string

const (
	OverrunSkip               OverrunPolicy = "SKIP"
	OverrunAbortRunning       OverrunPolicy = "ABORT_RUNNING"
	OverrunDelay              OverrunPolicy = "DELAY"
	OverrunDelayUntilSuccess  OverrunPolicy = "DELAY_UNTIL_SUCCESS"
	OverrunStartNew           OverrunPolicy = "START_NEW"
)

// SchedulePayload is the Schedule variant of Payload.
type SchedulePayload struct {
	NextRunTime        int64             `json:"next_run_time"`
	RecurrenceSeconds  int64             `json:"recurrence_seconds"`
	OverrunPolicy      OverrunPolicy     `json:"overrun_policy"`
	Workflow           string            `json:"workflow"`
	ParserParams       map[string]string `json:"parser_params,omitempty"`
	Emails             []string          `json:"emails,omitempty"`
	MaxRunningInstances int              `json:"max_running_instances,omitempty"`
}

var _ Payload = (*SchedulePayload)(nil)

// Kind implements Payload.
func (s *SchedulePayload) Kind() string { return KindSchedule }

// ApplyDefaults implements Payload. An unset overrun policy defaults to
// SKIP, the original implementation's conservative default.
func (s *SchedulePayload) ApplyDefaults() {
	if s.OverrunPolicy == "" {
		s.OverrunPolicy = OverrunSkip
	}
	if s.MaxRunningInstances == 0 {
		s.MaxRunningInstances = 1
	}
}

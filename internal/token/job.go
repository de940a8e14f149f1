package token

import "strings"

// InputSlot names one dependency edge of a job. The distinguished
// WorkflowStartInput marks dependency-free jobs.
type InputSlot struct {
	Name string `json:"name"`
}

// ExecutionRecord captures one attempt at running a job, including the
// event tokens consumed at promotion (§4.7.1) and the properties harvested
// from PINBALL:key=value log lines.
type ExecutionRecord struct {
	StartTime  int64              `json:"start_time"`
	EndTime    int64              `json:"end_time"`
	ExitCode   int                `json:"exit_code,omitempty"`
	Info       string             `json:"info,omitempty"`
	Events     []EventRef         `json:"events,omitempty"`
	Properties map[string][]string `json:"properties,omitempty"`
}

// EventRef records which event token satisfied an input slot at promotion
// time, so analyzer.poison and archiver inspection can reconstruct the
// exact dependency that fired.
type EventRef struct {
	Input string `json:"input"`
	Event string `json:"event"`
}

// JobPayload is the Job variant of Payload.
type JobPayload struct {
	Name            string            `json:"name"`
	Inputs          []InputSlot       `json:"inputs"`
	Outputs         []string          `json:"outputs"`
	Emails          []string          `json:"emails,omitempty"`
	MaxAttempts     int               `json:"max_attempts"`
	RetryDelaySec   int64             `json:"retry_delay_sec"`
	WarnTimeoutSec  int64             `json:"warn_timeout_sec,omitempty"`
	AbortTimeoutSec int64             `json:"abort_timeout_sec,omitempty"`
	Disabled        bool              `json:"disabled,omitempty"`
	History         []ExecutionRecord `json:"history,omitempty"`
	PendingEvents   []EventRef        `json:"pending_events,omitempty"`
	// PendingAttributes carries the union of the triggering events'
	// attributes from promotion through to this run's output event
	// tokens (§4.7.1's attribute-propagation mechanism). Cleared once the
	// run's output events are written.
	PendingAttributes map[string]string `json:"pending_attributes,omitempty"`

	// Shell-command variant fields.
	Command         string `json:"command,omitempty"`
	CleanupTemplate string `json:"cleanup_template,omitempty"`
}

var _ Payload = (*JobPayload)(nil)

// Kind implements Payload.
func (j *JobPayload) Kind() string { return KindJob }

// ApplyDefaults implements Payload. MaxAttempts defaults to 1 (run once,
// no retry) per the data model's "max_attempts>=1" invariant.
func (j *JobPayload) ApplyDefaults() {
	if j.MaxAttempts < 1 {
		j.MaxAttempts = 1
	}
}

// HasWorkflowStart reports whether this job depends only on the
// distinguished start input, i.e. it is runnable at the beginning of an
// instance once the parser-seeded start event exists.
func (j *JobPayload) HasWorkflowStart() bool {
	for _, in := range j.Inputs {
		if in.Name == WorkflowStartInput {
			return true
		}
	}
	return false
}

// FailedAttempts returns the number of history records with a non-zero
// exit code, used to decide retries-remaining in spec §4.7 step 5.
func (j *JobPayload) FailedAttempts() int {
	n := 0
	for _, rec := range j.History {
		if rec.ExitCode != 0 {
			n++
		}
	}
	return n
}

// RetriesRemaining reports whether another attempt is permitted.
func (j *JobPayload) RetriesRemaining() bool {
	return j.FailedAttempts() < j.MaxAttempts
}

// Summary renders a one-line operator-facing description of the job,
// mirroring the original implementation's job.info() used by CLI listing.
func (j *JobPayload) Summary() string {
	var b strings.Builder
	b.WriteString(j.Name)
	b.WriteString(" (")
	b.WriteString(j.Command)
	b.WriteString(")")
	if j.Disabled {
		b.WriteString(" [disabled]")
	}
	return b.String()
}

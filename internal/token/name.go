// Package token defines the universal data unit of the coordination
// substrate: the Token, its hierarchical Name, and the tagged-union
// Payload variants (Job, Event, Schedule, Signal) that ride inside it.
package token

import (
	"fmt"
	"strings"
)

// Name grammar constants, used to build and parse the canonical prefixes
// documented in the token-naming grammar.
const (
	WorkflowRoot   = "/workflow"
	ScheduleRoot   = "/schedule/workflow"
	SignalSegment  = "__SIGNAL__"
	JobWaiting     = "job/waiting"
	JobRunnable    = "job/runnable"
	InputSegment   = "input"
	BlessedVersion = "/__BLESSED_VERSION__"

	// WorkflowStartInput is the distinguished input name marking a job
	// that has no upstream dependency within the instance.
	WorkflowStartInput = "__WORKFLOW_START__"
)

// WorkflowScope returns the prefix identifying every token that belongs to
// a workflow, regardless of instance.
func WorkflowScope(workflow string) string {
	return fmt.Sprintf("%s/%s/", WorkflowRoot, workflow)
}

// InstanceScope returns the prefix identifying every token that belongs to
// one instance of a workflow.
func InstanceScope(workflow, instance string) string {
	return fmt.Sprintf("%s/%s/%s/", WorkflowRoot, workflow, instance)
}

// WaitingJobName returns the name of a waiting job token.
func WaitingJobName(workflow, instance, job string) string {
	return InstanceScope(workflow, instance) + JobWaiting + "/" + job
}

// RunnableJobName returns the name of a runnable job token.
func RunnableJobName(workflow, instance, job string) string {
	return InstanceScope(workflow, instance) + JobRunnable + "/" + job
}

// EventName returns the name of an event token satisfying one input slot
// of one job.
func EventName(workflow, instance, job, input, event string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s", InstanceScope(workflow, instance), InputSegment, job, input, event)
}

// EventPrefix returns the prefix under which every event token for one
// input slot of one job lives.
func EventPrefix(workflow, instance, job, input string) string {
	return fmt.Sprintf("%s%s/%s/%s/", InstanceScope(workflow, instance), InputSegment, job, input)
}

// InstanceSignalName returns the name of an instance-scoped signal token.
func InstanceSignalName(workflow, instance, action string) string {
	return InstanceScope(workflow, instance) + SignalSegment + "/" + action
}

// WorkflowSignalName returns the name of a workflow-scoped signal token.
func WorkflowSignalName(workflow, action string) string {
	return WorkflowScope(workflow) + SignalSegment + "/" + action
}

// GlobalSignalName returns the name of a global-scoped signal token.
func GlobalSignalName(action string) string {
	return fmt.Sprintf("%s/%s/%s", WorkflowRoot, SignalSegment, action)
}

// ScheduleName returns the name of the schedule token for a workflow.
func ScheduleName(workflow string) string {
	return ScheduleRoot + "/" + workflow
}

// ValidNameComponent reports whether s is a legal path component: non-empty,
// alphanumeric plus underscore.
func ValidNameComponent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// SplitInstance extracts the workflow and instance components from a name
// that starts with an instance scope. It returns ok=false if name is too
// short to contain both components.
func SplitInstance(name string) (workflow, instance string, ok bool) {
	trimmed := strings.TrimPrefix(name, WorkflowRoot+"/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

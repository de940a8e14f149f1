package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/token"
)

const sampleWorkflow = `
recurrence_seconds: 3600
overrun_policy: SKIP
jobs:
  - name: parent
    outputs: [child]
    command: "echo parent"
  - name: child
    inputs: [parent]
    command: "echo child"
`

func writeWorkflow(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(contents), 0o644))
}

func TestWorkflowTokensSeedsStartEventForRootJobs(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "etl", sampleWorkflow)

	p := &YAMLParser{Dir: dir}
	ctx := context.Background()

	names, err := p.WorkflowNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"etl"}, names)

	tokens, err := p.WorkflowTokens(ctx, "etl", "123", "scheduler", nil)
	require.NoError(t, err)

	var waitingCount, eventCount int
	for _, tok := range tokens {
		switch {
		case containsSegment(tok.Name, "job/waiting"):
			waitingCount++
		case containsSegment(tok.Name, "/input/"):
			eventCount++
		}
	}
	require.Equal(t, 2, waitingCount)
	require.Equal(t, 1, eventCount, "only the root job (no declared inputs) should get a seeded start event")
}

func TestScheduleTokenCarriesRecurrence(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "etl", sampleWorkflow)

	p := &YAMLParser{Dir: dir}
	tok, err := p.ScheduleToken(context.Background(), "etl")
	require.NoError(t, err)
	require.Equal(t, "/schedule/workflow/etl", tok.Name)

	payload, err := token.Decode(tok.Data)
	require.NoError(t, err)
	sched, ok := payload.(*token.SchedulePayload)
	require.True(t, ok)
	require.Equal(t, int64(3600), sched.RecurrenceSeconds)
}

func containsSegment(name, segment string) bool {
	for i := 0; i+len(segment) <= len(name); i++ {
		if name[i:i+len(segment)] == segment {
			return true
		}
	}
	return false
}

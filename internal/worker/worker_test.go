package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/emailer"
	"github.com/pinwheel-sh/pinwheel/internal/executor"
	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

type countingEmailer struct {
	endCalls      int
	lastSucceeded bool
	failureCalls  int
}

func (e *countingEmailer) SendJobFailure(to []string, workflow, instance, job string, exitCode int) error {
	e.failureCalls++
	return nil
}

func (e *countingEmailer) SendJobTimeoutWarning(to []string, workflow, instance, job string) error {
	return nil
}

func (e *countingEmailer) SendTooManyRunningInstances(to []string, workflow string, running, max int) error {
	return nil
}

func (e *countingEmailer) SendInstanceEnd(to []string, workflow, instance string, succeeded bool) error {
	e.endCalls++
	e.lastSucceeded = succeeded
	return nil
}

var _ emailer.Emailer = (*countingEmailer)(nil)

func newClient(t *testing.T) client.Client {
	t.Helper()
	h, err := master.New(context.Background(), memory.New())
	require.NoError(t, err)
	return client.Local{Handler: h}
}

func putWaitingJob(t *testing.T, ctx context.Context, c client.Client, workflow, instance string, job *token.JobPayload) {
	t.Helper()
	tok, err := token.New(token.WaitingJobName(workflow, instance, job.Name), job)
	require.NoError(t, err)
	_, err = c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{tok}})
	require.NoError(t, err)
}

func putStartEvent(t *testing.T, ctx context.Context, c client.Client, workflow, instance, job string) {
	t.Helper()
	tok, err := token.New(token.EventName(workflow, instance, job, token.WorkflowStartInput, "seed"), &token.EventPayload{Creator: "parser"})
	require.NoError(t, err)
	_, err = c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{tok}})
	require.NoError(t, err)
}

func queryPrefix(t *testing.T, ctx context.Context, c client.Client, prefix string) []token.Token {
	t.Helper()
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: prefix}}})
	require.NoError(t, err)
	return resp.Tokens[0]
}

func decodeJob(t *testing.T, tok token.Token) *token.JobPayload {
	t.Helper()
	payload, err := token.Decode(tok.Data)
	require.NoError(t, err)
	job, ok := payload.(*token.JobPayload)
	require.True(t, ok)
	return job
}

func TestWorkerRunsTerminalJobThenArchivesOnNextCycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putWaitingJob(t, ctx, c, "etl", "i1", &token.JobPayload{
		Name:        "root",
		Inputs:      []token.InputSlot{{Name: token.WorkflowStartInput}},
		MaxAttempts: 1,
		Command:     "true",
	})
	putStartEvent(t, ctx, c, "etl", "i1", "root")

	now := time.Unix(1_700_000_000, 0)
	e := &countingEmailer{}
	w := New(c, executor.New(t.TempDir()), e, 0,
		WithClock(func() time.Time { return now }),
		WithArchiveDelay(0),
		WithLease(time.Minute))

	did, err := w.cycle(ctx)
	require.NoError(t, err)
	require.True(t, did)

	waiting := queryPrefix(t, ctx, c, token.WaitingJobName("etl", "i1", "root"))
	require.Len(t, waiting, 1)
	job := decodeJob(t, waiting[0])
	require.Len(t, job.History, 1)
	require.Equal(t, 0, job.History[0].ExitCode)

	archiveSignal := queryPrefix(t, ctx, c, token.InstanceSignalName("etl", "i1", string(token.SignalArchive)))
	require.Len(t, archiveSignal, 1)
	require.NotEmpty(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")))

	// Second cycle notices ARCHIVE + is_done, stamps and honors the
	// (zero) archive delay, and sends the instance-end email.
	_, err = w.cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.endCalls)
	require.True(t, e.lastSucceeded)
	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")), "instance should be fully archived")
}

func TestWorkerRetriesFailedJobThenTerminates(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putWaitingJob(t, ctx, c, "etl", "i1", &token.JobPayload{
		Name:        "root",
		Inputs:      []token.InputSlot{{Name: token.WorkflowStartInput}},
		MaxAttempts: 2,
		Command:     "exit 1",
	})
	putStartEvent(t, ctx, c, "etl", "i1", "root")

	now := time.Unix(1_700_000_000, 0)
	e := &countingEmailer{}
	w := New(c, executor.New(t.TempDir()), e, 0,
		WithClock(func() time.Time { return now }),
		WithLease(time.Minute))

	did, err := w.cycle(ctx)
	require.NoError(t, err)
	require.True(t, did)

	runnable := queryPrefix(t, ctx, c, token.RunnableJobName("etl", "i1", "root"))
	require.Len(t, runnable, 1, "a retriable failure stays runnable")
	require.Empty(t, runnable[0].Owner, "ownership released for immediate retry when retry_delay_sec is 0")
	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceSignalName("etl", "i1", string(token.SignalArchive))))

	did, err = w.cycle(ctx)
	require.NoError(t, err)
	require.True(t, did)

	waiting := queryPrefix(t, ctx, c, token.WaitingJobName("etl", "i1", "root"))
	require.Len(t, waiting, 1)
	job := decodeJob(t, waiting[0])
	require.Len(t, job.History, 2)
	require.Equal(t, 2, job.FailedAttempts())
	require.Equal(t, 1, e.failureCalls)
	require.Len(t, queryPrefix(t, ctx, c, token.InstanceSignalName("etl", "i1", string(token.SignalArchive))), 1)
}

func TestWorkerPropagatesOutputEventToDownstreamJob(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putWaitingJob(t, ctx, c, "etl", "i1", &token.JobPayload{
		Name:        "root",
		Inputs:      []token.InputSlot{{Name: token.WorkflowStartInput}},
		Outputs:     []string{"leaf"},
		MaxAttempts: 1,
		Command:     "true",
	})
	putWaitingJob(t, ctx, c, "etl", "i1", &token.JobPayload{
		Name:        "leaf",
		Inputs:      []token.InputSlot{{Name: "root"}},
		MaxAttempts: 1,
		Command:     "true",
	})
	putStartEvent(t, ctx, c, "etl", "i1", "root")

	w := New(c, executor.New(t.TempDir()), emailer.Noop{}, 0, WithLease(time.Minute))

	did, err := w.cycle(ctx)
	require.NoError(t, err)
	require.True(t, did, "first cycle claims and runs root")
	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceSignalName("etl", "i1", string(token.SignalArchive))),
		"root has outputs, so the instance is not done yet")

	did, err = w.cycle(ctx)
	require.NoError(t, err)
	require.True(t, did, "second cycle promotes and runs leaf")

	require.Len(t, queryPrefix(t, ctx, c, token.InstanceSignalName("etl", "i1", string(token.SignalArchive))), 1)
}

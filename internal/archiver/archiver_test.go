package archiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

func newClient(t *testing.T) client.Client {
	t.Helper()
	h, err := master.New(context.Background(), memory.New())
	require.NoError(t, err)
	return client.Local{Handler: h}
}

func putJob(t *testing.T, ctx context.Context, c client.Client, name string, job *token.JobPayload) {
	t.Helper()
	tok, err := token.New(name, job)
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

func TestArchiveIfExpiredWaitsUntilDeadline(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "root"), &token.JobPayload{Name: "root"})

	now := time.Unix(1_700_000_000, 0)
	a := New(c, "etl", "i1").WithClock(func() time.Time { return now })

	archived, err := a.ArchiveIfExpired(ctx, now.Unix()+10)
	require.NoError(t, err)
	require.False(t, archived)
	require.Len(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")), 1)

	archived, err = a.ArchiveIfExpired(ctx, now.Unix()-10)
	require.NoError(t, err)
	require.True(t, archived)
	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")))
}

func TestArchiveIfAbortedRequiresNoActiveOwner(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	now := time.Unix(1_700_000_000, 0)

	putJob(t, ctx, c, token.RunnableJobName("etl", "i1", "root"), &token.JobPayload{Name: "root"})
	abortTok, err := token.New(token.InstanceSignalName("etl", "i1", string(token.SignalAbort)), &token.SignalPayload{Action: token.SignalAbort})
	require.NoError(t, err)
	_, err = c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{abortTok}})
	require.NoError(t, err)

	// Own the runnable job token as a worker would, with a lease well into
	// the future.
	owned := queryPrefix(t, ctx, c, token.RunnableJobName("etl", "i1", "root"))
	require.Len(t, owned, 1)
	ownReq := wire.QueryAndOwnRequest{
		Query:          wire.SubQuery{NamePrefix: token.RunnableJobName("etl", "i1", "root"), MaxTokens: 1},
		Owner:          "worker-1",
		ExpirationTime: now.Add(time.Hour).Unix(),
	}
	_, err = c.QueryAndOwn(ctx, ownReq)
	require.NoError(t, err)

	a := New(c, "etl", "i1").WithClock(func() time.Time { return now })
	archived, err := a.ArchiveIfAborted(ctx)
	require.NoError(t, err)
	require.False(t, archived, "a still-leased token must block archival")

	// Once the lease has (conservatively) lapsed, archival proceeds.
	later := now.Add(2 * time.Hour)
	a = New(c, "etl", "i1").WithClock(func() time.Time { return later })
	archived, err = a.ArchiveIfAborted(ctx)
	require.NoError(t, err)
	require.True(t, archived)
	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")))
}

func TestArchiveIfAbortedNoopWithoutAbortSignal(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "root"), &token.JobPayload{Name: "root"})

	a := New(c, "etl", "i1")
	archived, err := a.ArchiveIfAborted(ctx)
	require.NoError(t, err)
	require.False(t, archived)
}

func TestPoisonSynthesizesMissingInputsForDescendants(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "extract"), &token.JobPayload{
		Name:    "extract",
		Inputs:  []token.InputSlot{{Name: token.WorkflowStartInput}},
		Outputs: []string{"transform"},
	})
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "transform"), &token.JobPayload{
		Name:    "transform",
		Inputs:  []token.InputSlot{{Name: "extract"}},
		Outputs: []string{"load"},
	})
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "load"), &token.JobPayload{
		Name:   "load",
		Inputs: []token.InputSlot{{Name: "transform"}},
	})

	an := NewAnalyzer(c, "etl", "i1")
	require.NoError(t, an.Poison(ctx, []string{"transform"}))

	// extract is not a descendant of transform, so transform's "extract"
	// input IS synthesized. load's "transform" input is not: transform is
	// itself a descendant and emits a fresh event when it reruns.
	extractEvents := queryPrefix(t, ctx, c, token.EventPrefix("etl", "i1", "transform", "extract"))
	require.Len(t, extractEvents, 1)
	payload, err := token.Decode(extractEvents[0].Data)
	require.NoError(t, err)
	ev, ok := payload.(*token.EventPayload)
	require.True(t, ok)
	require.Equal(t, "analyzer", ev.Creator)

	events := queryPrefix(t, ctx, c, token.EventPrefix("etl", "i1", "load", "transform"))
	require.Empty(t, events, "an input fed by another descendant is not synthesized")
}

func TestPoisonIsNoopWhenEventsAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "transform"), &token.JobPayload{
		Name:    "transform",
		Inputs:  []token.InputSlot{{Name: "extract"}},
		Outputs: []string{"load"},
	})
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "load"), &token.JobPayload{
		Name:   "load",
		Inputs: []token.InputSlot{{Name: "transform"}},
	})
	evTok, err := token.New(token.EventName("etl", "i1", "load", "transform", "e1"), &token.EventPayload{Creator: "worker"})
	require.NoError(t, err)
	_, err = c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{evTok}})
	require.NoError(t, err)

	an := NewAnalyzer(c, "etl", "i1")
	require.NoError(t, an.Poison(ctx, []string{"load"}))

	events := queryPrefix(t, ctx, c, token.EventPrefix("etl", "i1", "load", "transform"))
	require.Len(t, events, 1, "an existing event must not be duplicated")
}

func TestChangeInstanceRenamesAndArchivesOld(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "root"), &token.JobPayload{Name: "root"})

	an := NewAnalyzer(c, "etl", "i1")
	require.NoError(t, an.ChangeInstance(ctx, "i2"))

	require.Empty(t, queryPrefix(t, ctx, c, token.InstanceScope("etl", "i1")))
	renamed := queryPrefix(t, ctx, c, token.InstanceScope("etl", "i2"))
	require.Len(t, renamed, 1)
	require.Equal(t, token.WaitingJobName("etl", "i2", "root"), renamed[0].Name)
}

func TestClearJobHistoriesResetsHistoryOnly(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	putJob(t, ctx, c, token.WaitingJobName("etl", "i1", "root"), &token.JobPayload{
		Name:          "root",
		History:       []token.ExecutionRecord{{ExitCode: 1}},
		PendingEvents: []token.EventRef{{Input: "extract", Event: "e1"}},
	})

	an := NewAnalyzer(c, "etl", "i1")
	require.NoError(t, an.ClearJobHistories(ctx))

	toks := queryPrefix(t, ctx, c, token.WaitingJobName("etl", "i1", "root"))
	require.Len(t, toks, 1)
	payload, err := token.Decode(toks[0].Data)
	require.NoError(t, err)
	job, ok := payload.(*token.JobPayload)
	require.True(t, ok)
	require.Empty(t, job.History)
	require.Empty(t, job.PendingEvents)
	require.Equal(t, "root", job.Name)
}

package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/token"
)

func newClient(t *testing.T) client.Client {
	t.Helper()
	h, err := master.New(context.Background(), memory.New())
	require.NoError(t, err)
	return client.Local{Handler: h}
}

func TestSetActionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	s := New(c, "wf", "i1", 0)

	require.NoError(t, s.SetAction(ctx, token.SignalAbort, map[string]string{"TIMESTAMP": "100"}))
	set, err := s.IsSet(ctx, token.SignalAbort)
	require.NoError(t, err)
	require.True(t, set)
	name := token.InstanceSignalName("wf", "i1", string(token.SignalAbort))
	before, _, err := s.get(ctx, name)
	require.NoError(t, err)

	// Re-setting with identical attributes must not bump the version (no
	// write at all).
	require.NoError(t, s.SetAction(ctx, token.SignalAbort, map[string]string{"TIMESTAMP": "100"}))
	after, _, err := s.get(ctx, name)
	require.NoError(t, err)
	require.Equal(t, before.tok.Version, after.tok.Version)
}

func TestWorkflowScopeSignalIsVisibleToInstance(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	workflowScoped := New(c, "wf", "", 0)
	require.NoError(t, workflowScoped.SetAction(ctx, token.SignalDrain, nil))

	instanceScoped := New(c, "wf", "i1", 0)
	set, err := instanceScoped.IsSet(ctx, token.SignalDrain)
	require.NoError(t, err)
	require.True(t, set)
}

func TestExitHonorsGeneration(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	writer := New(c, "", "", 0)
	require.NoError(t, writer.SetAction(ctx, token.SignalExit, map[string]string{token.AttrGeneration: "5"}))

	oldGen := Global(c, 3)
	set, err := oldGen.IsSet(ctx, token.SignalExit)
	require.NoError(t, err)
	require.True(t, set, "generation 3 process should honor an EXIT targeting generation 5")

	newGen := Global(c, 10)
	set, err = newGen.IsSet(ctx, token.SignalExit)
	require.NoError(t, err)
	require.False(t, set, "generation 10 process should not honor an EXIT targeting generation 5")
}

func TestSetAttributeIfMissingIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	s := New(c, "wf", "i1", 0)

	wasSet, err := s.SetAttributeIfMissing(ctx, token.SignalArchive, token.AttrTimestamp, "100")
	require.NoError(t, err)
	require.True(t, wasSet)

	wasSet, err = s.SetAttributeIfMissing(ctx, token.SignalArchive, token.AttrTimestamp, "200")
	require.NoError(t, err)
	require.False(t, wasSet, "the attribute is already present, so the second call is a no-op")

	v, ok, err := s.GetAttribute(ctx, token.SignalArchive, token.AttrTimestamp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", v)
}

func TestRemoveActionClearsSignal(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	s := New(c, "wf", "i1", 0)

	require.NoError(t, s.SetAction(ctx, token.SignalDrain, nil))
	require.NoError(t, s.RemoveAction(ctx, token.SignalDrain))

	set, err := s.IsSet(ctx, token.SignalDrain)
	require.NoError(t, err)
	require.False(t, set)
}

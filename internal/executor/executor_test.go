package executor

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteSuccessWritesLogsAndProperties(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	res, handle, err := e.Execute(context.Background(), "etl", "i1", "root",
		"echo PINBALL:kill_id=local/42; echo hello; echo world 1>&2",
		"", 0, 0, nil)
	require.NoError(t, err)
	<-handle.done
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.Aborted)
	require.Equal(t, []string{"local/42"}, res.Properties["kill_id"])

	stdout, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(stdout), "hello"))

	stderr, err := os.ReadFile(res.StderrPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(stderr), "world"))
}

func TestExecuteNonZeroExitRunsCleanup(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	res, handle, err := e.Execute(context.Background(), "etl", "i1", "root",
		"echo PINBALL:kill_id=local/7; exit 3",
		"echo cleaning %(kill_id)s", 0, 0, nil)
	require.NoError(t, err)
	<-handle.done
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, 0, res.CleanupExitCode)

	stdout, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(stdout), "cleaning local/7"))
}

func TestAbortKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	res, handle, err := e.Execute(context.Background(), "etl", "i1", "root",
		"sleep 30", "", 0, 0, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	handle.Abort()
	<-handle.done

	require.True(t, res.Aborted)
	require.NotEqual(t, 0, res.ExitCode)
}

func TestAbortTimeoutKillsLongRunningCommand(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	res, handle, err := e.Execute(context.Background(), "etl", "i1", "root",
		"sleep 30", "", 0, 50*time.Millisecond, nil)
	require.NoError(t, err)
	<-handle.done

	require.True(t, res.Aborted)
}

func TestWarnTimeoutInvokesCallbackWithoutKilling(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	warned := make(chan struct{}, 1)
	res, handle, err := e.Execute(context.Background(), "etl", "i1", "root",
		"sleep 0.2", "", 50*time.Millisecond, 0, func() { warned <- struct{}{} })
	require.NoError(t, err)
	<-handle.done

	select {
	case <-warned:
	default:
		t.Fatal("expected onWarn to fire")
	}
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.Aborted)
}

func TestCopyLinesFlushesOverlongLineInsteadOfBlocking(t *testing.T) {
	data := bytes.Repeat([]byte("x"), maxLineBuffer+10)
	var out bytes.Buffer
	var props [][2]string
	addProperty := func(key, value string) { props = append(props, [2]string{key, value}) }

	err := copyLines(bytes.NewReader(data), &out, addProperty)
	require.NoError(t, err)

	// the overlong unterminated line is flushed once the buffer cap is hit
	// (not dropped, and not left to block forever waiting on a newline),
	// then the trailing remainder is flushed at EOF: two lines in, two
	// newlines out.
	require.Equal(t, len(data)+2, out.Len())
	require.Empty(t, props)
}

func TestCopyLinesParsesPropertyLines(t *testing.T) {
	data := []byte("hello\nPINBALL:kill_id=abc/1\nworld\n")
	var out bytes.Buffer
	var props [][2]string
	addProperty := func(key, value string) { props = append(props, [2]string{key, value}) }

	err := copyLines(bytes.NewReader(data), &out, addProperty)
	require.NoError(t, err)
	require.Equal(t, string(data), out.String())
	require.Equal(t, [][2]string{{"kill_id", "abc/1"}}, props)
}

func TestContextCancellationKillsProcess(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Execute returns only once the command has ended, so the cancel is
	// scheduled before the call.
	time.AfterFunc(50*time.Millisecond, cancel)

	res, handle, err := e.Execute(ctx, "etl", "i1", "root", "sleep 30", "", 0, 0, nil)
	require.NoError(t, err)
	<-handle.done

	require.NotEqual(t, 0, res.ExitCode)
}

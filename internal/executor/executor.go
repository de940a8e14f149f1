// Package executor runs one job's shell command as a detached process
// group, harvests PINBALL:key=value property lines from its output, and
// enforces warn/abort timeouts — grounded on
// original_source's pinball/workflow/job_executor.py and
// buffered_line_reader.py.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// propertyPrefix marks log lines carrying key=value properties a job
// wants recorded against its execution record (e.g. kill_id for cleanup).
const propertyPrefix = "PINBALL:"

// readChunkSize and maxLineBuffer mirror buffered_line_reader.py's
// _DEFAULT_READ_SIZE/_DEFAULT_BUFFER_SIZE: read in small chunks, and once
// an unterminated line grows past maxLineBuffer, flush it as a line and
// keep reading rather than blocking for a newline that may never come.
const (
	readChunkSize = 1 << 11
	maxLineBuffer = 1 << 20
)

// Result is what one Execute call reports back to the caller, the pieces
// the worker folds into a token.ExecutionRecord.
type Result struct {
	StartTime       int64
	EndTime         int64
	ExitCode        int
	Info            string
	Properties      map[string][]string
	StdoutPath      string
	StderrPath      string
	CleanupExitCode int
	Aborted         bool
}

// KillIDProperty is the well-known property key whose values feed the
// cleanup command template's %(kill_id)s substitution.
const KillIDProperty = "kill_id"

// Executor runs shell commands on behalf of the worker.
type Executor struct {
	// LogDir is the local base directory under which per-workflow,
	// per-instance log files are written.
	LogDir string
	Clock  func() time.Time
}

// New returns an Executor writing logs under logDir.
func New(logDir string) *Executor {
	return &Executor{LogDir: logDir, Clock: time.Now}
}

// Handle is a running (or finished) execution a caller can Abort.
type Handle struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	aborted bool
	done    chan struct{}
}

// Abort kills the process group the command is running in. Safe to call
// multiple times and safe to call after the command has already exited.
func (h *Handle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = true
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

// Execute runs command to completion, or until ctx is canceled. command
// is executed through /bin/sh -c as its own session leader (setsid,
// mirrored here with Setpgid) so Abort can kill the whole tree rather
// than just the shell. If warnTimeout elapses before the command exits,
// onWarn is invoked exactly once without interrupting the command. If
// abortTimeout elapses, the process group is killed the same way Abort
// would. cleanupTemplate, when non-empty, runs once more after a non-zero
// exit, with "%(kill_id)s" substituted from the PINBALL:kill_id=
// properties the command's own output reported.
func (e *Executor) Execute(
	ctx context.Context,
	workflow, instance, job, command, cleanupTemplate string,
	warnTimeout, abortTimeout time.Duration,
	onWarn func(),
) (*Result, *Handle, error) {
	start := e.Clock()
	res := &Result{StartTime: start.Unix(), Info: command, Properties: map[string][]string{}}

	logsDir := filepath.Join(e.LogDir, workflow, instance)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		res.EndTime = e.Clock().Unix()
		res.ExitCode = 1
		res.Info = fmt.Sprintf("create logs dir: %v", err)
		return res, &Handle{done: closedChan()}, nil
	}
	stamp := start.UnixNano()
	res.StdoutPath = filepath.Join(logsDir, fmt.Sprintf("%s.%d.stdout", job, stamp))
	res.StderrPath = filepath.Join(logsDir, fmt.Sprintf("%s.%d.stderr", job, stamp))

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	stdoutFile, err := os.Create(res.StdoutPath)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: create stdout log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(res.StderrPath)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: create stderr log: %w", err)
	}
	defer stderrFile.Close()

	if err := cmd.Start(); err != nil {
		res.EndTime = e.Clock().Unix()
		res.ExitCode = 1
		res.Info = fmt.Sprintf("start: %v", err)
		return res, &Handle{done: closedChan()}, nil
	}

	handle := &Handle{cmd: cmd, done: make(chan struct{})}
	var propsMu sync.Mutex
	addProperty := func(key, value string) {
		propsMu.Lock()
		defer propsMu.Unlock()
		for _, v := range res.Properties[key] {
			if v == value {
				return
			}
		}
		res.Properties[key] = append(res.Properties[key], value)
	}

	var g errgroup.Group
	g.Go(func() error { return copyLines(stdout, stdoutFile, addProperty) })
	g.Go(func() error { return copyLines(stderr, stderrFile, addProperty) })

	timers := e.startTimeoutWatchers(start, warnTimeout, abortTimeout, onWarn, handle)
	defer timers.stop()

	waitErr := g.Wait()
	exitErr := cmd.Wait()
	close(handle.done)
	if waitErr != nil {
		res.Info = fmt.Sprintf("%s; log copy error: %v", res.Info, waitErr)
	}

	res.EndTime = e.Clock().Unix()
	handle.mu.Lock()
	res.Aborted = handle.aborted
	handle.mu.Unlock()

	switch {
	case res.Aborted:
		res.ExitCode = 1
	case exitErr == nil:
		res.ExitCode = 0
	default:
		var exit *exec.ExitError
		if ok := asExitError(exitErr, &exit); ok {
			res.ExitCode = exit.ExitCode()
		} else {
			res.ExitCode = 1
			res.Info = fmt.Sprintf("%s; wait error: %v", res.Info, exitErr)
		}
	}

	if res.ExitCode != 0 && cleanupTemplate != "" {
		res.CleanupExitCode = e.runCleanup(ctx, cleanupTemplate, res.Properties, stdoutFile, stderrFile)
	}

	return res, handle, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	exit, ok := err.(*exec.ExitError)
	if ok {
		*target = exit
	}
	return ok
}

type timeoutWatchers struct {
	cancel func()
}

func (t timeoutWatchers) stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// startTimeoutWatchers enforces the job's warn/abort wall-clock deadlines
// measured from start, independent of ctx: a warn timeout only raises a
// callback, an abort timeout kills the process group the same way an
// operator-issued ABORT would.
func (e *Executor) startTimeoutWatchers(start time.Time, warnTimeout, abortTimeout time.Duration, onWarn func(), h *Handle) timeoutWatchers {
	stop := make(chan struct{})
	go func() {
		var warnCh, abortCh <-chan time.Time
		if warnTimeout > 0 {
			warnCh = time.After(time.Until(start.Add(warnTimeout)))
		}
		if abortTimeout > 0 {
			abortCh = time.After(time.Until(start.Add(abortTimeout)))
		}
		for {
			select {
			case <-stop:
				return
			case <-h.done:
				return
			case <-warnCh:
				warnCh = nil
				if onWarn != nil {
					onWarn()
				}
			case <-abortCh:
				abortCh = nil
				h.Abort()
			}
		}
	}()
	return timeoutWatchers{cancel: func() { close(stop) }}
}

// runCleanup executes the job's cleanup command (with %(kill_id)s
// substituted from harvested properties) once after a failed run,
// appending its output to the same log files as a clearly marked section.
func (e *Executor) runCleanup(ctx context.Context, template string, props map[string][]string, stdoutFile, stderrFile *os.File) int {
	killID := strings.Join(props[KillIDProperty], ",")
	command := strings.ReplaceAll(template, "%(kill_id)s", killID)

	writeSeparator(stdoutFile, "Start")
	writeSeparator(stderrFile, "Start")
	defer writeSeparator(stdoutFile, "End")
	defer writeSeparator(stderrFile, "End")

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if asExitError(err, &exit) {
			return exit.ExitCode()
		}
		return 1
	}
	return 0
}

func writeSeparator(f *os.File, flag string) {
	fmt.Fprintf(f, "\n<<<<<<<<<<%s of cleanup code logs>>>>>>>>>>\n", flag)
}

// copyLines reads r in small chunks, writing every newline-terminated line
// verbatim to w and parsing any PINBALL:key=value line into a property via
// addProperty. It deliberately does not use bufio.Scanner: Scanner's
// max-token-size cap makes Scan() fail permanently (bufio.ErrTooLong) once
// a single line exceeds it, which would stop this goroutine from draining
// its pipe for the rest of the process's life while the child may still be
// writing to the other pipe — the exact parent/child pipe deadlock
// buffered_line_reader.py was built to avoid. Instead, once an
// unterminated line grows past maxLineBuffer, copyLines flushes the
// accumulated bytes as a line and keeps reading, exactly as
// BufferedLineReader.readlines's overflow branch does.
func copyLines(r io.Reader, w io.Writer, addProperty func(key, value string)) error {
	emit := func(line []byte) error {
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("executor: write log line: %w", err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return fmt.Errorf("executor: write log line: %w", err)
		}
		if bytes.HasPrefix(line, []byte(propertyPrefix)) {
			kv := strings.TrimPrefix(string(line), propertyPrefix)
			key, value, ok := strings.Cut(kv, "=")
			if ok && key != "" {
				addProperty(key, value)
			}
		}
		return nil
	}

	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := append([]byte(nil), buf[:idx]...)
				buf = buf[idx+1:]
				if emitErr := emit(line); emitErr != nil {
					return emitErr
				}
			}
			if len(buf) >= maxLineBuffer {
				partial := buf
				buf = nil
				if emitErr := emit(partial); emitErr != nil {
					return emitErr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if len(buf) > 0 {
					return emit(buf)
				}
				return nil
			}
			return fmt.Errorf("executor: read: %w", err)
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Package worker implements the worker loop: one owned job token at a
// time, a lease-renewer goroutine, and the promotion/transition state
// machine, grounded on original_source's pinball/workflow/worker.py and
// spec.md §4.7/§4.7.1.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pinwheel-sh/pinwheel/internal/archiver"
	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/emailer"
	"github.com/pinwheel-sh/pinwheel/internal/executor"
	"github.com/pinwheel-sh/pinwheel/internal/signal"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

const (
	defaultLease        = 20 * time.Minute
	defaultPoll         = 10 * time.Second
	defaultArchiveDelay = 12 * time.Hour
)

// Worker claims and runs at most one job at a time.
type Worker struct {
	c       client.Client
	ex      *executor.Executor
	emailer emailer.Emailer

	name       string
	generation int64
	clock      func() time.Time
	logger     telemetry.Logger

	poll  time.Duration
	lease time.Duration

	archiveDelay           time.Duration
	archiveDelayByWorkflow map[string]time.Duration
}

// Option configures a Worker at construction.
type Option func(*Worker)

// WithClock overrides the Worker's time source.
func WithClock(clock func() time.Time) Option { return func(w *Worker) { w.clock = clock } }

// WithLogger attaches a telemetry.Logger.
func WithLogger(logger telemetry.Logger) Option { return func(w *Worker) { w.logger = logger } }

// WithPollInterval overrides the sleep between cycles that find no work.
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.poll = d } }

// WithLease overrides the runnable-job-token lease duration.
func WithLease(d time.Duration) Option { return func(w *Worker) { w.lease = d } }

// WithArchiveDelay overrides the default delay (from instance completion
// to archival) applied when no per-workflow override matches.
func WithArchiveDelay(d time.Duration) Option { return func(w *Worker) { w.archiveDelay = d } }

// WithWorkflowArchiveDelay overrides the archive delay for one named
// workflow — e.g. a high-volume workflow that operators want to inspect
// for longer than the default before it disappears.
func WithWorkflowArchiveDelay(workflow string, d time.Duration) Option {
	return func(w *Worker) { w.archiveDelayByWorkflow[workflow] = d }
}

// New returns a Worker with a randomly generated self-name.
func New(c client.Client, ex *executor.Executor, e emailer.Emailer, generation int64, opts ...Option) *Worker {
	w := &Worker{
		c:                      c,
		ex:                     ex,
		emailer:                e,
		name:                   "worker-" + uuid.NewString(),
		generation:             generation,
		clock:                  time.Now,
		logger:                 telemetry.NewNoopLogger(),
		poll:                   defaultPoll,
		lease:                  defaultLease,
		archiveDelay:           defaultArchiveDelay,
		archiveDelayByWorkflow: map[string]time.Duration{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run loops until ctx is canceled or the global EXIT signal is honored
// for this worker's generation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		global := signal.Global(w.c, w.generation)
		exit, err := global.IsSet(ctx, token.SignalExit)
		if err != nil {
			w.logger.Error(ctx, "worker: check exit signal", "error", err)
		} else if exit {
			w.logger.Info(ctx, "worker exiting on EXIT signal", "worker", w.name)
			return nil
		}
		drain, err := global.IsSet(ctx, token.SignalDrain)
		if err != nil {
			w.logger.Error(ctx, "worker: check drain signal", "error", err)
		}
		var did bool
		if !drain {
			did, err = w.cycle(ctx)
			if err != nil {
				w.logger.Error(ctx, "worker: cycle failed", "error", err)
			}
		}
		if !did {
			if err := sleep(ctx, w.randomizedPoll()); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) randomizedPoll() time.Duration {
	return time.Duration((1.0 + rand.Float64()) * float64(w.poll))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// cycle enumerates every workflow and instance in random order and tries
// to claim and run exactly one job, returning true as soon as it does.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	workflows, err := w.listGroups(ctx, token.WorkflowRoot+"/")
	if err != nil {
		return false, fmt.Errorf("worker: list workflows: %w", err)
	}
	shuffle(workflows)
	for _, workflow := range workflows {
		instances, err := w.listGroups(ctx, token.WorkflowScope(workflow))
		if err != nil {
			return false, fmt.Errorf("worker: list instances of %s: %w", workflow, err)
		}
		shuffle(instances)
		for _, instance := range instances {
			claimed, err := w.processInstance(ctx, workflow, instance)
			if err != nil {
				w.logger.Error(ctx, "worker: process instance failed", "workflow", workflow, "instance", instance, "error", err)
				continue
			}
			if claimed {
				return true, nil
			}
		}
	}
	return false, nil
}

// listGroups groups the trie's names directly under prefix by their next
// path segment, returning those segment names. Used both for the
// /workflow/ → workflow-name grouping and the workflow scope → instance
// grouping.
func (w *Worker) listGroups(ctx context.Context, prefix string) ([]string, error) {
	resp, err := w.c.Group(ctx, wire.GroupRequest{NamePrefix: prefix, GroupSuffix: "/"})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Counts))
	for group := range resp.Counts {
		rest := group[len(prefix):]
		if rest == "" {
			continue
		}
		names = append(names, rest[:len(rest)-1])
	}
	return names, nil
}

func shuffle(s []string) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// processInstance consults the instance's signals, attempts promotion,
// and tries to claim one runnable job. It returns true only when a job
// was claimed and executed.
func (w *Worker) processInstance(ctx context.Context, workflow, instance string) (bool, error) {
	sig := signal.New(w.c, workflow, instance, w.generation)

	archived, err := sig.IsSet(ctx, token.SignalArchive)
	if err != nil {
		return false, err
	}
	if archived {
		return false, w.honorArchiveDelay(ctx, sig, workflow, instance)
	}

	aborted, err := sig.IsSet(ctx, token.SignalAbort)
	if err != nil {
		return false, err
	}
	if aborted {
		_, err := archiver.New(w.c, workflow, instance).WithClock(w.clock).ArchiveIfAborted(ctx)
		return false, err
	}

	drained, err := sig.IsSet(ctx, token.SignalDrain)
	if err != nil {
		return false, err
	}
	if drained {
		return false, nil
	}

	if err := w.makeRunnable(ctx, workflow, instance); err != nil {
		return false, fmt.Errorf("promote waiting jobs: %w", err)
	}

	owned, err := w.c.QueryAndOwn(ctx, wire.QueryAndOwnRequest{
		Query:          wire.SubQuery{NamePrefix: token.InstanceScope(workflow, instance) + token.JobRunnable + "/", MaxTokens: 1},
		Owner:          w.name,
		ExpirationTime: w.clock().Add(w.lease).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("query and own runnable job: %w", err)
	}
	if len(owned.Tokens) == 0 {
		return false, nil
	}

	if err := w.executeJob(ctx, workflow, instance, owned.Tokens[0]); err != nil {
		return true, err
	}
	return true, nil
}

// honorArchiveDelay implements "ARCHIVE + is_done → honor archive-delay
// and eventually archive": the first worker to notice the instance is
// done stamps a deadline; every worker (including that one) that sees the
// deadline asks the archiver to act once it has passed.
func (w *Worker) honorArchiveDelay(ctx context.Context, sig *signal.Signaller, workflow, instance string) error {
	done, err := w.isDone(ctx, workflow, instance)
	if err != nil || !done {
		return err
	}
	deadline := w.clock().Add(w.archiveDelayFor(workflow)).Unix()
	wasFirst, err := sig.SetAttributeIfMissing(ctx, token.SignalArchive, token.AttrTimestamp, strconv.FormatInt(deadline, 10))
	if err != nil {
		return err
	}
	if wasFirst {
		if err := w.sendInstanceEndEmail(ctx, workflow, instance); err != nil {
			w.logger.Error(ctx, "worker: instance-end email failed", "workflow", workflow, "instance", instance, "error", err)
		}
	}
	raw, ok, err := sig.GetAttribute(ctx, token.SignalArchive, token.AttrTimestamp)
	if err != nil || !ok {
		return err
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("worker: parse archive deadline %q: %w", raw, err)
	}
	_, err = archiver.New(w.c, workflow, instance).WithClock(w.clock).ArchiveIfExpired(ctx, ts)
	return err
}

func (w *Worker) archiveDelayFor(workflow string) time.Duration {
	if d, ok := w.archiveDelayByWorkflow[workflow]; ok {
		return d
	}
	return w.archiveDelay
}

// isDone reports whether no job is currently runnable (owned or not) in
// the instance, i.e. nothing is in flight that a premature archive would
// cut short.
func (w *Worker) isDone(ctx context.Context, workflow, instance string) (bool, error) {
	resp, err := w.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance) + token.JobRunnable + "/"},
	}})
	if err != nil {
		return false, err
	}
	return len(resp.Tokens[0]) == 0, nil
}

func (w *Worker) sendInstanceEndEmail(ctx context.Context, workflow, instance string) error {
	failed, err := w.instanceFailed(ctx, workflow, instance)
	if err != nil {
		return err
	}
	return w.emailer.SendInstanceEnd(nil, workflow, instance, !failed)
}

func (w *Worker) instanceFailed(ctx context.Context, workflow, instance string) (bool, error) {
	resp, err := w.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance) + token.JobWaiting + "/"},
	}})
	if err != nil {
		return false, err
	}
	for _, t := range resp.Tokens[0] {
		payload, err := token.Decode(t.Data)
		if err != nil {
			continue
		}
		if job, ok := payload.(*token.JobPayload); ok && job.FailedAttempts() > 0 {
			return true, nil
		}
	}
	return false, nil
}

// makeRunnable promotes every waiting job whose inputs are all satisfied
// by at least one queued event each, per §4.7.1: one input satisfied by
// any one of its events, events consumed in the same Modify that creates
// the runnable token.
func (w *Worker) makeRunnable(ctx context.Context, workflow, instance string) error {
	resp, err := w.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance) + token.JobWaiting + "/"},
	}})
	if err != nil {
		return err
	}
	for _, waitingTok := range resp.Tokens[0] {
		if err := w.tryPromote(ctx, workflow, instance, waitingTok); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) tryPromote(ctx context.Context, workflow, instance string, waitingTok token.Token) error {
	payload, err := token.Decode(waitingTok.Data)
	if err != nil {
		return fmt.Errorf("decode waiting job %q: %w", waitingTok.Name, err)
	}
	job, ok := payload.(*token.JobPayload)
	if !ok || len(job.Inputs) == 0 {
		return nil
	}

	consumed := make([]token.Token, 0, len(job.Inputs))
	events := make([]*token.EventPayload, 0, len(job.Inputs))
	refs := make([]token.EventRef, 0, len(job.Inputs))
	for _, in := range job.Inputs {
		prefix := token.EventPrefix(workflow, instance, job.Name, in.Name)
		resp, err := w.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: prefix, MaxTokens: 1}}})
		if err != nil {
			return fmt.Errorf("query events for %s/%s: %w", job.Name, in.Name, err)
		}
		if len(resp.Tokens[0]) == 0 {
			return nil // not every input satisfied yet
		}
		evTok := resp.Tokens[0][0]
		evPayload, err := token.Decode(evTok.Data)
		if err != nil {
			return fmt.Errorf("decode event %q: %w", evTok.Name, err)
		}
		ev, _ := evPayload.(*token.EventPayload)
		consumed = append(consumed, evTok)
		events = append(events, ev)
		refs = append(refs, token.EventRef{Input: in.Name, Event: evTok.Name})
	}

	job.PendingEvents = refs
	job.PendingAttributes = token.MergeAttributes(events...)
	data, err := token.Encode(job)
	if err != nil {
		return fmt.Errorf("encode promoted job %q: %w", job.Name, err)
	}
	runnableTok := token.Token{Name: token.RunnableJobName(workflow, instance, job.Name), Priority: waitingTok.Priority, Data: data}

	deletes := append(consumed, waitingTok)
	_, err = w.c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{runnableTok}, Deletes: deletes})
	if err != nil {
		return fmt.Errorf("promote job %q: %w", job.Name, err)
	}
	return nil
}

// executeJob runs the claimed runnable token's job to completion,
// renewing its lease in the background, then transitions it to waiting
// (success) or back to runnable for retry (failure).
func (w *Worker) executeJob(ctx context.Context, workflow, instance string, owned token.Token) error {
	payload, err := token.Decode(owned.Data)
	if err != nil {
		return fmt.Errorf("decode owned job %q: %w", owned.Name, err)
	}
	job, ok := payload.(*token.JobPayload)
	if !ok {
		return fmt.Errorf("owned token %q is not a job", owned.Name)
	}

	record := token.ExecutionRecord{StartTime: w.clock().Unix(), Events: job.PendingEvents}
	job.PendingEvents = nil
	job.History = append(job.History, record)

	if job.Disabled {
		job.History[len(job.History)-1].EndTime = job.History[len(job.History)-1].StartTime
		job.History[len(job.History)-1].Info = "DISABLED"
		return w.transition(ctx, workflow, instance, owned, job, true)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := signal.New(w.c, workflow, instance, w.generation)
	renewStop := make(chan struct{})
	owningTok := owned
	go w.renewLease(execCtx, sig, &owningTok, renewStop, cancel)

	res, _, err := w.ex.Execute(execCtx, workflow, instance, job.Name, job.Command, job.CleanupTemplate,
		time.Duration(job.WarnTimeoutSec)*time.Second, time.Duration(job.AbortTimeoutSec)*time.Second,
		func() { w.sendJobTimeoutWarning(ctx, workflow, instance, job) })
	close(renewStop)

	succeeded := err == nil && res != nil && res.ExitCode == 0 && !res.Aborted
	if res != nil {
		last := &job.History[len(job.History)-1]
		last.EndTime = res.EndTime
		last.ExitCode = res.ExitCode
		last.Info = res.Info
		last.Properties = res.Properties
	}

	return w.transition(ctx, workflow, instance, owningTok, job, succeeded)
}

// renewLease extends the owned token's lease at the worker's configured
// cadence and kills the running command if ABORT is signaled or if a
// renewal Modify itself fails.
func (w *Worker) renewLease(ctx context.Context, sig *signal.Signaller, owned *token.Token, stop <-chan struct{}, abort func()) {
	tick := w.lease / 2
	if tick <= 0 {
		tick = defaultLease / 2
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			set, err := sig.IsSet(ctx, token.SignalAbort)
			if err != nil {
				w.logger.Error(ctx, "worker: check abort signal", "error", err)
				continue
			}
			if set {
				abort()
				return
			}
			owned.ExpirationTime = w.clock().Add(w.lease).Unix()
			resp, err := w.c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{*owned}})
			if err != nil {
				w.logger.Error(ctx, "worker: lease renewal failed, aborting job", "error", err)
				abort()
				return
			}
			if len(resp.Updates) == 1 {
				*owned = resp.Updates[0]
			}
		}
	}
}

func (w *Worker) sendJobTimeoutWarning(ctx context.Context, workflow, instance string, job *token.JobPayload) {
	emails := job.Emails
	if len(emails) == 0 {
		return
	}
	if err := w.emailer.SendJobTimeoutWarning(emails, workflow, instance, job.Name); err != nil {
		w.logger.Error(ctx, "worker: timeout warning email failed", "workflow", workflow, "instance", instance, "job", job.Name, "error", err)
	}
}

// transition moves the job token out of runnable: to waiting with output
// events on success, to waiting with an ARCHIVE signal on terminal
// failure or a job with no outputs, or back to runnable (with bumped
// history) if a retry is warranted.
func (w *Worker) transition(ctx context.Context, workflow, instance string, owned token.Token, job *token.JobPayload, succeeded bool) error {
	if !succeeded && job.RetriesRemaining() {
		return w.retryJob(ctx, workflow, instance, owned, job)
	}

	waitingTok, err := token.New(token.WaitingJobName(workflow, instance, job.Name), job)
	if err != nil {
		return fmt.Errorf("encode waiting job %q: %w", job.Name, err)
	}
	waitingTok.Priority = owned.Priority

	req := wire.ModifyRequest{Deletes: []token.Token{owned}, Updates: []token.Token{waitingTok}}

	if succeeded {
		req.Updates = append(req.Updates, w.outputEventTokens(workflow, instance, job)...)
	}

	terminal := len(job.Outputs) == 0 || !succeeded
	if terminal {
		sig := signal.New(w.c, workflow, instance, w.generation)
		already, err := sig.IsSet(ctx, token.SignalArchive)
		if err != nil {
			return err
		}
		if !already {
			archiveTok, err := token.New(token.InstanceSignalName(workflow, instance, string(token.SignalArchive)), &token.SignalPayload{Action: token.SignalArchive})
			if err != nil {
				return err
			}
			req.Updates = append(req.Updates, archiveTok)
		}
		if !succeeded {
			if err := w.sendJobFailureEmails(ctx, workflow, instance, job, !already); err != nil {
				w.logger.Error(ctx, "worker: job failure email failed", "workflow", workflow, "instance", instance, "job", job.Name, "error", err)
			}
		}
	}

	job.PendingAttributes = nil
	_, err = w.c.Modify(ctx, req)
	if err != nil {
		return fmt.Errorf("transition job %q: %w", job.Name, err)
	}
	return nil
}

func (w *Worker) outputEventTokens(workflow, instance string, job *token.JobPayload) []token.Token {
	if len(job.Outputs) == 0 {
		return nil
	}
	toks := make([]token.Token, 0, len(job.Outputs))
	for _, out := range job.Outputs {
		payload := &token.EventPayload{Creator: job.Name, Attributes: job.PendingAttributes}
		payload.ApplyDefaults()
		data, err := token.Encode(payload)
		if err != nil {
			continue
		}
		name := token.EventName(workflow, instance, out, job.Name, uuid.NewString())
		toks = append(toks, token.Token{Name: name, Data: data})
	}
	return toks
}

// retryJob rewrites the runnable token in place with bumped history,
// extending its own expiration (rather than releasing ownership
// immediately) when retry_delay_sec is set.
func (w *Worker) retryJob(ctx context.Context, workflow, instance string, owned token.Token, job *token.JobPayload) error {
	data, err := token.Encode(job)
	if err != nil {
		return fmt.Errorf("encode retried job %q: %w", job.Name, err)
	}
	updated := token.Token{Name: owned.Name, Version: owned.Version, Priority: owned.Priority, Data: data}
	if job.RetryDelaySec > 0 {
		updated.Owner = owned.Owner
		updated.ExpirationTime = w.clock().Add(time.Duration(job.RetryDelaySec) * time.Second).Unix()
	}
	_, err = w.c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{updated}})
	if err != nil {
		return fmt.Errorf("retry job %q: %w", job.Name, err)
	}
	return nil
}

func (w *Worker) sendJobFailureEmails(ctx context.Context, workflow, instance string, job *token.JobPayload, firstFailure bool) error {
	if !firstFailure {
		return nil
	}
	last := job.History[len(job.History)-1]
	return w.emailer.SendJobFailure(job.Emails, workflow, instance, job.Name, last.ExitCode)
}

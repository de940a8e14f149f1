// Package scheduler implements the scheduler loop: lease schedule tokens,
// evaluate each one's overrun policy against the running state of its
// workflow, and spawn new instances via the configured parser (spec.md
// §4.6), grounded on original_source's pinball/scheduler/scheduler.py and
// pinball/scheduler/overrun_policy.py.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/emailer"
	"github.com/pinwheel-sh/pinwheel/internal/parser"
	"github.com/pinwheel-sh/pinwheel/internal/signal"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Tunables mirroring the original implementation's class constants.
const (
	leaseTime    = 5 * time.Minute
	delayTime    = 5 * time.Minute
	gangSize     = 60
	pollInterval = 60 * time.Second
)

// Scheduler owns schedule tokens in batches, runs or reschedules each one
// according to its overrun policy, and releases them every cycle.
type Scheduler struct {
	c        client.Client
	parser   parser.Parser
	emailer  emailer.Emailer
	name     string
	clock    func() time.Time
	logger   telemetry.Logger
	poll     time.Duration
	gang     int
	lease    time.Duration
	delay    time.Duration
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithClock overrides the time source; tests use this to pin now().
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger attaches a telemetry.Logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithPollInterval overrides the sleep between own-token cycles.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithGangSize overrides the batch cap on owned schedule tokens per cycle.
func WithGangSize(n int) Option {
	return func(s *Scheduler) { s.gang = n }
}

// New returns a Scheduler that runs workflows through p and notifies
// through e.
func New(c client.Client, p parser.Parser, e emailer.Emailer, opts ...Option) *Scheduler {
	s := &Scheduler{
		c:       c,
		parser:  p,
		emailer: e,
		name:    "scheduler-" + uuid.NewString(),
		clock:   time.Now,
		logger:  telemetry.NewNoopLogger(),
		poll:    pollInterval,
		gang:    gangSize,
		lease:   leaseTime,
		delay:   delayTime,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the scheduler loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler starting", "name", s.name)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := s.cycle(ctx)
		if err != nil {
			s.logger.Error(ctx, "scheduler cycle failed", "error", err)
		}
		if n == 0 {
			s.logger.Debug(ctx, "scheduler found no schedule tokens to own")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.poll):
		}
	}
}

// cycle owns one gang of schedule tokens, processes each, and returns how
// many it processed.
func (s *Scheduler) cycle(ctx context.Context) (int, error) {
	owned, err := s.ownScheduleTokens(ctx)
	if err != nil {
		return 0, err
	}
	for _, tok := range owned {
		if err := s.processToken(ctx, tok); err != nil {
			s.logger.Error(ctx, "scheduler: failed to process schedule token", "name", tok.Name, "error", err)
		}
	}
	return len(owned), nil
}

func (s *Scheduler) ownScheduleTokens(ctx context.Context) ([]token.Token, error) {
	now := s.clock()
	resp, err := s.c.QueryAndOwn(ctx, wire.QueryAndOwnRequest{
		Query:          wire.SubQuery{NamePrefix: token.ScheduleRoot + "/", MaxTokens: s.gang},
		Owner:          s.name,
		ExpirationTime: now.Add(s.lease).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: query_and_own: %w", err)
	}
	return resp.Tokens, nil
}

// processToken evaluates one owned schedule token's overrun policy and
// issues the single Modify that both records the outcome and releases the
// token (mirroring the original implementation's "always append the
// owned token to the update request" release discipline).
func (s *Scheduler) processToken(ctx context.Context, tok token.Token) error {
	payload, err := token.Decode(tok.Data)
	if err != nil {
		return fmt.Errorf("decode schedule payload: %w", err)
	}
	sched, ok := payload.(*token.SchedulePayload)
	if !ok {
		return fmt.Errorf("token %q does not carry a schedule payload", tok.Name)
	}

	now := s.clock()
	req := wire.ModifyRequest{}

	switch {
	case sched.NextRunTime > now.Unix():
		s.logger.Debug(ctx, "schedule not yet due", "name", tok.Name)

	case sched.OverrunPolicy == token.OverrunStartNew:
		if err := s.runOrEmail(ctx, tok.Name, sched, now, &req); err != nil {
			return err
		}

	case sched.OverrunPolicy == token.OverrunAbortRunning:
		if err := s.abortRunning(ctx, sched.Workflow); err != nil {
			s.logger.Error(ctx, "scheduler: failed to abort running instance", "workflow", sched.Workflow, "error", err)
		} else if err := s.runOrEmail(ctx, tok.Name, sched, now, &req); err != nil {
			return err
		}

	case sched.OverrunPolicy == token.OverrunSkip:
		running, err := s.isRunning(ctx, sched.Workflow)
		if err != nil {
			return err
		}
		if running {
			sched.NextRunTime += sched.RecurrenceSeconds
		} else if err := s.runOrEmail(ctx, tok.Name, sched, now, &req); err != nil {
			return err
		}

	case sched.OverrunPolicy == token.OverrunDelay:
		running, err := s.isRunning(ctx, sched.Workflow)
		if err != nil {
			return err
		}
		if running {
			tok.ExpirationTime = now.Add(s.delay).Unix()
		} else if err := s.runOrEmail(ctx, tok.Name, sched, now, &req); err != nil {
			return err
		}

	case sched.OverrunPolicy == token.OverrunDelayUntilSuccess:
		// Check failure before running, per the original implementation's
		// comment: checking is_running() first would race a workflow that
		// transitions from failed to running between the two checks.
		failed, err := s.lastInstanceFailed(ctx, sched.Workflow)
		if err != nil {
			return err
		}
		running, err := s.isRunning(ctx, sched.Workflow)
		if err != nil {
			return err
		}
		if failed || running {
			tok.ExpirationTime = now.Add(s.delay).Unix()
		} else if err := s.runOrEmail(ctx, tok.Name, sched, now, &req); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown overrun policy %q on %q", sched.OverrunPolicy, tok.Name)
	}

	data, err := token.Encode(sched)
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}
	tok.Data = data
	req.Updates = append(req.Updates, tok)

	_, err = s.c.Modify(ctx, req)
	if err != nil {
		return fmt.Errorf("release schedule token %q: %w", tok.Name, err)
	}
	return nil
}

// runOrEmail checks max_running_instances before seeding a new instance;
// if the cap is already reached it emails the configured recipients and
// leaves sched's next_run_time untouched so the next cycle retries.
func (s *Scheduler) runOrEmail(ctx context.Context, scheduleName string, sched *token.SchedulePayload, now time.Time, req *wire.ModifyRequest) error {
	running, err := s.countRunning(ctx, sched.Workflow)
	if err != nil {
		return err
	}
	if running >= sched.MaxRunningInstances {
		if err := s.emailer.SendTooManyRunningInstances(sched.Emails, sched.Workflow, running, sched.MaxRunningInstances); err != nil {
			s.logger.Error(ctx, "scheduler: failed to send too-many-instances email", "workflow", sched.Workflow, "error", err)
		}
		return nil
	}

	instance := strconv.FormatInt(now.UnixMilli(), 10)
	seed, err := s.parser.WorkflowTokens(ctx, sched.Workflow, instance, "scheduler", sched.ParserParams)
	if err != nil {
		return fmt.Errorf("run workflow %q: %w", sched.Workflow, err)
	}
	req.Updates = append(req.Updates, seed...)
	sched.NextRunTime = now.Unix() + sched.RecurrenceSeconds
	s.logger.Info(ctx, "scheduler starting new instance", "workflow", sched.Workflow, "instance", instance)
	return nil
}

func (s *Scheduler) abortRunning(ctx context.Context, workflow string) error {
	instance, ok, err := s.latestInstance(ctx, workflow)
	if err != nil || !ok {
		return err
	}
	now := s.clock()
	sig := signal.New(s.c, workflow, instance, 0)
	return sig.SetAction(ctx, token.SignalAbort, map[string]string{
		token.AttrTimestamp: strconv.FormatInt(now.Unix(), 10),
	})
}

// latestInstance returns the most recently minted instance id of workflow
// (instance ids are decimal millis timestamps, so they sort numerically).
func (s *Scheduler) latestInstance(ctx context.Context, workflow string) (string, bool, error) {
	resp, err := s.c.Group(ctx, wire.GroupRequest{NamePrefix: token.WorkflowScope(workflow), GroupSuffix: "/"})
	if err != nil {
		return "", false, fmt.Errorf("group workflow %q: %w", workflow, err)
	}
	var latest string
	var latestN int64 = -1
	prefix := token.WorkflowScope(workflow)
	for group := range resp.Counts {
		rest := group[len(prefix):]
		instance := rest
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				instance = rest[:i]
				break
			}
		}
		n, err := strconv.ParseInt(instance, 10, 64)
		if err != nil {
			continue
		}
		if n > latestN {
			latestN = n
			latest = instance
		}
	}
	return latest, latestN >= 0, nil
}

// isRunning reports whether workflow's latest instance is still active: it
// exists and has not yet had an ARCHIVE signal set against it.
func (s *Scheduler) isRunning(ctx context.Context, workflow string) (bool, error) {
	instance, ok, err := s.latestInstance(ctx, workflow)
	if err != nil || !ok {
		return false, err
	}
	return s.instanceRunning(ctx, workflow, instance)
}

func (s *Scheduler) instanceRunning(ctx context.Context, workflow, instance string) (bool, error) {
	resp, err := s.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance)},
	}})
	if err != nil {
		return false, fmt.Errorf("query instance %q/%q: %w", workflow, instance, err)
	}
	toks := resp.Tokens[0]
	if len(toks) == 0 {
		return false, nil
	}
	archiveName := token.InstanceSignalName(workflow, instance, string(token.SignalArchive))
	for _, t := range toks {
		if t.Name == archiveName {
			return false, nil
		}
	}
	return true, nil
}

// lastInstanceFailed reports whether workflow's latest instance recorded
// any failed job attempt, the approximation DELAY_UNTIL_SUCCESS uses for
// the original implementation's schedule.is_failed check.
func (s *Scheduler) lastInstanceFailed(ctx context.Context, workflow string) (bool, error) {
	instance, ok, err := s.latestInstance(ctx, workflow)
	if err != nil || !ok {
		return false, err
	}
	resp, err := s.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance) + token.JobWaiting + "/"},
	}})
	if err != nil {
		return false, fmt.Errorf("query jobs %q/%q: %w", workflow, instance, err)
	}
	for _, t := range resp.Tokens[0] {
		payload, err := token.Decode(t.Data)
		if err != nil {
			continue
		}
		job, ok := payload.(*token.JobPayload)
		if !ok {
			continue
		}
		if job.FailedAttempts() > 0 {
			return true, nil
		}
	}
	return false, nil
}

// countRunning counts how many instances of workflow are currently
// running, for the max_running_instances guard.
func (s *Scheduler) countRunning(ctx context.Context, workflow string) (int, error) {
	resp, err := s.c.Group(ctx, wire.GroupRequest{NamePrefix: token.WorkflowScope(workflow), GroupSuffix: "/"})
	if err != nil {
		return 0, fmt.Errorf("group workflow %q: %w", workflow, err)
	}
	prefix := token.WorkflowScope(workflow)
	n := 0
	for group := range resp.Counts {
		rest := group[len(prefix):]
		instance := rest
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				instance = rest[:i]
				break
			}
		}
		if instance == token.SignalSegment {
			continue
		}
		running, err := s.instanceRunning(ctx, workflow, instance)
		if err != nil {
			return 0, err
		}
		if running {
			n++
		}
	}
	return n, nil
}

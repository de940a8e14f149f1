// Package archiver implements Archiver (moving a finished instance's
// tokens from active to archived storage) and Analyzer (DAG-aware
// retry/redo primitives), grounded on spec.md §4.8 and
// original_source's pinball/workflow/archiver.py naming (recovered via
// the behavior described in worker.py's _process_signals, since
// archiver.py itself was not retained in original_source).
package archiver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// clockSkew bounds how much a token's lease might outlive the
// wall-clock estimate two different processes disagree on, per
// archive_if_aborted's "ownership detected conservatively" rule.
const clockSkew = 2 * time.Minute

// Archiver moves one (workflow, instance)'s tokens out of the active set
// once it is safe to do so.
type Archiver struct {
	c        client.Client
	workflow string
	instance string
	clock    func() time.Time
}

// New returns an Archiver scoped to one workflow instance.
func New(c client.Client, workflow, instance string) *Archiver {
	return &Archiver{c: c, workflow: workflow, instance: instance, clock: time.Now}
}

// WithClock overrides the Archiver's time source; tests use this to pin
// now() to a fixed instant.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// ArchiveIfExpired archives the instance once now has passed ts, the
// ARCHIVE signal's delayed expiration timestamp.
func (a *Archiver) ArchiveIfExpired(ctx context.Context, ts int64) (bool, error) {
	if a.clock().Unix() < ts {
		return false, nil
	}
	return true, a.archiveInstance(ctx)
}

// ArchiveIfAborted archives the instance if an ABORT signal is present and
// no token under the instance still appears actively owned. Ownership is
// checked conservatively (expiration_time > now - clockSkew) so a worker
// whose clock runs slightly behind the master's doesn't get its in-flight
// job archived out from under it.
func (a *Archiver) ArchiveIfAborted(ctx context.Context) (bool, error) {
	resp, err := a.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(a.workflow, a.instance)},
	}})
	if err != nil {
		return false, fmt.Errorf("archiver: query instance: %w", err)
	}
	toks := resp.Tokens[0]
	abortName := token.InstanceSignalName(a.workflow, a.instance, string(token.SignalAbort))
	aborted := false
	skewed := a.clock().Add(-clockSkew)
	for _, t := range toks {
		if t.Name == abortName {
			aborted = true
			continue
		}
		if t.Owned(skewed) {
			return false, nil
		}
	}
	if !aborted {
		return false, nil
	}
	return true, a.archiveTokens(ctx, toks)
}

func (a *Archiver) archiveInstance(ctx context.Context) error {
	resp, err := a.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(a.workflow, a.instance)},
	}})
	if err != nil {
		return fmt.Errorf("archiver: query instance: %w", err)
	}
	return a.archiveTokens(ctx, resp.Tokens[0])
}

func (a *Archiver) archiveTokens(ctx context.Context, toks []token.Token) error {
	if len(toks) == 0 {
		return nil
	}
	_, err := a.c.Archive(ctx, wire.ArchiveRequest{Tokens: toks})
	if err != nil {
		return fmt.Errorf("archiver: archive instance %s/%s: %w", a.workflow, a.instance, err)
	}
	return nil
}

// Analyzer reads an instance's job and event tokens to support the
// retry/poison/redo operator commands: re-triggering a subtree of a
// workflow's DAG, renaming an instance, and clearing execution history.
type Analyzer struct {
	c        client.Client
	workflow string
	instance string
}

// NewAnalyzer returns an Analyzer scoped to one workflow instance.
func NewAnalyzer(c client.Client, workflow, instance string) *Analyzer {
	return &Analyzer{c: c, workflow: workflow, instance: instance}
}

// Poison computes the transitive descendants of roots in the job DAG
// (following each job's Outputs edges) and, for every input of a
// descendant that is not satisfied by another descendant's re-execution
// and has no event token queued already, synthesizes a new event token
// (creator "analyzer") so the descendant can run again once its upstream
// root reruns.
func (an *Analyzer) Poison(ctx context.Context, roots []string) error {
	jobs, err := an.loadJobs(ctx)
	if err != nil {
		return err
	}
	descendants := computeDescendants(roots, jobs)

	var updates []token.Token
	for name := range descendants {
		job, ok := jobs[name]
		if !ok {
			continue
		}
		for _, in := range job.Inputs {
			if in.Name == token.WorkflowStartInput {
				continue
			}
			if descendants[in.Name] {
				// The upstream job is itself being rerun; it will emit a
				// fresh event naturally.
				continue
			}
			prefix := token.EventPrefix(an.workflow, an.instance, name, in.Name)
			resp, err := an.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: prefix, MaxTokens: 1}}})
			if err != nil {
				return fmt.Errorf("analyzer: query events for %s/%s: %w", name, in.Name, err)
			}
			if len(resp.Tokens[0]) > 0 {
				continue
			}
			payload := &token.EventPayload{Creator: "analyzer"}
			payload.ApplyDefaults()
			data, err := token.Encode(payload)
			if err != nil {
				return fmt.Errorf("analyzer: encode synthesized event: %w", err)
			}
			eventName := token.EventName(an.workflow, an.instance, name, in.Name, "poison-"+uuid.NewString())
			updates = append(updates, token.Token{Name: eventName, Data: data})
		}
	}
	if len(updates) == 0 {
		return nil
	}
	_, err = an.c.Modify(ctx, wire.ModifyRequest{Updates: updates})
	if err != nil {
		return fmt.Errorf("analyzer: write synthesized events: %w", err)
	}
	return nil
}

// ChangeInstance renames every token under the instance to newInstance,
// preserving each token's data and priority. The old tokens are archived,
// not deleted outright, so the history of the renamed run stays
// inspectable.
func (an *Analyzer) ChangeInstance(ctx context.Context, newInstance string) error {
	resp, err := an.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(an.workflow, an.instance)},
	}})
	if err != nil {
		return fmt.Errorf("analyzer: query instance: %w", err)
	}
	old := resp.Tokens[0]
	if len(old) == 0 {
		return nil
	}

	oldScope := token.InstanceScope(an.workflow, an.instance)
	newScope := token.InstanceScope(an.workflow, newInstance)
	renamed := make([]token.Token, 0, len(old))
	for _, t := range old {
		renamed = append(renamed, token.Token{
			Name:     newScope + strings.TrimPrefix(t.Name, oldScope),
			Priority: t.Priority,
			Data:     t.Data,
		})
	}

	if _, err := an.c.Modify(ctx, wire.ModifyRequest{Updates: renamed}); err != nil {
		return fmt.Errorf("analyzer: write renamed tokens: %w", err)
	}
	if _, err := an.c.Archive(ctx, wire.ArchiveRequest{Tokens: old}); err != nil {
		return fmt.Errorf("analyzer: archive old instance %s: %w", an.instance, err)
	}
	return nil
}

// ClearJobHistories resets the execution history of every job token in
// the instance, used before a redo so retry/timeout accounting starts
// fresh.
func (an *Analyzer) ClearJobHistories(ctx context.Context) error {
	jobs, err := an.loadJobTokens(ctx)
	if err != nil {
		return err
	}
	var updates []token.Token
	for _, t := range jobs {
		payload, err := token.Decode(t.Data)
		if err != nil {
			return fmt.Errorf("analyzer: decode job %q: %w", t.Name, err)
		}
		job, ok := payload.(*token.JobPayload)
		if !ok || len(job.History) == 0 {
			continue
		}
		job.History = nil
		job.PendingEvents = nil
		data, err := token.Encode(job)
		if err != nil {
			return fmt.Errorf("analyzer: encode job %q: %w", t.Name, err)
		}
		updates = append(updates, token.Token{Name: t.Name, Version: t.Version, Data: data})
	}
	if len(updates) == 0 {
		return nil
	}
	_, err = an.c.Modify(ctx, wire.ModifyRequest{Updates: updates})
	if err != nil {
		return fmt.Errorf("analyzer: write cleared histories: %w", err)
	}
	return nil
}

func (an *Analyzer) loadJobTokens(ctx context.Context) ([]token.Token, error) {
	scope := token.InstanceScope(an.workflow, an.instance)
	resp, err := an.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: scope + token.JobWaiting + "/"},
		{NamePrefix: scope + token.JobRunnable + "/"},
	}})
	if err != nil {
		return nil, fmt.Errorf("analyzer: query jobs: %w", err)
	}
	return append(resp.Tokens[0], resp.Tokens[1]...), nil
}

func (an *Analyzer) loadJobs(ctx context.Context) (map[string]*token.JobPayload, error) {
	toks, err := an.loadJobTokens(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]*token.JobPayload, len(toks))
	for _, t := range toks {
		payload, err := token.Decode(t.Data)
		if err != nil {
			return nil, fmt.Errorf("analyzer: decode job %q: %w", t.Name, err)
		}
		job, ok := payload.(*token.JobPayload)
		if !ok {
			continue
		}
		jobs[job.Name] = job
	}
	return jobs, nil
}

// computeDescendants returns the set of job names reachable from roots by
// following Outputs edges, including the roots themselves.
func computeDescendants(roots []string, jobs map[string]*token.JobPayload) map[string]bool {
	seen := make(map[string]bool, len(roots))
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		job, ok := jobs[name]
		if !ok {
			continue
		}
		queue = append(queue, job.Outputs...)
	}
	return seen
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"

	"github.com/pinwheel-sh/pinwheel/internal/archiver"
	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/config"
	"github.com/pinwheel-sh/pinwheel/internal/parser"
	"github.com/pinwheel-sh/pinwheel/internal/signal"
	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/store/mongo"
	"github.com/pinwheel-sh/pinwheel/internal/store/rediscache"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

const reloadLeaseTime = 5 * time.Minute

// runWorkflow implements workflow_util's operator command set against a
// live master (and, for reload/retry-of-archived/poison-of-archived/
// cleanup/rebuild_cache, a direct store.Store connection), grounded on
// original_source's pinball/tools/workflow_util.py.
func runWorkflow(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("workflow: requires a command")
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("workflow "+cmd, flag.ExitOnError)
	workflowF := fs.String("w", "", "workflow name")
	instanceF := fs.String("i", "", "workflow instance")
	jobsF := fs.String("j", "", "comma-separated job list")
	executionF := fs.Int("e", 0, "execution index, for redo")
	ageDaysF := fs.Int("a", 7, "minimum age in days of instances to remove, for cleanup")
	forceF := fs.Bool("f", false, "do not ask for confirmation")
	cfg, err := config.Load(fs, rest)
	if err != nil {
		return err
	}

	c := dialClient(cfg.MasterHost, cfg.MasterPort)
	defer c.Close()
	ctx := context.Background()

	var out string
	switch cmd {
	case "start":
		p, perr := openParser(cfg)
		if perr != nil {
			return perr
		}
		out, err = cmdStart(ctx, c, p, *workflowF)
	case "stop":
		out, err = cmdStop(ctx, c, *workflowF, *instanceF, *forceF)
	case "pause":
		out, err = cmdPause(ctx, c, *workflowF, *instanceF, *forceF)
	case "resume":
		out, err = cmdResume(ctx, c, *workflowF, *instanceF, *forceF)
	case "retry":
		out, err = cmdRetry(ctx, c, cfg, *workflowF, *instanceF, *forceF)
	case "redo":
		out, err = cmdRedo(ctx, c, *workflowF, *instanceF, *jobsF, *executionF, *forceF)
	case "poison":
		out, err = withStore(ctx, cfg, func(st store.Store) (string, error) {
			return cmdPoison(ctx, c, st, *workflowF, *instanceF, splitJobs(*jobsF), *forceF)
		})
	case "drain":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalDrain, true)
	case "undrain":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalDrain, false)
	case "abort":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalAbort, true)
	case "unabort":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalAbort, false)
	case "exit":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalExit, true)
	case "unexit":
		out, err = cmdModifySignal(ctx, c, *workflowF, *instanceF, token.SignalExit, false)
	case "reschedule":
		p, perr := openParser(cfg)
		if perr != nil {
			return perr
		}
		out, err = cmdReschedule(ctx, c, p, *workflowF, *forceF)
	case "unschedule":
		out, err = cmdUnschedule(ctx, c, *workflowF, *forceF)
	case "reload":
		p, perr := openParser(cfg)
		if perr != nil {
			return perr
		}
		out, err = cmdReload(ctx, c, p, *workflowF, *instanceF, *jobsF)
	case "disable":
		out, err = cmdAlter(ctx, c, *workflowF, *instanceF, splitJobs(*jobsF), true)
	case "enable":
		out, err = cmdAlter(ctx, c, *workflowF, *instanceF, splitJobs(*jobsF), false)
	case "cleanup":
		out, err = withStore(ctx, cfg, func(st store.Store) (string, error) {
			return cmdCleanup(ctx, st, *ageDaysF, *forceF)
		})
	case "rebuild_cache":
		out, err = withStore(ctx, cfg, func(st store.Store) (string, error) {
			return cmdRebuildCache(ctx, st, *forceF)
		})
	default:
		return fmt.Errorf("workflow: unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func splitJobs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func openParser(cfg config.Config) (parser.Parser, error) {
	if cfg.Parser == "" {
		return nil, fmt.Errorf("-parser is required for this command")
	}
	registry := parser.NewRegistry()
	registry.Register("yaml", &parser.YAMLParser{Dir: cfg.ParserParams["dir"]})
	return registry.Get(cfg.Parser)
}

// openStore opens the same store.Store backend cmd/master would, so
// maintenance commands (reload/retry of an archived instance/poison of an
// archived instance/cleanup/rebuild_cache) see exactly what the master
// persists. Duplicated from cmd/master rather than shared, matching how
// the original implementation's workflow_util connects to its own store
// independently of the running master process.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	var (
		backend store.Store
		closers []func()
	)
	switch cfg.StoreBackend {
	case "", "memory":
		backend = memory.New()
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("-mongo-uri is required when -store=mongo")
		}
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closers = append(closers, func() { _ = mc.Disconnect(ctx) })
		backend = mongo.New(mc, cfg.MongoDatabase, cfg.MasterName)
	default:
		return nil, nil, fmt.Errorf("unknown -store %q (want memory or mongo)", cfg.StoreBackend)
	}
	if cfg.RedisAddr != "" {
		rdb := redisdriver.NewClient(&redisdriver.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = rdb.Close() })
		backend = rediscache.New(backend, rdb, cfg.MasterName)
	}
	return backend, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func withStore(ctx context.Context, cfg config.Config, fn func(store.Store) (string, error)) (string, error) {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer closeStore()
	return fn(st)
}

func newInstanceID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// jobRestName strips the job/{waiting,runnable}/ prefix from an
// instance-relative token name, returning the bare job name.
func jobRestName(rest string) (job string, ok bool) {
	if s := strings.TrimPrefix(rest, token.JobWaiting+"/"); s != rest {
		return s, true
	}
	if s := strings.TrimPrefix(rest, token.JobRunnable+"/"); s != rest {
		return s, true
	}
	return "", false
}

func jobFailed(job *token.JobPayload) bool {
	if len(job.History) == 0 {
		return false
	}
	return job.History[len(job.History)-1].ExitCode != 0
}

// ---- start / stop / pause / resume ----

func cmdStart(ctx context.Context, c client.Client, p parser.Parser, workflow string) (string, error) {
	if workflow == "" {
		return "", fmt.Errorf("start command takes name of workflow to start")
	}
	instance := newInstanceID()
	toks, err := p.WorkflowTokens(ctx, workflow, instance, "workflow_util", nil)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s not found\n", workflow), nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: toks}); err != nil {
		return "", err
	}
	return fmt.Sprintf("exported workflow %s instance %s.  Its tokens are under %s\n",
		workflow, instance, token.InstanceScope(workflow, instance)), nil
}

func getAllInstanceTokens(ctx context.Context, c client.Client, workflow, instance string) ([]token.Token, error) {
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: token.InstanceScope(workflow, instance)},
	}})
	if err != nil {
		return nil, err
	}
	return resp.Tokens[0], nil
}

func cmdStop(ctx context.Context, c client.Client, workflow, instance string, force bool) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("stop command takes name of workflow and instance")
	}
	toks, err := getAllInstanceTokens(ctx, c, workflow, instance)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found\n", workflow, instance), nil
	}
	if !force && !confirm(fmt.Sprintf("remove workflow %s instance %s", workflow, instance)) {
		return "", nil
	}
	const maxTries = 10
	tries := 0
	for ; tries < maxTries; tries++ {
		if _, err := c.Modify(ctx, wire.ModifyRequest{Deletes: toks}); err == nil {
			return fmt.Sprintf("removed %d token(s) in %d tries\n", len(toks), tries+1), nil
		}
		toks, err = getAllInstanceTokens(ctx, c, workflow, instance)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("failed to remove token(s) in %d tries\n", maxTries), nil
}

func ownerTag() string {
	u := "unknown"
	if cur, err := user.Current(); err == nil {
		u = cur.Username
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("pinwheelctl user=%s host=%s time=%s", u, host, time.Now().Format("2006-01-02 15:04"))
}

func cmdPause(ctx context.Context, c client.Client, workflow, instance string, force bool) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("pause command takes name of workflow and instance")
	}
	toks, err := getAllInstanceTokens(ctx, c, workflow, instance)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found\n", workflow, instance), nil
	}
	if !force && !confirm(fmt.Sprintf("pause workflow %s instance %s", workflow, instance)) {
		return "", nil
	}
	const maxTries = 10
	tries := 0
	for ; tries < maxTries; tries++ {
		owner := ownerTag()
		for i := range toks {
			toks[i].Owner = owner
			toks[i].ExpirationTime = token.Infinity
		}
		if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: toks}); err == nil {
			return fmt.Sprintf("claimed %d token(s) in %d tries\n", len(toks), tries+1), nil
		}
		toks, err = getAllInstanceTokens(ctx, c, workflow, instance)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("failed to claim token(s) in %d tries\n", maxTries), nil
}

func cmdResume(ctx context.Context, c client.Client, workflow, instance string, force bool) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("resume command takes name of workflow and instance")
	}
	toks, err := getAllInstanceTokens(ctx, c, workflow, instance)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found\n", workflow, instance), nil
	}
	if !force && !confirm(fmt.Sprintf("resume workflow %s instance %s", workflow, instance)) {
		return "", nil
	}
	for i := range toks {
		toks[i].Owner = ""
		toks[i].ExpirationTime = 0
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: toks}); err != nil {
		return "", err
	}
	return fmt.Sprintf("released ownership of %d token(s)\n", len(toks)), nil
}

// ---- retry ----

func cmdRetry(ctx context.Context, c client.Client, cfg config.Config, workflow, instance string, force bool) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("retry command takes name of workflow and instance")
	}
	if !force && !confirm(fmt.Sprintf("retry workflow %s instance %s", workflow, instance)) {
		return "", nil
	}
	jobPrefix := token.InstanceScope(workflow, instance) + "job/"
	groupResp, err := c.Group(ctx, wire.GroupRequest{NamePrefix: jobPrefix, GroupSuffix: "/"})
	if err != nil {
		return "", err
	}
	if len(groupResp.Counts) > 0 {
		return retryActive(ctx, c, workflow, instance)
	}
	return withStore(ctx, cfg, func(st store.Store) (string, error) {
		return retryArchived(ctx, c, st, workflow, instance)
	})
}

func retryActive(ctx context.Context, c client.Client, workflow, instance string) (string, error) {
	archiveName := token.InstanceSignalName(workflow, instance, string(token.SignalArchive))
	waitingPrefix := token.InstanceScope(workflow, instance) + token.JobWaiting + "/"
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{
		{NamePrefix: archiveName, MaxTokens: 1},
		{NamePrefix: waitingPrefix},
	}})
	if err != nil {
		return "", err
	}
	var updates, deletes []token.Token
	if len(resp.Tokens[0]) > 0 {
		deletes = append(deletes, resp.Tokens[0][0])
	}
	for _, t := range resp.Tokens[1] {
		payload, err := token.Decode(t.Data)
		if err != nil {
			return "", err
		}
		job, ok := payload.(*token.JobPayload)
		if !ok || !jobFailed(job) {
			continue
		}
		deletes = append(deletes, t)
		if len(job.History) > 0 {
			job.PendingEvents = job.History[len(job.History)-1].Events
		}
		data, err := token.Encode(job)
		if err != nil {
			return "", err
		}
		runnableName := strings.Replace(t.Name, "/"+token.JobWaiting+"/", "/"+token.JobRunnable+"/", 1)
		updates = append(updates, token.Token{Name: runnableName, Priority: t.Priority, Data: data})
	}
	if len(updates) == 0 && len(deletes) == 0 {
		return fmt.Sprintf("no failed jobs found in workflow %s instance %s\n", workflow, instance), nil
	}
	if len(updates) == 0 {
		return fmt.Sprintf("found ARCHIVE token but no failed jobs in workflow %s instance %s.  Not changing anything this time\n", workflow, instance), nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates, Deletes: deletes}); err != nil {
		return "", err
	}
	if len(deletes) > len(updates) {
		return fmt.Sprintf("retried %d job(s) and removed an ARCHIVE token from workflow %s instance %s\n", len(updates), workflow, instance), nil
	}
	return fmt.Sprintf("retried %d job(s) in workflow %s instance %s\n", len(updates), workflow, instance), nil
}

func retryArchived(ctx context.Context, c client.Client, st store.Store, workflow, instance string) (string, error) {
	oldScope := token.InstanceScope(workflow, instance)
	toks, err := st.ReadArchivedTokens(ctx, store.Filter{Prefix: oldScope})
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found\n", workflow, instance), nil
	}
	newInstance := newInstanceID()
	newScope := token.InstanceScope(workflow, newInstance)
	hasFailed := false
	var updates []token.Token
	for _, t := range toks {
		rest := strings.TrimPrefix(t.Name, oldScope)
		switch {
		case strings.HasPrefix(rest, token.SignalSegment+"/"):
			// Signal tokens are not carried over to the retried instance.
		case strings.HasPrefix(rest, token.JobWaiting+"/") || strings.HasPrefix(rest, token.JobRunnable+"/"):
			jobName, _ := jobRestName(rest)
			state := token.JobWaiting
			payload, err := token.Decode(t.Data)
			if err != nil {
				return "", err
			}
			if job, ok := payload.(*token.JobPayload); ok && jobFailed(job) {
				hasFailed = true
				state = token.JobRunnable
			}
			updates = append(updates, token.Token{Name: newScope + state + "/" + jobName, Priority: t.Priority, Data: t.Data})
		default:
			updates = append(updates, token.Token{Name: newScope + rest, Priority: t.Priority, Data: t.Data})
		}
	}
	if !hasFailed {
		return fmt.Sprintf("no failed jobs found in workflow %s instance %s\n", workflow, instance), nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates}); err != nil {
		return "", err
	}
	return fmt.Sprintf("retried workflow %s instance %s.  Its tokens are under %s\n", workflow, instance, newScope), nil
}

// ---- redo ----

func cmdRedo(ctx context.Context, c client.Client, workflow, instance, job string, execution int, force bool) (string, error) {
	if workflow == "" || instance == "" || job == "" {
		return "", fmt.Errorf("redo command takes name of workflow, instance, job, and execution")
	}
	if strings.Contains(job, ",") || strings.Contains(job, " ") {
		return "", fmt.Errorf("redo command takes a single job")
	}
	if !force && !confirm(fmt.Sprintf("redo execution %d of job %s in workflow %s instance %s", execution, job, workflow, instance)) {
		return "", nil
	}
	owner := "pinwheelctl-" + uuid.NewString()
	name := token.WaitingJobName(workflow, instance, job)
	resp, err := c.QueryAndOwn(ctx, wire.QueryAndOwnRequest{
		Owner:          owner,
		ExpirationTime: time.Now().Add(time.Minute).Unix(),
		Query:          wire.SubQuery{NamePrefix: name, MaxTokens: 1},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Tokens) == 0 {
		return "workflow must be running, the job must be finished and it cannot be runnable\n", nil
	}
	waiting := resp.Tokens[0]
	payload, err := token.Decode(waiting.Data)
	if err != nil {
		return "", err
	}
	jobPayload, ok := payload.(*token.JobPayload)
	if !ok {
		return "", fmt.Errorf("redo: %s is not a job token", name)
	}
	if execution < 0 || execution >= len(jobPayload.History) {
		waiting.Owner = ""
		waiting.ExpirationTime = 0
		_, _ = c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{waiting}})
		return fmt.Sprintf("could not find execution %d in job history\n", execution), nil
	}
	jobPayload.PendingEvents = jobPayload.History[execution].Events
	data, err := token.Encode(jobPayload)
	if err != nil {
		return "", err
	}
	runnable := token.Token{Name: token.RunnableJobName(workflow, instance, job), Data: data}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{runnable}, Deletes: []token.Token{waiting}}); err != nil {
		return "", err
	}
	return fmt.Sprintf("redoing execution %d of job %s in workflow %s instance %s\n", execution, job, workflow, instance), nil
}

// ---- poison ----

func cmdPoison(ctx context.Context, c client.Client, st store.Store, workflow, instance string, roots []string, force bool) (string, error) {
	if workflow == "" || len(roots) == 0 {
		return "", fmt.Errorf("poison command takes name of workflow and a list of jobs")
	}
	if instance == "" {
		return "", fmt.Errorf("poison command requires an instance; poisoning a not-yet-started workflow via the parser is not supported")
	}
	if !force && !confirm(fmt.Sprintf("poison workflow %s instance %s roots %v", workflow, instance, roots)) {
		return "", nil
	}
	jobPrefix := token.InstanceScope(workflow, instance) + "job/"
	groupResp, err := c.Group(ctx, wire.GroupRequest{NamePrefix: jobPrefix, GroupSuffix: "/"})
	if err != nil {
		return "", err
	}
	if len(groupResp.Counts) > 0 {
		return poisonActive(ctx, c, workflow, instance, roots)
	}
	return poisonInactive(ctx, c, st, workflow, instance, roots)
}

func poisonActive(ctx context.Context, c client.Client, workflow, instance string, roots []string) (string, error) {
	an := archiver.NewAnalyzer(c, workflow, instance)
	if err := an.Poison(ctx, roots); err != nil {
		return "", err
	}
	archiveName := token.InstanceSignalName(workflow, instance, string(token.SignalArchive))
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: archiveName, MaxTokens: 1}}})
	if err != nil {
		return "", err
	}
	if len(resp.Tokens[0]) > 0 {
		if _, err := c.Modify(ctx, wire.ModifyRequest{Deletes: resp.Tokens[0]}); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("poisoned workflow %s instance %s roots %v\n", workflow, instance, roots), nil
}

func poisonInactive(ctx context.Context, c client.Client, st store.Store, workflow, instance string, roots []string) (string, error) {
	oldScope := token.InstanceScope(workflow, instance)
	toks, err := st.ReadArchivedTokens(ctx, store.Filter{Prefix: oldScope})
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found\n", workflow, instance), nil
	}
	newInstance := newInstanceID()
	newScope := token.InstanceScope(workflow, newInstance)
	var updates []token.Token
	for _, t := range toks {
		rest := strings.TrimPrefix(t.Name, oldScope)
		if strings.HasPrefix(rest, token.SignalSegment+"/") {
			continue
		}
		if jobName, ok := jobRestName(rest); ok {
			payload, err := token.Decode(t.Data)
			if err != nil {
				return "", err
			}
			if job, ok := payload.(*token.JobPayload); ok {
				job.History = nil
				job.PendingEvents = nil
				data, err := token.Encode(job)
				if err != nil {
					return "", err
				}
				updates = append(updates, token.Token{Name: newScope + token.JobWaiting + "/" + jobName, Priority: t.Priority, Data: data})
				continue
			}
		}
		updates = append(updates, token.Token{Name: newScope + rest, Priority: t.Priority, Data: t.Data})
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates}); err != nil {
		return "", err
	}
	an := archiver.NewAnalyzer(c, workflow, newInstance)
	if err := an.Poison(ctx, roots); err != nil {
		return "", err
	}
	return fmt.Sprintf("poisoned workflow %s roots %v.  Tokens of the new instance are under %s\n", workflow, roots, newScope), nil
}

// ---- drain / undrain / abort / unabort / exit / unexit ----

func cmdModifySignal(ctx context.Context, c client.Client, workflow, instance string, action token.SignalAction, add bool) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("%s command takes name of workflow and instance", strings.ToLower(string(action)))
	}
	s := signal.New(c, workflow, instance, 0)
	if !add {
		if err := s.RemoveAction(ctx, action); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %s signal for workflow %s instance %s\n", action, workflow, instance), nil
	}
	attrs := map[string]string{}
	if action == token.SignalExit {
		// An operator-issued EXIT has to outrank whatever generation the
		// running workers/scheduler were started with, since the caller
		// has no way to know it.
		attrs[token.AttrGeneration] = strconv.FormatInt(math.MaxInt64, 10)
	}
	if err := s.SetAction(ctx, action, attrs); err != nil {
		return "", err
	}
	return fmt.Sprintf("set %s signal for workflow %s instance %s\n", action, workflow, instance), nil
}

// ---- reschedule / unschedule ----

func cmdReschedule(ctx context.Context, c client.Client, p parser.Parser, workflow string, force bool) (string, error) {
	names, err := p.WorkflowNames(ctx)
	if err != nil {
		return "", err
	}
	var workflows []string
	if workflow != "" {
		if !contains(names, workflow) {
			return fmt.Sprintf("workflow %s not found\n", workflow), nil
		}
		workflows = []string{workflow}
	} else {
		workflows = names
	}
	if len(workflows) == 0 {
		return "no workflows found\n", nil
	}
	if !force && !confirm(fmt.Sprintf("reschedule workflows %v", workflows)) {
		return "", nil
	}
	var updates []token.Token
	var rescheduled []string
	for _, wf := range workflows {
		newTok, err := p.ScheduleToken(ctx, wf)
		if err != nil {
			return "", err
		}
		resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: token.ScheduleName(wf), MaxTokens: 1}}})
		if err != nil {
			return "", err
		}
		changed := true
		if len(resp.Tokens[0]) > 0 {
			old := resp.Tokens[0][0]
			newTok.Version = old.Version
			oldPayload, err := token.Decode(old.Data)
			if err != nil {
				return "", err
			}
			newPayload, err := token.Decode(newTok.Data)
			if err != nil {
				return "", err
			}
			if os, ok := oldPayload.(*token.SchedulePayload); ok {
				if ns, ok := newPayload.(*token.SchedulePayload); ok && schedulesEqual(os, ns) {
					changed = false
				}
			}
		}
		if changed {
			updates = append(updates, newTok)
			rescheduled = append(rescheduled, wf)
		}
	}
	if len(updates) == 0 {
		return fmt.Sprintf("no schedule changes needed for workflows %v\n", workflows), nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates}); err != nil {
		return "", err
	}
	return fmt.Sprintf("rescheduled workflows %v\n", rescheduled), nil
}

func schedulesEqual(a, b *token.SchedulePayload) bool {
	return a.RecurrenceSeconds == b.RecurrenceSeconds &&
		a.OverrunPolicy == b.OverrunPolicy &&
		a.MaxRunningInstances == b.MaxRunningInstances
}

func cmdUnschedule(ctx context.Context, c client.Client, workflow string, force bool) (string, error) {
	if workflow == "" {
		return "", fmt.Errorf("unschedule command takes name of workflow to remove from the schedule")
	}
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: token.ScheduleName(workflow), MaxTokens: 1}}})
	if err != nil {
		return "", err
	}
	if len(resp.Tokens[0]) == 0 {
		return fmt.Sprintf("schedule for workflow %s not found\n", workflow), nil
	}
	if !force && !confirm(fmt.Sprintf("remove schedule for workflow %s", workflow)) {
		return "", nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Deletes: resp.Tokens[0]}); err != nil {
		return "", err
	}
	return fmt.Sprintf("removed schedule for workflow %s\n", workflow), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---- reload ----

func cmdReload(ctx context.Context, c client.Client, p parser.Parser, workflow, instance, jobsCSV string) (string, error) {
	if workflow == "" || instance == "" {
		return "", fmt.Errorf("reload command requires workflow name and instance")
	}
	names, err := p.WorkflowNames(ctx)
	if err != nil {
		return "", err
	}
	if !contains(names, workflow) {
		return fmt.Sprintf("workflow %s not found\n", workflow), nil
	}

	var jobTokens []token.Token
	if jobsCSV != "" {
		jobTokens, err = ownSelectedJobTokens(ctx, c, workflow, instance, splitJobs(jobsCSV))
	} else {
		jobTokens, err = ownAllJobTokens(ctx, c, workflow, instance)
	}
	if err != nil {
		return "", err
	}
	if len(jobTokens) == 0 {
		return fmt.Sprintf("workflow %s instance %s not found or already archived\n", workflow, instance), nil
	}

	newToks, err := p.WorkflowTokens(ctx, workflow, instance, "workflow_util", nil)
	if err != nil {
		return "", err
	}
	newJobs := map[string]token.Token{}
	for _, t := range newToks {
		if name, ok := jobRestName(strings.TrimPrefix(t.Name, token.InstanceScope(workflow, instance))); ok {
			newJobs[name] = t
		}
	}

	var missing []string
	var updates []token.Token
	for _, t := range jobTokens {
		name, _ := jobRestName(strings.TrimPrefix(t.Name, token.InstanceScope(workflow, instance)))
		newTok, ok := newJobs[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		oldPayload, err := token.Decode(t.Data)
		if err != nil {
			return "", err
		}
		newPayload, err := token.Decode(newTok.Data)
		if err != nil {
			return "", err
		}
		oldJob, _ := oldPayload.(*token.JobPayload)
		newJob, _ := newPayload.(*token.JobPayload)
		if oldJob == nil || newJob == nil {
			continue
		}
		merged := *newJob
		merged.History = oldJob.History
		merged.PendingEvents = oldJob.PendingEvents
		merged.PendingAttributes = oldJob.PendingAttributes
		data, err := token.Encode(&merged)
		if err != nil {
			return "", err
		}
		updates = append(updates, token.Token{Name: t.Name, Version: t.Version, Priority: newTok.Priority, Data: data})
	}
	if len(missing) > 0 {
		unownTokens(ctx, c, jobTokens)
		return fmt.Sprintf("jobs %v not found in workflow %s\n", missing, workflow), nil
	}
	if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates}); err != nil {
		return "", err
	}
	return fmt.Sprintf("reloaded jobs in workflow %s instance %s\n", workflow, instance), nil
}

func ownSelectedJobTokens(ctx context.Context, c client.Client, workflow, instance string, jobs []string) ([]token.Token, error) {
	var result []token.Token
	for _, job := range jobs {
		var found *token.Token
		for _, state := range []string{token.JobRunnable, token.JobWaiting} {
			name := token.InstanceScope(workflow, instance) + state + "/" + job
			resp, err := c.QueryAndOwn(ctx, wire.QueryAndOwnRequest{
				Owner:          "workflow_util",
				ExpirationTime: time.Now().Add(reloadLeaseTime).Unix(),
				Query:          wire.SubQuery{NamePrefix: name, MaxTokens: 1},
			})
			if err != nil {
				return nil, err
			}
			if len(resp.Tokens) == 1 && resp.Tokens[0].Name == name {
				t := resp.Tokens[0]
				found = &t
				break
			}
		}
		if found == nil {
			unownTokens(ctx, c, result)
			return nil, nil
		}
		result = append(result, *found)
	}
	return result, nil
}

func ownAllJobTokens(ctx context.Context, c client.Client, workflow, instance string) ([]token.Token, error) {
	prefix := token.InstanceScope(workflow, instance) + "job/"
	groupResp, err := c.Group(ctx, wire.GroupRequest{NamePrefix: prefix, GroupSuffix: "/"})
	if err != nil {
		return nil, err
	}
	if len(groupResp.Counts) == 0 {
		return nil, nil
	}
	var total int64
	for _, n := range groupResp.Counts {
		total += n
	}
	resp, err := c.QueryAndOwn(ctx, wire.QueryAndOwnRequest{
		Owner:          "workflow_util",
		ExpirationTime: time.Now().Add(reloadLeaseTime).Unix(),
		Query:          wire.SubQuery{NamePrefix: prefix},
	})
	if err != nil {
		return nil, err
	}
	if int64(len(resp.Tokens)) < total {
		unownTokens(ctx, c, resp.Tokens)
		return nil, nil
	}
	return resp.Tokens, nil
}

func unownTokens(ctx context.Context, c client.Client, toks []token.Token) {
	if len(toks) == 0 {
		return
	}
	for i := range toks {
		toks[i].Owner = ""
		toks[i].ExpirationTime = 0
	}
	_, _ = c.Modify(ctx, wire.ModifyRequest{Updates: toks})
}

// ---- disable / enable ----

func cmdAlter(ctx context.Context, c client.Client, workflow, instance string, jobs []string, disable bool) (string, error) {
	if workflow == "" || instance == "" || len(jobs) == 0 {
		mode := "enable"
		if disable {
			mode = "disable"
		}
		return "", fmt.Errorf("%s command takes name of workflow, instance, and a list of jobs", mode)
	}
	mode := "enable"
	if disable {
		mode = "disable"
	}
	prefix := token.InstanceScope(workflow, instance) + "job/"
	byJob, err := queryJobsByName(ctx, c, prefix, jobs)
	if err != nil {
		return "", err
	}
	var missing []string
	for _, j := range jobs {
		if _, ok := byJob[j]; !ok {
			missing = append(missing, j)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("job(s) %v not found in the master.  Note that only jobs of a running workflow can be %sd\n", missing, mode), nil
	}

	const maxTries = 10
	tries := 0
	for ; tries < maxTries; tries++ {
		var updates []token.Token
		conflict := false
		now := time.Now()
		for _, t := range byJob {
			if t.Owner != "" && (t.ExpirationTime == token.Infinity || t.ExpirationTime > now.Unix()-1) {
				conflict = true
				break
			}
			payload, err := token.Decode(t.Data)
			if err != nil {
				return "", err
			}
			job, ok := payload.(*token.JobPayload)
			if !ok {
				continue
			}
			job.Disabled = disable
			data, err := token.Encode(job)
			if err != nil {
				return "", err
			}
			updates = append(updates, token.Token{Name: t.Name, Version: t.Version, Data: data})
		}
		if !conflict {
			if _, err := c.Modify(ctx, wire.ModifyRequest{Updates: updates}); err == nil {
				return fmt.Sprintf("%sd %d job(s) in %d tries\n", mode, len(jobs), tries+1), nil
			}
		}
		byJob, err = queryJobsByName(ctx, c, prefix, jobs)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("failed to %s job(s) in %d tries\n", mode, maxTries), nil
}

func queryJobsByName(ctx context.Context, c client.Client, prefix string, jobs []string) (map[string]token.Token, error) {
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: prefix}}})
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, j := range jobs {
		want[j] = true
	}
	byJob := map[string]token.Token{}
	for _, t := range resp.Tokens[0] {
		name, ok := jobRestName(strings.TrimPrefix(t.Name, prefix))
		if ok && want[name] {
			byJob[name] = t
		}
	}
	return byJob, nil
}

// ---- cleanup / rebuild_cache ----

func cmdCleanup(ctx context.Context, st store.Store, ageDays int, force bool) (string, error) {
	if ageDays < 7 {
		return "", fmt.Errorf("age of instances to remove must be at least 7 days")
	}
	cutoff := time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour).Unix()

	names, err := st.ReadArchivedNames(ctx, store.Filter{Prefix: token.WorkflowRoot + "/"})
	if err != nil {
		return "", err
	}
	scopes := map[string]bool{}
	for _, name := range names {
		if wf, inst, ok := token.SplitInstance(name); ok {
			scopes[token.InstanceScope(wf, inst)] = true
		}
	}

	var toDelete []string
	for scope := range scopes {
		toks, err := st.ReadArchivedTokens(ctx, store.Filter{Prefix: scope})
		if err != nil {
			return "", err
		}
		ts, ok := instanceArchiveTimestamp(toks)
		if !ok || ts >= cutoff {
			continue
		}
		for _, t := range toks {
			toDelete = append(toDelete, t.Name)
		}
	}
	if len(toDelete) == 0 {
		return "no tokens need to be cleaned up\n", nil
	}
	fmt.Println("removing tokens:")
	for _, n := range toDelete {
		fmt.Printf("\t%s\n", n)
	}
	if !force && !confirm(fmt.Sprintf("remove %d tokens", len(toDelete))) {
		return "removed 0 token(s)\n", nil
	}
	if err := st.DeleteArchivedTokens(ctx, toDelete); err != nil {
		return "", err
	}
	return fmt.Sprintf("removed %d token(s)\n", len(toDelete)), nil
}

// instanceArchiveTimestamp finds the instance's archived ARCHIVE signal
// token and returns its TIMESTAMP attribute, used as the instance's
// effective completion time. Approximates the original's DataBuilder-based
// instance status/end_time lookup (not carried over — see DESIGN.md)
// without needing a full UI data-aggregation layer.
func instanceArchiveTimestamp(toks []token.Token) (int64, bool) {
	suffix := token.SignalSegment + "/" + string(token.SignalArchive)
	for _, t := range toks {
		if !strings.HasSuffix(t.Name, suffix) {
			continue
		}
		payload, err := token.Decode(t.Data)
		if err != nil {
			continue
		}
		sp, ok := payload.(*token.SignalPayload)
		if !ok {
			continue
		}
		raw, ok := sp.Attributes[token.AttrTimestamp]
		if !ok {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		return ts, true
	}
	return 0, false
}

func cmdRebuildCache(ctx context.Context, st store.Store, force bool) (string, error) {
	if !force && !confirm("clear and rebuild the data cache") {
		return "", nil
	}
	if err := st.ClearCachedData(ctx); err != nil {
		return "", err
	}
	return "cleared data cache\n", nil
}

package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pinwheel-sh/pinwheel/internal/token"
)

// workflowDef is the on-disk shape of one workflow definition file:
// a flat list of jobs plus the default recurrence for its schedule.
type workflowDef struct {
	Jobs []jobDef `yaml:"jobs"`
	// RecurrenceSeconds and OverrunPolicy seed ScheduleToken; a workflow
	// with RecurrenceSeconds == 0 has no natural schedule and is only
	// ever started by an operator command.
	RecurrenceSeconds int64              `yaml:"recurrence_seconds"`
	OverrunPolicy     token.OverrunPolicy `yaml:"overrun_policy"`
	Emails            []string           `yaml:"emails"`
}

type jobDef struct {
	Name            string   `yaml:"name"`
	Inputs          []string `yaml:"inputs"`
	Outputs         []string `yaml:"outputs"`
	Command         string   `yaml:"command"`
	CleanupTemplate string   `yaml:"cleanup_template"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryDelaySec   int64    `yaml:"retry_delay_sec"`
	WarnTimeoutSec  int64    `yaml:"warn_timeout_sec"`
	AbortTimeoutSec int64    `yaml:"abort_timeout_sec"`
	Emails          []string `yaml:"emails"`
}

// YAMLParser reads one workflow definition per file from Dir, named
// "<workflow>.yaml". It is the reference Parser implementation: small
// deployments can use it directly; larger ones register their own Parser
// backed by a database or remote definition service.
type YAMLParser struct {
	Dir string
}

var _ Parser = (*YAMLParser)(nil)

func (p *YAMLParser) WorkflowNames(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("yamlparser: read dir %q: %w", p.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(ext)])
	}
	return names, nil
}

func (p *YAMLParser) load(workflow string) (workflowDef, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(p.Dir, workflow+ext))
		if err == nil {
			var def workflowDef
			if uerr := yaml.Unmarshal(data, &def); uerr != nil {
				return workflowDef{}, fmt.Errorf("yamlparser: parse %q: %w", workflow, uerr)
			}
			return def, nil
		}
		if !os.IsNotExist(err) {
			return workflowDef{}, fmt.Errorf("yamlparser: read %q: %w", workflow, err)
		}
	}
	return workflowDef{}, fmt.Errorf("yamlparser: no definition found for workflow %q", workflow)
}

func (p *YAMLParser) WorkflowTokens(_ context.Context, workflow, instance, callerTag string, params map[string]string) ([]token.Token, error) {
	def, err := p.load(workflow)
	if err != nil {
		return nil, err
	}

	var tokens []token.Token
	for _, j := range def.Jobs {
		inputs := make([]token.InputSlot, 0, len(j.Inputs))
		startInput := len(j.Inputs) == 0
		for _, in := range j.Inputs {
			inputs = append(inputs, token.InputSlot{Name: in})
		}
		if startInput {
			inputs = append(inputs, token.InputSlot{Name: token.WorkflowStartInput})
		}

		payload := &token.JobPayload{
			Name:            j.Name,
			Inputs:          inputs,
			Outputs:         j.Outputs,
			Emails:          j.Emails,
			MaxAttempts:     j.MaxAttempts,
			RetryDelaySec:   j.RetryDelaySec,
			WarnTimeoutSec:  j.WarnTimeoutSec,
			AbortTimeoutSec: j.AbortTimeoutSec,
			Command:         j.Command,
			CleanupTemplate: j.CleanupTemplate,
		}
		payload.ApplyDefaults()
		data, err := token.Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("yamlparser: encode job %q: %w", j.Name, err)
		}
		tokens = append(tokens, token.Token{
			Name: token.WaitingJobName(workflow, instance, j.Name),
			Data: data,
		})

		if startInput {
			eventPayload := &token.EventPayload{Creator: callerTag, Attributes: params}
			eventPayload.ApplyDefaults()
			eventData, err := token.Encode(eventPayload)
			if err != nil {
				return nil, fmt.Errorf("yamlparser: encode start event for %q: %w", j.Name, err)
			}
			tokens = append(tokens, token.Token{
				Name: token.EventName(workflow, instance, j.Name, token.WorkflowStartInput, "start"),
				Data: eventData,
			})
		}
	}
	return tokens, nil
}

func (p *YAMLParser) ScheduleToken(_ context.Context, workflow string) (token.Token, error) {
	def, err := p.load(workflow)
	if err != nil {
		return token.Token{}, err
	}
	payload := &token.SchedulePayload{
		RecurrenceSeconds: def.RecurrenceSeconds,
		OverrunPolicy:     def.OverrunPolicy,
		Workflow:          workflow,
		Emails:            def.Emails,
	}
	payload.ApplyDefaults()
	data, err := token.Encode(payload)
	if err != nil {
		return token.Token{}, fmt.Errorf("yamlparser: encode schedule for %q: %w", workflow, err)
	}
	return token.Token{Name: token.ScheduleName(workflow), Data: data}, nil
}

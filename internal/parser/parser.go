// Package parser implements the "callable injection" design note: instead
// of the original implementation's dynamically imported Python symbol, a
// parser is a small interface implementations register under a name, and
// config.Config.Parser names which one to use at startup.
package parser

import (
	"context"
	"fmt"

	"github.com/pinwheel-sh/pinwheel/internal/token"
)

// Parser produces the seed job and event tokens for a new workflow
// instance, and the schedule token describing how often a workflow
// recurs. Implementations typically read a workflow definition from a
// file, database, or remote service named by params.
type Parser interface {
	// WorkflowNames lists every workflow this parser knows how to
	// instantiate.
	WorkflowNames(ctx context.Context) ([]string, error)
	// WorkflowTokens returns the full set of waiting job tokens and seed
	// event tokens for one new instance of workflow, named under
	// instance. callerTag identifies who is requesting the instance
	// (e.g. "scheduler" vs. an operator's "start" command), mirroring
	// the original implementation's caller-tag parameter used for
	// audit logging.
	WorkflowTokens(ctx context.Context, workflow, instance, callerTag string, params map[string]string) ([]token.Token, error)
	// ScheduleToken returns the schedule token for workflow, used when
	// (re)installing a recurring schedule.
	ScheduleToken(ctx context.Context, workflow string) (token.Token, error)
}

// Registry holds the set of parsers registered at startup, keyed by the
// name config.Config.Parser identifies.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{parsers: map[string]Parser{}}
}

// Register adds a parser under name, overwriting any previous registrant.
func (r *Registry) Register(name string, p Parser) {
	r.parsers[name] = p
}

// Get returns the parser registered under name.
func (r *Registry) Get(name string) (Parser, error) {
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("parser: no parser registered under %q", name)
	}
	return p, nil
}

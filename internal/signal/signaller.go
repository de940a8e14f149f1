// Package signal implements the signaller: read/write access over signal
// tokens at instance, workflow, and global scope (spec.md §4.5).
package signal

import (
	"context"
	"fmt"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Signaller resolves and mutates signal tokens for one (workflow, instance)
// pair. An empty instance narrows it to workflow scope, and an empty
// workflow and instance to global scope (callers that only care about
// global signals — the worker's EXIT/DRAIN checks — pass one constructed
// with Global()).
type Signaller struct {
	c          client.Client
	workflow   string
	instance   string
	generation int64
}

// New returns a Signaller scoped to one workflow instance.
func New(c client.Client, workflow, instance string, generation int64) *Signaller {
	return &Signaller{c: c, workflow: workflow, instance: instance, generation: generation}
}

// Global returns a Signaller that only ever resolves global-scope signals;
// used by the worker's top-of-loop EXIT/DRAIN check before any instance is
// known.
func Global(c client.Client, generation int64) *Signaller {
	return &Signaller{c: c, generation: generation}
}

// names returns the instance, workflow, and global token names for action,
// in scope-resolution order. Entries are omitted when this Signaller was not
// constructed with a workflow/instance (Global).
func (s *Signaller) names(action token.SignalAction) []string {
	var names []string
	if s.instance != "" {
		names = append(names, token.InstanceSignalName(s.workflow, s.instance, string(action)))
	}
	if s.workflow != "" {
		names = append(names, token.WorkflowSignalName(s.workflow, string(action)))
	}
	names = append(names, token.GlobalSignalName(string(action)))
	return names
}

// IsSet reports whether action is set at instance, workflow, or global
// scope (spec.md §4.5's "set iff a signal token exists at the instance
// scope, workflow scope, or global scope" rule). EXIT carries an
// additional generation check: the signal is active only when its stored
// generation exceeds s.generation, so a rolling restart can target only
// the cohort of processes it was meant to replace.
func (s *Signaller) IsSet(ctx context.Context, action token.SignalAction) (bool, error) {
	for _, name := range s.names(action) {
		tok, ok, err := s.get(ctx, name)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if action != token.SignalExit {
			return true, nil
		}
		payload, ok := tok.payload.(*token.SignalPayload)
		if !ok {
			continue
		}
		gen, err := generationOf(payload)
		if err != nil {
			return false, err
		}
		if gen > s.generation {
			return true, nil
		}
	}
	return false, nil
}

// SetAction writes a signal token for action at this Signaller's narrowest
// scope (instance, else workflow, else global) (idempotent:
// if an equivalent token already carries the same attributes, nothing is
// written).
func (s *Signaller) SetAction(ctx context.Context, action token.SignalAction, attrs map[string]string) error {
	name := s.scopedName(action)
	existing, ok, err := s.get(ctx, name)
	if err != nil {
		return err
	}
	payload := &token.SignalPayload{Action: action, Attributes: attrs}
	if ok {
		if sp, ok := existing.payload.(*token.SignalPayload); ok && sp.SameAttributes(attrs) {
			return nil
		}
	}
	return s.write(ctx, name, existing.tok, payload)
}

// RemoveAction deletes the signal token for action at this Signaller's
// narrowest scope, if any.
func (s *Signaller) RemoveAction(ctx context.Context, action token.SignalAction) error {
	name := s.scopedName(action)
	existing, ok, err := s.get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = s.c.Modify(ctx, wire.ModifyRequest{Deletes: []token.Token{existing.tok}})
	return err
}

// GetAttribute returns the named attribute of action's signal at this
// Signaller's narrowest scope, if set.
func (s *Signaller) GetAttribute(ctx context.Context, action token.SignalAction, key string) (string, bool, error) {
	existing, ok, err := s.get(ctx, s.scopedName(action))
	if err != nil || !ok {
		return "", false, err
	}
	payload, ok := existing.payload.(*token.SignalPayload)
	if !ok {
		return "", false, nil
	}
	v, ok := payload.Attributes[key]
	return v, ok, nil
}

// SetAttributeIfMissing compare-and-sets key on action's signal at this
// Signaller's narrowest scope only if it is not already present — the primitive the worker uses
// to stamp an ARCHIVE timestamp exactly once. wasSet reports whether this
// call is the one that set the value (false means it was already present
// and nothing was written), letting the caller distinguish "first to
// observe this signal" from "already being handled".
func (s *Signaller) SetAttributeIfMissing(ctx context.Context, action token.SignalAction, key, value string) (wasSet bool, err error) {
	name := s.scopedName(action)
	existing, ok, err := s.get(ctx, name)
	if err != nil {
		return false, err
	}
	var payload *token.SignalPayload
	if ok {
		sp, ok := existing.payload.(*token.SignalPayload)
		if ok {
			if _, present := sp.Attributes[key]; present {
				return false, nil
			}
			payload = &token.SignalPayload{Action: action, Attributes: cloneAttrs(sp.Attributes)}
		}
	}
	if payload == nil {
		payload = &token.SignalPayload{Action: action, Attributes: map[string]string{}}
	}
	payload.Attributes[key] = value
	if err := s.write(ctx, name, existing.tok, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Signaller) scopedName(action token.SignalAction) string {
	if s.instance != "" {
		return token.InstanceSignalName(s.workflow, s.instance, string(action))
	}
	if s.workflow != "" {
		return token.WorkflowSignalName(s.workflow, string(action))
	}
	return token.GlobalSignalName(string(action))
}

type resolved struct {
	tok     token.Token
	payload token.Payload
}

func (s *Signaller) get(ctx context.Context, name string) (resolved, bool, error) {
	resp, err := s.c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: name, MaxTokens: 1}}})
	if err != nil {
		return resolved{}, false, err
	}
	matches := resp.Tokens[0]
	if len(matches) == 0 {
		return resolved{}, false, nil
	}
	tok := matches[0]
	payload, err := token.Decode(tok.Data)
	if err != nil {
		return resolved{}, false, fmt.Errorf("signal: decode %q: %w", name, err)
	}
	return resolved{tok: tok, payload: payload}, true, nil
}

func (s *Signaller) write(ctx context.Context, name string, existing token.Token, payload *token.SignalPayload) error {
	payload.ApplyDefaults()
	data, err := token.Encode(payload)
	if err != nil {
		return fmt.Errorf("signal: encode %q: %w", name, err)
	}
	update := token.Token{Name: name, Version: existing.Version, Data: data}
	_, err = s.c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{update}})
	return err
}

func generationOf(p *token.SignalPayload) (int64, error) {
	raw, ok := p.Attributes[token.AttrGeneration]
	if !ok {
		return 0, nil
	}
	var gen int64
	if _, err := fmt.Sscanf(raw, "%d", &gen); err != nil {
		return 0, fmt.Errorf("signal: parse generation %q: %w", raw, err)
	}
	return gen, nil
}

func cloneAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Package txn implements the transaction layer: the five request kinds
// (Query, Group, Modify, Archive, QueryAndOwn) that translate a caller's
// request into atomic mutations over the token trie and its backing
// store. Every exported function here assumes its caller already holds
// the master's process-wide mutex — the transaction layer itself does no
// locking, matching the design note that hides the trie and blessed
// version behind the master handler's API.
package txn

import (
	"context"
	"fmt"
	"sort"

	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/trie"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// State bundles the in-memory trie with its backing store: the two
// structures every transaction commits to together.
type State struct {
	Trie  *trie.Trie
	Store store.Store
}

// StoreFailure wraps an error returned by the store during a transaction
// commit. Per spec.md §7, a STORE_FAILURE inside a commit is fatal: the
// master process that observes this error type must abort rather than
// return it to the caller, since the in-memory trie would otherwise
// diverge from durable state.
type StoreFailure struct {
	Err error
}

func (e *StoreFailure) Error() string { return fmt.Sprintf("store failure: %v", e.Err) }
func (e *StoreFailure) Unwrap() error { return e.Err }

// blessedVersion loads the current blessed-version token, initializing a
// fresh one if absent (first boot).
func blessedVersion(st *State) token.Token {
	b, ok := st.Trie.Get(trie.BlessedVersionName)
	if !ok {
		return token.Token{Name: trie.BlessedVersionName}
	}
	return b
}

// sortByPriorityDesc sorts tokens by Priority descending, breaking ties by
// Name ascending so repeated calls over the same input are deterministic.
func sortByPriorityDesc(toks []token.Token) {
	sort.SliceStable(toks, func(i, j int) bool {
		if toks[i].Priority != toks[j].Priority {
			return toks[i].Priority > toks[j].Priority
		}
		return toks[i].Name < toks[j].Name
	})
}

// Query implements spec.md §4.3.1. Read-only.
func Query(_ context.Context, st *State, req wire.QueryRequest) (wire.QueryResponse, error) {
	resp := wire.QueryResponse{Tokens: make([][]token.Token, len(req.Queries))}
	for i, q := range req.Queries {
		if q.NamePrefix == "" {
			return wire.QueryResponse{}, &wire.MasterError{Code: wire.InputError, Message: "query: name_prefix is required"}
		}
		matches := st.Trie.ValuesUnder(q.NamePrefix)
		sortByPriorityDesc(matches)
		if q.MaxTokens > 0 && len(matches) > q.MaxTokens {
			matches = matches[:q.MaxTokens]
		}
		resp.Tokens[i] = matches
	}
	return resp, nil
}

// Group implements spec.md §4.3.2. Read-only.
func Group(_ context.Context, st *State, req wire.GroupRequest) (wire.GroupResponse, error) {
	if req.NamePrefix == "" {
		return wire.GroupResponse{}, &wire.MasterError{Code: wire.InputError, Message: "group: name_prefix is required"}
	}
	names := st.Trie.NamesUnder(req.NamePrefix)
	counts := map[string]int64{}
	for _, name := range names {
		group := groupOf(name, req.NamePrefix, req.GroupSuffix)
		counts[group]++
	}
	return wire.GroupResponse{Counts: counts}, nil
}

// groupOf computes the group a name falls into: the substring from the
// start of name up to and including the first occurrence of groupSuffix
// strictly after prefix, or the full name if groupSuffix never occurs
// there.
func groupOf(name, prefix, groupSuffix string) string {
	if groupSuffix == "" {
		return name
	}
	rest := name[len(prefix):]
	idx := indexOf(rest, groupSuffix)
	if idx < 0 {
		return name
	}
	return name[:len(prefix)+idx+len(groupSuffix)]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

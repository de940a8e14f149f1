package txn

import (
	"context"
	"time"

	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/trie"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// QueryAndOwn implements spec.md §4.3.5: the lease-acquisition primitive
// the scheduler and worker loops build on. It gathers every token under
// the prefix, skips anything currently owned (per I4), and claims the
// highest-priority unowned remainder up to max_tokens by assigning a
// fresh version, owner, and expiration time in the same commit.
func QueryAndOwn(ctx context.Context, st *State, req wire.QueryAndOwnRequest, now time.Time) (wire.QueryAndOwnResponse, error) {
	if req.Owner == "" {
		return wire.QueryAndOwnResponse{}, &wire.MasterError{Code: wire.InputError, Message: "query_and_own: owner is required"}
	}
	candidates := st.Trie.ValuesUnder(req.Query.NamePrefix)
	sortByPriorityDesc(candidates)

	var claimable []token.Token
	for _, c := range candidates {
		if c.Owned(now) {
			continue
		}
		claimable = append(claimable, c)
		if req.Query.MaxTokens > 0 && len(claimable) >= req.Query.MaxTokens {
			break
		}
	}
	if len(claimable) == 0 {
		return wire.QueryAndOwnResponse{}, nil
	}

	blessed := blessedVersion(st)
	owned := make([]token.Token, len(claimable))
	for i, c := range claimable {
		next := trie.AdvanceVersion(&blessed, now)
		c.Version = next
		c.Owner = req.Owner
		c.ExpirationTime = req.ExpirationTime
		owned[i] = c
	}
	blessed.Version = trie.AdvanceVersion(&blessed, now)

	storeUpdates := make([]token.Token, 0, len(owned)+1)
	storeUpdates = append(storeUpdates, owned...)
	storeUpdates = append(storeUpdates, blessed)

	if err := st.Store.CommitTokens(ctx, storeUpdates, nil); err != nil {
		return wire.QueryAndOwnResponse{}, &StoreFailure{Err: err}
	}

	for _, o := range owned {
		st.Trie.Put(o)
	}
	st.Trie.Put(blessed)

	return wire.QueryAndOwnResponse{Tokens: owned}, nil
}

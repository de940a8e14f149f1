package txn

import (
	"context"

	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Archive implements spec.md §4.3.4: move a version-matched set of tokens
// from active to archived storage. Archiving never mints new versions —
// the caller's view of each token must exactly match what is currently
// live, or the whole batch is rejected.
func Archive(ctx context.Context, st *State, req wire.ArchiveRequest) (wire.ArchiveResponse, error) {
	current := make([]token.Token, 0, len(req.Tokens))
	for _, t := range req.Tokens {
		existing, ok := st.Trie.Get(t.Name)
		if !ok {
			return wire.ArchiveResponse{}, &wire.MasterError{Code: wire.NotFound, Message: "archive: " + t.Name + " not found"}
		}
		if existing.Version != t.Version {
			return wire.ArchiveResponse{}, &wire.MasterError{Code: wire.VersionConflict, Message: "archive: " + t.Name + " version mismatch"}
		}
		current = append(current, existing)
	}

	if err := st.Store.ArchiveTokens(ctx, current); err != nil {
		return wire.ArchiveResponse{}, &StoreFailure{Err: err}
	}

	for _, t := range current {
		st.Trie.Delete(t.Name)
	}
	return wire.ArchiveResponse{}, nil
}

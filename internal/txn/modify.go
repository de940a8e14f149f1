package txn

import (
	"context"
	"time"

	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/trie"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Modify implements spec.md §4.3.3: an optimistic-concurrency-checked
// batch of upserts and deletes. Every update and delete must carry the
// version it expects to be replacing (zero means "must not already
// exist"); any mismatch aborts the whole batch with VERSION_CONFLICT
// before anything is written, preserving I1.
func Modify(ctx context.Context, st *State, req wire.ModifyRequest, now time.Time) (wire.ModifyResponse, error) {
	if err := validateModify(st, req); err != nil {
		return wire.ModifyResponse{}, err
	}
	for _, u := range req.Updates {
		if u.Data == nil {
			continue
		}
		payload, err := token.Decode(u.Data)
		if err != nil {
			return wire.ModifyResponse{}, &wire.MasterError{Code: wire.InputError, Message: "modify: " + u.Name + ": " + err.Error()}
		}
		if err := token.Validate(payload); err != nil {
			return wire.ModifyResponse{}, &wire.MasterError{Code: wire.InputError, Message: "modify: " + u.Name + ": " + err.Error()}
		}
	}

	blessed := blessedVersion(st)
	assigned := make([]token.Token, len(req.Updates))
	for i, u := range req.Updates {
		next := trie.AdvanceVersion(&blessed, now)
		u.Version = next
		assigned[i] = u
	}
	blessed.Version = trie.AdvanceVersion(&blessed, now)

	deleteNames := make([]string, len(req.Deletes))
	for i, d := range req.Deletes {
		deleteNames[i] = d.Name
	}

	storeUpdates := make([]token.Token, 0, len(assigned)+1)
	storeUpdates = append(storeUpdates, assigned...)
	storeUpdates = append(storeUpdates, blessed)

	if err := st.Store.CommitTokens(ctx, storeUpdates, deleteNames); err != nil {
		return wire.ModifyResponse{}, &StoreFailure{Err: err}
	}

	for _, u := range assigned {
		st.Trie.Put(u)
	}
	st.Trie.Put(blessed)
	for _, name := range deleteNames {
		st.Trie.Delete(name)
	}

	return wire.ModifyResponse{Updates: assigned}, nil
}

// validateModify checks the optimistic-concurrency precondition for every
// update and delete against the current trie contents, without mutating
// anything.
func validateModify(st *State, req wire.ModifyRequest) error {
	for _, d := range req.Deletes {
		if d.Version == 0 {
			return &wire.MasterError{Code: wire.InputError, Message: "modify: delete of " + d.Name + " must carry a version"}
		}
		existing, ok := st.Trie.Get(d.Name)
		if !ok {
			return &wire.MasterError{Code: wire.NotFound, Message: "modify: delete target " + d.Name + " not found"}
		}
		if existing.Version != d.Version {
			return &wire.MasterError{Code: wire.VersionConflict, Message: "modify: delete target " + d.Name + " version mismatch"}
		}
	}
	for _, u := range req.Updates {
		if u.Name == "" {
			return &wire.MasterError{Code: wire.InputError, Message: "modify: update with empty name"}
		}
		existing, ok := st.Trie.Get(u.Name)
		if u.Version == 0 {
			if ok {
				return &wire.MasterError{Code: wire.VersionConflict, Message: "modify: " + u.Name + " already exists"}
			}
			continue
		}
		if !ok || existing.Version != u.Version {
			return &wire.MasterError{Code: wire.VersionConflict, Message: "modify: " + u.Name + " version mismatch"}
		}
	}
	return nil
}

// Package store defines the durable persistence layer the master commits
// through on every mutating transaction: an active table, an archived
// table, and a side cache table, plus the query filters transactions use
// to scan them. Available implementations:
//
//   - memory: in-memory store for development, tests, and single-process demos.
//   - mongo: MongoDB-backed store for production.
//
// To add a new implementation, create a subpackage implementing Store and
// returning store.ErrNotFound for missing tokens.
package store

import (
	"context"
	"errors"

	"github.com/pinwheel-sh/pinwheel/internal/token"
)

// ErrNotFound is returned when a named token does not exist in the
// relevant table.
var ErrNotFound = errors.New("store: token not found")

// Filter selects tokens by name using SQL-LIKE semantics: Prefix, Infix,
// and Suffix are independently optional; an underscore in any of them
// matches a literal underscore, never "any character". At least one of
// the three must be non-empty.
type Filter struct {
	Prefix string
	Infix  string
	Suffix string
}

// Store is the persistence layer every Token mutation commits through.
// Implementations must be safe for concurrent use and must make
// CommitTokens and ArchiveTokens atomic at row granularity: either every
// row in the call lands, or none does.
type Store interface {
	// CommitTokens upserts updates and deletes the named deletes in the
	// active table, atomically.
	CommitTokens(ctx context.Context, updates []token.Token, deletes []string) error

	// ArchiveTokens moves tokens from the active table to the archived
	// table, atomically. The tokens retain their identity (name, version,
	// owner, etc.) unchanged; this is a migration, not a mutation.
	ArchiveTokens(ctx context.Context, tokens []token.Token) error

	// DeleteArchivedTokens removes the named tokens from the archived
	// table.
	DeleteArchivedTokens(ctx context.Context, names []string) error

	// ReadActiveTokens returns active tokens matching filter.
	ReadActiveTokens(ctx context.Context, filter Filter) ([]token.Token, error)
	// ReadArchivedTokens returns archived tokens matching filter.
	ReadArchivedTokens(ctx context.Context, filter Filter) ([]token.Token, error)
	// ReadTokens returns the union of active and archived tokens matching
	// filter.
	ReadTokens(ctx context.Context, filter Filter) ([]token.Token, error)

	// ReadActiveNames is the projection-only variant of ReadActiveTokens.
	ReadActiveNames(ctx context.Context, filter Filter) ([]string, error)
	// ReadArchivedNames is the projection-only variant of ReadArchivedTokens.
	ReadArchivedNames(ctx context.Context, filter Filter) ([]string, error)
	// ReadNames is the projection-only variant of ReadTokens.
	ReadNames(ctx context.Context, filter Filter) ([]string, error)

	// GetCachedData retrieves the opaque blob memoized under name.
	GetCachedData(ctx context.Context, name string) ([]byte, error)
	// SetCachedData stores an opaque blob under name, for archived-instance
	// data structures the UI/data-builder layer memoizes. Archives are
	// assumed immutable, so callers never invalidate an individual key
	// in place (§9 design notes).
	SetCachedData(ctx context.Context, name string, data []byte) error
	// ClearCachedData empties the entire cache table.
	ClearCachedData(ctx context.Context) error
}

// Package master implements the token master: the single-writer
// coordination point that serializes every transaction against the
// in-memory trie and its backing store (spec.md §4.2).
package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pinwheel-sh/pinwheel/internal/store"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
	"github.com/pinwheel-sh/pinwheel/internal/trie"
	"github.com/pinwheel-sh/pinwheel/internal/txn"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Handler is the master. It holds the one mutex every transaction must
// acquire before touching the trie, making Query/Group/Modify/Archive/
// QueryAndOwn individually atomic and mutually exclusive, per §4.2's
// single-writer discipline.
type Handler struct {
	mu     sync.Mutex
	state  *txn.State
	clock  func() time.Time
	logger telemetry.Logger

	// onFatal is invoked, with mu still held, when a transaction observes a
	// *txn.StoreFailure: the trie is frozen in a state the store can no
	// longer be trusted to match, and the process must stop serving
	// requests rather than risk silently diverging from durable state.
	// Defaults to a no-op so embedding code can decide how "fatal" looks
	// (os.Exit in cmd/master; tests record the error).
	onFatal func(error)
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithClock overrides the Handler's time source. Tests use this to pin
// now() to a fixed instant.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// WithLogger attaches a telemetry.Logger. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithOnFatal overrides the callback invoked on an unrecoverable store
// failure. Defaults to a no-op — callers that care must set one.
func WithOnFatal(fn func(error)) Option {
	return func(h *Handler) { h.onFatal = fn }
}

// New constructs a Handler backed by backend, loading every active token
// (and the blessed version counter) into a fresh trie before returning,
// per the restart-recovery property P6.
func New(ctx context.Context, backend store.Store, opts ...Option) (*Handler, error) {
	h := &Handler{
		state:   &txn.State{Trie: trie.New(), Store: backend},
		clock:   time.Now,
		logger:  telemetry.NewNoopLogger(),
		onFatal: func(error) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.load(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// load populates the trie from every active token the store holds. Called
// once at startup; spec.md's restart-recovery property (P6) requires that
// the post-load trie be indistinguishable from the trie the master held
// immediately before it stopped.
func (h *Handler) load(ctx context.Context) error {
	active, err := h.state.Store.ReadActiveTokens(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("master: load active tokens: %w", err)
	}
	for _, tok := range active {
		h.state.Trie.Put(tok)
	}
	h.logger.Info(ctx, "master loaded active tokens", "count", len(active))
	return nil
}

// Query implements wire.QueryRequest/QueryResponse. Read-only; does not
// need the STORE_FAILURE fatal path since it never writes.
func (h *Handler) Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return txn.Query(ctx, h.state, req)
}

// Group implements wire.GroupRequest/GroupResponse.
func (h *Handler) Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return txn.Group(ctx, h.state, req)
}

// Modify implements wire.ModifyRequest/ModifyResponse.
func (h *Handler) Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp, err := txn.Modify(ctx, h.state, req, h.clock())
	h.checkFatal(ctx, err)
	return resp, err
}

// Archive implements wire.ArchiveRequest/ArchiveResponse.
func (h *Handler) Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp, err := txn.Archive(ctx, h.state, req)
	h.checkFatal(ctx, err)
	return resp, err
}

// QueryAndOwn implements wire.QueryAndOwnRequest/QueryAndOwnResponse.
func (h *Handler) QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp, err := txn.QueryAndOwn(ctx, h.state, req, h.clock())
	h.checkFatal(ctx, err)
	return resp, err
}

func (h *Handler) checkFatal(ctx context.Context, err error) {
	if err == nil {
		return
	}
	var failure *txn.StoreFailure
	if errors.As(err, &failure) {
		h.logger.Error(ctx, "master: store failure, aborting", "error", failure.Err)
		h.onFatal(failure)
	}
}

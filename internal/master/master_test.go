package master

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/txn"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

func TestNewLoadsActiveTokensFromStore(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	require.NoError(t, backend.CommitTokens(ctx, []token.Token{
		{Name: "/workflow/a/instance/1/job/waiting/x", Version: 1},
	}, nil))

	h, err := New(ctx, backend)
	require.NoError(t, err)

	resp, err := h.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: "/workflow/a/"}}})
	require.NoError(t, err)
	require.Len(t, resp.Tokens[0], 1)
}

func TestModifySerializesUnderOneMutex(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, memory.New(), WithClock(func() time.Time { return time.Unix(1000, 0) }))
	require.NoError(t, err)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := h.Modify(ctx, wire.ModifyRequest{
				Updates: []token.Token{{Name: "/workflow/a/job/" + string(rune('a'+i)) + "/waiting"}},
			})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	resp, err := h.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: "/workflow/a/"}}})
	require.NoError(t, err)
	require.Len(t, resp.Tokens[0], n)

	seen := map[int64]bool{}
	for _, tok := range resp.Tokens[0] {
		require.False(t, seen[tok.Version], "version collision: concurrent Modify calls raced past the mutex")
		seen[tok.Version] = true
	}
}

type failingStore struct{ *memory.Store }

func (f failingStore) CommitTokens(context.Context, []token.Token, []string) error {
	return errors.New("disk full")
}

func TestModifyStoreFailureInvokesOnFatal(t *testing.T) {
	ctx := context.Background()
	var fatalErr error
	h, err := New(ctx, failingStore{memory.New()}, WithOnFatal(func(e error) { fatalErr = e }))
	require.NoError(t, err)

	_, err = h.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{{Name: "/workflow/a/job/x/waiting"}}})
	require.Error(t, err)

	var failure *txn.StoreFailure
	require.ErrorAs(t, err, &failure)
	require.NotNil(t, fatalErr)
}

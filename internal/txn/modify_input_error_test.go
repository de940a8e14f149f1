package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

func TestModifyRejectsMalformedPayloadData(t *testing.T) {
	st := newState()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	_, err := Modify(ctx, st, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting", Data: []byte("not json")}},
	}, now)

	var merr *wire.MasterError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, wire.InputError, merr.Code)

	_, ok := st.Trie.Get("/workflow/a/job/x/waiting")
	require.False(t, ok, "a rejected update must not be written to the trie")
}

func TestModifyRejectsPayloadFailingSchemaValidation(t *testing.T) {
	st := newState()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	// name has a JSON Schema minLength of 1; ApplyDefaults never touches
	// it, so an empty name survives decode and still fails Validate.
	data, err := token.Encode(&token.JobPayload{Name: "", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = Modify(ctx, st, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting", Data: data}},
	}, now)

	var merr *wire.MasterError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, wire.InputError, merr.Code)
}

func TestModifyRejectsUnknownPayloadKind(t *testing.T) {
	st := newState()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	_, err := Modify(ctx, st, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting", Data: []byte(`{"kind":"bogus"}`)}},
	}, now)

	var merr *wire.MasterError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, wire.InputError, merr.Code)
}

func TestModifyWithNilDataSkipsPayloadValidation(t *testing.T) {
	st := newState()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	// A bare token carrying no payload (e.g. a waiting-state marker) must
	// not be rejected for lacking one.
	resp, err := Modify(ctx, st, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting"}},
	}, now)
	require.NoError(t, err)
	require.Len(t, resp.Updates, 1)
}

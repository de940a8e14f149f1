package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/retry"
	"github.com/pinwheel-sh/pinwheel/internal/store/memory"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

func TestLocalRoundTripsThroughHandler(t *testing.T) {
	ctx := context.Background()
	h, err := master.New(ctx, memory.New())
	require.NoError(t, err)

	c := Local{Handler: h}
	resp, err := c.Modify(ctx, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Updates, 1)
}

func TestRemoteRoundTripsOverNetRPC(t *testing.T) {
	ctx := context.Background()
	h, err := master.New(ctx, memory.New())
	require.NoError(t, err)
	service := master.NewRPCService(h)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = master.Serve(serveCtx, listener, service) }()

	remote := NewRemote(listener.Addr().String(), WithRetryConfig(retry.Config{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	}))
	defer remote.Close()

	resp, err := remote.Modify(ctx, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Updates, 1)

	_, err = remote.Modify(ctx, wire.ModifyRequest{
		Updates: []token.Token{{Name: "/workflow/a/job/x/waiting"}},
	})
	require.Error(t, err)
	merr, ok := err.(*wire.MasterError)
	require.True(t, ok)
	require.Equal(t, wire.VersionConflict, merr.Code)
}

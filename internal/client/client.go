// Package client provides the two ways workflow callers (scheduler,
// worker, signaller, pinwheelctl) reach a master: Local, an in-process
// call straight into a *master.Handler, and Remote, a net/rpc client with
// reconnect-on-failure.
package client

import (
	"context"

	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Client is the transaction surface every caller of the master programs
// against, satisfied by both Local and Remote.
type Client interface {
	Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error)
	Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error)
	Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error)
	Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error)
	QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error)
}

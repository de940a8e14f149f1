package client

import (
	"context"

	"github.com/pinwheel-sh/pinwheel/internal/master"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Local calls a *master.Handler directly, in-process. Used when the
// scheduler, worker, or pinwheelctl run in the same process as the
// master (tests, single-binary deployments).
type Local struct {
	Handler *master.Handler
}

var _ Client = Local{}

func (l Local) Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error) {
	return l.Handler.Query(ctx, req)
}

func (l Local) Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error) {
	return l.Handler.Group(ctx, req)
}

func (l Local) Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error) {
	return l.Handler.Modify(ctx, req)
}

func (l Local) Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error) {
	return l.Handler.Archive(ctx, req)
}

func (l Local) QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error) {
	return l.Handler.QueryAndOwn(ctx, req)
}

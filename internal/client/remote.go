package client

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/pinwheel-sh/pinwheel/internal/retry"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Remote calls a master over net/rpc, transparently reconnecting with
// exponential backoff (internal/retry) when the underlying connection is
// lost — the TRANSPORT failure class spec.md §7 assigns entirely to the
// client side, since the master itself never sees a dropped connection as
// anything but a closed socket.
type Remote struct {
	addr        string
	dialTimeout time.Duration
	retryCfg    retry.Config

	mu   sync.Mutex
	conn *rpc.Client
}

// RemoteOption configures a Remote at construction.
type RemoteOption func(*Remote)

// WithDialTimeout overrides the per-dial timeout. Defaults to 5 seconds.
func WithDialTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.dialTimeout = d }
}

// WithRetryConfig overrides the reconnect backoff schedule.
func WithRetryConfig(cfg retry.Config) RemoteOption {
	return func(r *Remote) { r.retryCfg = cfg }
}

// NewRemote returns a Remote targeting addr. The first connection attempt
// is deferred to the first call, so constructing a Remote never blocks or
// fails on a master that is temporarily unreachable.
func NewRemote(addr string, opts ...RemoteOption) *Remote {
	r := &Remote{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		retryCfg:    retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Client = (*Remote)(nil)

func (r *Remote) connection() (*rpc.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	nc, err := net.DialTimeout("tcp", r.addr, r.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn := rpc.NewClient(nc)
	r.conn = conn
	return conn, nil
}

// invalidate drops the cached connection so the next call redials.
func (r *Remote) invalidate(bad *rpc.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == bad {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Close closes the underlying connection, if any.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *Remote) call(ctx context.Context, method string, args, reply any) error {
	return retry.Do(ctx, r.retryCfg, func(ctx context.Context) error {
		conn, err := r.connection()
		if err != nil {
			return err
		}

		call := conn.Go("Master."+method, args, reply, make(chan *rpc.Call, 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done := <-call.Done:
			if done.Error != nil {
				if retry.IsRetryable(done.Error) || errors.Is(done.Error, rpc.ErrShutdown) {
					r.invalidate(conn)
				}
				return done.Error
			}
			return nil
		}
	})
}

func (r *Remote) Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error) {
	var resp wire.QueryResponse
	if err := r.call(ctx, "Query", req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err.AsError()
}

func (r *Remote) Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error) {
	var resp wire.GroupResponse
	if err := r.call(ctx, "Group", req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err.AsError()
}

func (r *Remote) Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error) {
	var resp wire.ModifyResponse
	if err := r.call(ctx, "Modify", req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err.AsError()
}

func (r *Remote) Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error) {
	var resp wire.ArchiveResponse
	if err := r.call(ctx, "Archive", req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err.AsError()
}

func (r *Remote) QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error) {
	var resp wire.QueryAndOwnResponse
	if err := r.call(ctx, "QueryAndOwn", req, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Err.AsError()
}

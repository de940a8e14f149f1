package master

import (
	"context"
	"errors"
	"net"
	"net/rpc"

	"github.com/pinwheel-sh/pinwheel/internal/ratelimit"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Service is the five-method transaction surface RPCService delegates to.
// *Handler satisfies it directly; internal/ratelimit.Limiter.Wrap returns
// a decorator satisfying it too, so a rate-limited caller-scoped service
// can be registered exactly like a bare Handler.
type Service interface {
	Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error)
	Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error)
	Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error)
	Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error)
	QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error)
}

var _ Service = (*Handler)(nil)

// RPCService adapts a Service to net/rpc's calling convention: every
// method must be exported, take exactly two arguments (request,
// *response), and return error. net/rpc's gob-encoded, length-prefixed
// frames are this module's realization of the "length-framed binary
// protocol" the wire package's doc comment describes.
type RPCService struct {
	handler Service
}

// NewRPCService wraps handler for registration with an *rpc.Server.
func NewRPCService(handler Service) *RPCService {
	return &RPCService{handler: handler}
}

// asMasterError returns (me, true) when err is a business-logic failure
// that belongs inline in the response, or (nil, false) when err should
// instead propagate through net/rpc's own error channel (transport
// problems, or a fatal store failure the process is about to abort on).
func asMasterError(err error) (*wire.MasterError, bool) {
	var me *wire.MasterError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func (s *RPCService) Query(req wire.QueryRequest, resp *wire.QueryResponse) error {
	out, err := s.handler.Query(context.Background(), req)
	if me, ok := asMasterError(err); ok {
		out.Err = me
		err = nil
	}
	*resp = out
	return err
}

func (s *RPCService) Group(req wire.GroupRequest, resp *wire.GroupResponse) error {
	out, err := s.handler.Group(context.Background(), req)
	if me, ok := asMasterError(err); ok {
		out.Err = me
		err = nil
	}
	*resp = out
	return err
}

func (s *RPCService) Modify(req wire.ModifyRequest, resp *wire.ModifyResponse) error {
	out, err := s.handler.Modify(context.Background(), req)
	if me, ok := asMasterError(err); ok {
		out.Err = me
		err = nil
	}
	*resp = out
	return err
}

func (s *RPCService) Archive(req wire.ArchiveRequest, resp *wire.ArchiveResponse) error {
	out, err := s.handler.Archive(context.Background(), req)
	if me, ok := asMasterError(err); ok {
		out.Err = me
		err = nil
	}
	*resp = out
	return err
}

func (s *RPCService) QueryAndOwn(req wire.QueryAndOwnRequest, resp *wire.QueryAndOwnResponse) error {
	out, err := s.handler.QueryAndOwn(context.Background(), req)
	if me, ok := asMasterError(err); ok {
		out.Err = me
		err = nil
	}
	*resp = out
	return err
}

// Serve registers service under the "Master" RPC name and accepts
// connections on listener until it is closed or ctx is done.
func Serve(ctx context.Context, listener net.Listener, service *RPCService) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Master", service); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go server.ServeConn(conn)
	}
}

// ServeLimited behaves like Serve, except each accepted connection gets
// its own *rpc.Server registering a Service scoped to that connection's
// remote address by limiter — so one worker hammering its poll loop
// cannot starve another's budget on the same master.
func ServeLimited(ctx context.Context, listener net.Listener, handler Service, limiter *ratelimit.Limiter) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		caller := conn.RemoteAddr().String()
		scoped := limiter.Wrap(caller, handler)
		server := rpc.NewServer()
		if err := server.RegisterName("Master", NewRPCService(scoped)); err != nil {
			_ = conn.Close()
			continue
		}
		go server.ServeConn(conn)
	}
}

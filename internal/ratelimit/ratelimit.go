// Package ratelimit applies a per-caller token bucket in front of the
// master's five transaction methods, grounded on
// features/model/middleware/ratelimit.go's wrap-the-client-in-a-decorator
// shape (golang.org/x/time/rate plus a pre-call cost estimate). Unlike
// that limiter, there is no provider-side "you got rate limited" signal
// to adapt to here, so this is a fixed budget per caller rather than an
// AIMD one — see DESIGN.md.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// Service is the subset of master.Handler's surface a Limiter wraps.
// Defined here, rather than imported, so this package never depends on
// internal/master; *master.Handler satisfies it structurally.
type Service interface {
	Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error)
	Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error)
	Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error)
	Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error)
	QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error)
}

const (
	defaultRPS   = 200
	defaultBurst = 400
	idleTTL      = 10 * time.Minute
)

type entry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// Limiter hands out one token bucket per caller identity (typically a
// worker or scheduler's process address) and evicts buckets nothing has
// used in idleTTL, so a fleet of short-lived callers doesn't leak entries
// forever.
type Limiter struct {
	mu      sync.Mutex
	callers map[string]*entry
	rps     float64
	burst   int
	clock   func() time.Time
}

// Option configures a Limiter at construction.
type Option func(*Limiter)

// WithRate overrides the steady-state requests-per-second budget per
// caller. Defaults to 200.
func WithRate(rps float64) Option {
	return func(l *Limiter) { l.rps = rps }
}

// WithBurst overrides the burst capacity per caller. Defaults to 400.
func WithBurst(burst int) Option {
	return func(l *Limiter) { l.burst = burst }
}

// WithClock overrides the Limiter's time source, for idle-eviction tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New constructs a Limiter. Callers each get their own bucket at rps/burst.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		callers: make(map[string]*entry),
		rps:     defaultRPS,
		burst:   defaultBurst,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wrap returns a Service that enforces caller's budget before delegating
// every call to next, weighting each call by a cheap estimate of the work
// it asks the master to do (§4.2's ambient addition).
func (l *Limiter) Wrap(caller string, next Service) Service {
	return &limited{caller: caller, next: next, limiter: l}
}

func (l *Limiter) bucket(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	e, ok := l.callers[caller]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.callers[caller] = e
	}
	e.lastUse = now
	return e.limiter
}

// EvictIdle removes any caller bucket unused since before cutoff, keeping
// the map bounded for long-running masters serving a changing worker
// fleet. Callers typically invoke this from a periodic goroutine.
func (l *Limiter) EvictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for caller, e := range l.callers {
		if e.lastUse.Before(cutoff) {
			delete(l.callers, caller)
		}
	}
}

// RunEvictor evicts idle caller buckets every interval until ctx is done.
func (l *Limiter) RunEvictor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.EvictIdle(l.clock().Add(-idleTTL))
		}
	}
}

type limited struct {
	caller  string
	next    Service
	limiter *Limiter
}

func (s *limited) wait(ctx context.Context, cost int) error {
	return s.limiter.bucket(s.caller).WaitN(ctx, cost)
}

func (s *limited) Query(ctx context.Context, req wire.QueryRequest) (wire.QueryResponse, error) {
	if err := s.wait(ctx, queryCost(req)); err != nil {
		return wire.QueryResponse{}, err
	}
	return s.next.Query(ctx, req)
}

func (s *limited) Group(ctx context.Context, req wire.GroupRequest) (wire.GroupResponse, error) {
	if err := s.wait(ctx, 1); err != nil {
		return wire.GroupResponse{}, err
	}
	return s.next.Group(ctx, req)
}

func (s *limited) Modify(ctx context.Context, req wire.ModifyRequest) (wire.ModifyResponse, error) {
	if err := s.wait(ctx, modifyCost(req)); err != nil {
		return wire.ModifyResponse{}, err
	}
	return s.next.Modify(ctx, req)
}

func (s *limited) Archive(ctx context.Context, req wire.ArchiveRequest) (wire.ArchiveResponse, error) {
	cost := len(req.Tokens)
	if cost < 1 {
		cost = 1
	}
	if err := s.wait(ctx, cost); err != nil {
		return wire.ArchiveResponse{}, err
	}
	return s.next.Archive(ctx, req)
}

func (s *limited) QueryAndOwn(ctx context.Context, req wire.QueryAndOwnRequest) (wire.QueryAndOwnResponse, error) {
	if err := s.wait(ctx, 1); err != nil {
		return wire.QueryAndOwnResponse{}, err
	}
	return s.next.QueryAndOwn(ctx, req)
}

// queryCost weights a batched query by the tokens it may return, so one
// unbounded-prefix scan costs more than a handful of point lookups.
func queryCost(req wire.QueryRequest) int {
	cost := 0
	for _, q := range req.Queries {
		if q.MaxTokens > 0 {
			cost += q.MaxTokens
		} else {
			cost += 50
		}
	}
	if cost < 1 {
		return 1
	}
	return cost
}

// modifyCost weights a batch write by the number of tokens it touches.
func modifyCost(req wire.ModifyRequest) int {
	cost := len(req.Updates) + len(req.Deletes)
	if cost < 1 {
		return 1
	}
	return cost
}

// Package rpcguard protects contract reads: a circuit breaker stops hammering
// a failing node, a rate limiter caps the request rate and identical
// concurrent reads are coalesced.
package rpcguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"krine/internal/contracts"
)

var (
	// MaxNumOfFailingRequests and FailingRatio trip the breaker once more than
	// that many requests were seen and the failing share reaches the ratio.
	MaxNumOfFailingRequests = 10
	FailingRatio            = 0.6
)

// DefaultTimeout bounds one shared read.
const DefaultTimeout = 15 * time.Second

// ReadError is a read that failed for reasons other than a contract revert.
// The caller may retry; no stale value is substituted.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read %s: %v", e.Op, e.Err) }

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Retryable() bool { return true }

type Option func(*Guard)

// WithRate limits reads to perSecond requests; zero disables the limit.
func WithRate(perSecond int) Option {
	return func(g *Guard) {
		if perSecond > 0 {
			g.limiter = ratelimit.New(perSecond)
		}
	}
}

// WithTimeout bounds each shared read; a read that runs longer counts as a
// node failure.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithFailureHook is called with the op name of every failed read.
func WithFailureHook(hook func(op string)) Option {
	return func(g *Guard) { g.onFailure = hook }
}

type Guard struct {
	cb        *gobreaker.CircuitBreaker
	limiter   ratelimit.Limiter
	timeout   time.Duration
	group     singleflight.Group
	logger    *zap.Logger
	onFailure func(op string)
}

func New(name string, opts ...Option) *Guard {
	g := &Guard{
		limiter: ratelimit.NewUnlimited(),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return int(counts.Requests) > MaxNumOfFailingRequests && ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("rpc circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return g
}

// State reports the breaker state, e.g. for health checks.
func (g *Guard) State() gobreaker.State { return g.cb.State() }

// passed carries an error through the breaker without counting it as a
// node failure.
type passed struct {
	err error
}

// Do runs fn under the guard. Calls sharing key while one is in flight share
// its result. The shared call runs detached from the caller's cancellation,
// bounded by the guard's timeout, so a caller that goes away fails only itself
// and is not counted against the breaker. Contract reverts are returned as
// is; every other failure comes back as *ReadError.
func Do[T any](ctx context.Context, g *Guard, op, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		g.limiter.Take()
		return g.cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(shared, g.timeout)
			defer cancel()
			out, err := fn(callCtx)
			if err != nil && (contracts.IsRevert(err) || errors.Is(err, context.Canceled)) {
				return passed{err: err}, nil
			}
			return out, err
		})
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		if g.onFailure != nil {
			g.onFailure(op)
		}
		g.logger.Debug("contract read failed", zap.String("op", op), zap.Error(res.Err))
		return zero, &ReadError{Op: op, Err: res.Err}
	}
	if r, ok := res.Val.(passed); ok {
		return zero, r.err
	}
	return res.Val.(T), nil
}

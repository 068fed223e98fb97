package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Probe is evaluated at request time. A nil error passes; anything else
// fails with the error text as the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant outcome.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := errors.New(reason)
	return func(context.Context) error { return err }
}

// All evaluates every probe concurrently and passes only when all of them
// do. Failures are joined in argument order so the readiness body names
// each broken dependency. Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	live := make([]Probe, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			live = append(live, p)
		}
	}
	return func(ctx context.Context) error {
		if len(live) == 0 {
			return nil
		}
		failures := make([]error, len(live))
		var g errgroup.Group
		for i, p := range live {
			g.Go(func() error {
				failures[i] = p.Check(ctx)
				return nil
			})
		}
		_ = g.Wait()
		return errors.Join(failures...)
	}
}

// ShutdownGate fails readiness once a drain starts so load balancers stop
// routing new requests before the listeners close.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate with reason, "draining" when empty.
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return errors.New(*r)
		}
		return nil
	}
}

// Pinger is anything with a connectivity check, such as the store.
type Pinger interface{ Ping(context.Context) error }

// Ping wraps a Pinger as a probe bounded by timeout; zero means the
// request deadline alone.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return xerrors.Wrapf(p.Ping(ctx), "%s unreachable", name)
	}
}

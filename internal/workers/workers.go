// Package workers provides the bounded task group used for hashing, copying
// and comparing files.
package workers

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit caps in-flight tasks when nothing else is configured.
const DefaultLimit = 8

// Group runs tasks with at most Limit in flight. The first failing task
// cancels the group context; Wait returns that error after every started
// task has finished.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// NewGroup creates a group bound to ctx.
func NewGroup(ctx context.Context, limit int) *Group {
	eg, gctx := errgroup.WithContext(ctx)
	if limit < 1 {
		limit = 1
	}
	eg.SetLimit(limit)
	return &Group{eg: eg, ctx: gctx}
}

// Context returns the group context. It is cancelled when a task fails.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go schedules fn, blocking while the group is at its limit. Tasks scheduled
// after the group context is cancelled are skipped.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if err := g.ctx.Err(); err != nil {
			return err
		}
		return fn(g.ctx)
	})
}

// Wait blocks until all tasks finish and returns the first error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// LoadFunc reports the one-minute load average.
type LoadFunc func() (float64, error)

// AdaptiveLimit derives a pool size from the usable CPUs and the current
// load average, shrinking under load. The result is never above ceiling
// (when ceiling > 0) and never below 1.
func AdaptiveLimit(ceiling int, load LoadFunc) int {
	cpus := runtime.GOMAXPROCS(0)
	limit := cpus
	if load != nil {
		if avg, err := load(); err == nil && avg > 0 {
			limit = cpus - int(math.Ceil(avg))
		}
	}
	if ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// EffectiveLimit returns the configured limit, or the adaptive one when
// adaptive is set.
func EffectiveLimit(configured int, adaptive bool) int {
	if configured < 1 {
		configured = DefaultLimit
	}
	if !adaptive {
		return configured
	}
	return AdaptiveLimit(configured, SystemLoad)
}

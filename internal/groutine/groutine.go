// Package groutine starts named, long-lived goroutines and tracks them so owners can
// wait for shutdown.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a goroutine labelled name in pprof profiles.
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group runs named goroutines and waits for all of them.
type Group struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
}

// Go starts fn like the package-level Go and counts it in the group.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.running == nil {
		g.running = make(map[string]int)
	}
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer g.done(name)
		fn(ctx)
	})
}

func (g *Group) done(name string) {
	g.mu.Lock()
	if g.running[name]--; g.running[name] == 0 {
		delete(g.running, name)
	}
	g.mu.Unlock()
	g.wg.Done()
}

// Running returns how many goroutines with name are still running.
func (g *Group) Running(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[name]
}

// Wait blocks until every goroutine started through g has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

package conversation

import (
	"context"
	"sync"
)

// flightGuard admits one stream at a time and remembers how to cancel it.
type flightGuard struct {
	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

// acquire returns a context scoped to the admitted stream and a release func.
// ok is false when another stream holds the guard.
func (g *flightGuard) acquire(parent context.Context) (ctx context.Context, release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	g.active = true
	g.cancel = cancel

	var once sync.Once
	release = func() {
		once.Do(func() {
			cancel()
			g.mu.Lock()
			g.active = false
			g.cancel = nil
			g.mu.Unlock()
		})
	}
	return ctx, release, true
}

func (g *flightGuard) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// abort cancels the admitted stream, if any. The holder still releases.
func (g *flightGuard) abort() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active || g.cancel == nil {
		return false
	}
	g.cancel()
	return true
}

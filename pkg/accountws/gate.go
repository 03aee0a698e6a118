package accountws

import (
	"context"
	"sync"
)

// gate is the halted latch. It is open when the instance may carry
// non-migration traffic and closed while a migration or recovery is in
// flight. Any number of senders wait on it; only the owning instance
// opens and closes it.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{open: open, ch: make(chan struct{})}
	if open {
		close(g.ch)
	}
	return g
}

// Open releases all waiters. Idempotent.
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Close halts subsequent waiters. Idempotent.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Wait blocks until the gate is open or ctx is done.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package runner

import (
	"context"
	"sync"
)

// Gate lets a loop running elsewhere be held between iterations and
// stopped for good. A nil *Gate never holds and is never canceled.
type Gate struct {
	mu      sync.Mutex
	held    bool
	changed chan struct{} // closed and replaced on every transition
	done    chan struct{}
	cause   error
}

func NewGate() *Gate {
	return &Gate{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Wait returns once the gate is open. It returns the cancel cause when the
// gate was canceled and ctx's error when ctx ends first.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	for {
		g.mu.Lock()
		held, changed, cause := g.held, g.changed, g.cause
		g.mu.Unlock()

		if cause != nil {
			return cause
		}
		if !held {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Hold closes the gate. It reports false when it was already held or
// canceled.
func (g *Gate) Hold() bool {
	return g.set(true)
}

// Release opens a held gate.
func (g *Gate) Release() bool {
	return g.set(false)
}

func (g *Gate) set(held bool) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cause != nil || g.held == held {
		return false
	}
	g.held = held
	g.broadcast()
	return true
}

// broadcast must be called with mu held.
func (g *Gate) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Gate) Held() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && g.cause == nil
}

// Cancel wakes every waiter with cause, or context.Canceled when cause is
// nil. Later calls are ignored.
func (g *Gate) Cancel(cause error) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cause != nil {
		return
	}
	if cause == nil {
		cause = context.Canceled
	}
	g.cause = cause
	g.held = false
	g.broadcast()
	close(g.done)
}

func (g *Gate) Done() <-chan struct{} {
	if g == nil {
		return nil
	}
	return g.done
}

// Err returns the cancel cause, if any.
func (g *Gate) Err() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

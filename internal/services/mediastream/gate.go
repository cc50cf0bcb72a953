package mediastream

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrGateTimeout = errors.New("gate wait timed out")

// Gate is a resettable manual-reset event. While set, Wait returns
// immediately. Reset re-arms it so later waiters block until the next Set.
type Gate struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

func NewGate(set bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	if set {
		g.set = true
		close(g.ch)
	}
	return g
}

func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		return
	}
	g.set = true
	close(g.ch)
}

func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		return
	}
	g.set = false
	g.ch = make(chan struct{})
}

func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Wait blocks until the gate is set, ctx is done or timeout elapses.
// A timeout <= 0 waits without a deadline.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return ErrGateTimeout
	}
}

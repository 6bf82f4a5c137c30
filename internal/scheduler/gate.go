package scheduler

import (
	"context"
	"sync"
)

// PauseGate blocks callers of Wait while paused. Pausing never interrupts
// reads already in progress; workers block at their next check.
type PauseGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func NewPauseGate() *PauseGate {
	g := &PauseGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *PauseGate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *PauseGate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *PauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait returns once the gate is open or ctx is done, whichever comes first.
func (g *PauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return ctx.Err()
	}
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()
	for g.paused && ctx.Err() == nil {
		g.cond.Wait()
	}
	return ctx.Err()
}

package ledger

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate marks the terminal as in use. Foreground transactions and the
// reconciler hold it while they talk to the terminal.
type Gate struct {
	sem    *semaphore.Weighted
	holder atomic.Pointer[string]
}

func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the gate for owner without waiting.
func (g *Gate) TryAcquire(owner string) bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.holder.Store(&owner)
	return true
}

// Acquire waits for the gate.
func (g *Gate) Acquire(ctx context.Context, owner string) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.holder.Store(&owner)
	return nil
}

func (g *Gate) Release() {
	g.holder.Store(nil)
	g.sem.Release(1)
}

// Holder returns the current owner, or "" when the gate is free.
func (g *Gate) Holder() string {
	if h := g.holder.Load(); h != nil {
		return *h
	}
	return ""
}

func (g *Gate) Busy() bool {
	return g.holder.Load() != nil
}

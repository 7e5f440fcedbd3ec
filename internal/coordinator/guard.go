package coordinator

import (
	"context"
	"sync"
)

// Guard lets at most one delivery per user run at a time. Waiters block on
// a per-user channel that is closed when the delivery is released.
type Guard struct {
	mu   sync.Mutex
	busy map[int64]chan struct{}
}

// NewGuard creates an empty guard
func NewGuard() *Guard {
	return &Guard{busy: make(map[int64]chan struct{})}
}

// TryEnter marks the user busy if it is idle. The returned release func is
// idempotent.
func (g *Guard) TryEnter(userID int64) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.busy[userID]; busy {
		return nil, false
	}
	idle := make(chan struct{})
	g.busy[userID] = idle

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.busy, userID)
			g.mu.Unlock()
			close(idle)
		})
	}, true
}

// Acquire waits until the user is idle and then marks it busy
func (g *Guard) Acquire(ctx context.Context, userID int64) (func(), error) {
	for {
		if release, ok := g.TryEnter(userID); ok {
			return release, nil
		}
		if err := g.AwaitIdle(ctx, userID); err != nil {
			return nil, err
		}
	}
}

// AwaitIdle blocks until no delivery is in progress for the user
func (g *Guard) AwaitIdle(ctx context.Context, userID int64) error {
	for {
		g.mu.Lock()
		idle, busy := g.busy[userID]
		g.mu.Unlock()
		if !busy {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Busy reports whether a delivery is in progress for the user
func (g *Guard) Busy(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.busy[userID]
	return busy
}

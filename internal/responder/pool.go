package responder

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent calls to a Completer so slow
// responder calls never pile up without limit.
type Pool struct {
	next Completer
	sem  *semaphore.Weighted
}

// NewPool wraps next so at most size calls run at once. size <= 0 means 1.
func NewPool(next Completer, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{next: next, sem: semaphore.NewWeighted(int64(size))}
}

// Complete waits for a free slot, honouring ctx, then delegates
func (p *Pool) Complete(ctx context.Context, messages []Message) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return p.next.Complete(ctx, messages)
}

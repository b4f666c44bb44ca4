package scheduler

import (
	"context"
	"sync"
)

// Handle tracks one submitted request until it resolves.
type Handle struct {
	id   uint64
	req  Request
	done chan struct{}
	once sync.Once
	res  Result

	// guarded by the scheduler mutex
	ctx      context.Context
	cancel   context.CancelFunc
	canceled bool
}

func newHandle(id uint64, req Request) *Handle {
	return &Handle{id: id, req: req, done: make(chan struct{})}
}

func (h *Handle) resolve(res Result) {
	h.once.Do(func() {
		h.res = res
		close(h.done)
	})
}

func (h *Handle) ID() uint64            { return h.id }
func (h *Handle) Request() Request      { return h.req }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome once resolved.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

package dispatcher

import (
	"context"
	"sync"
)

// resultSlot is a single-use, exactly-once-settable result channel shared
// between a worker (or the dispatcher's shutdown path) and the caller
// awaiting submit(). Late Fulfill calls are ignored.
type resultSlot struct {
	ch   chan slotResult
	once sync.Once
}

type slotResult struct {
	result Result
	err    error
}

func newResultSlot() *resultSlot {
	return &resultSlot{ch: make(chan slotResult, 1)}
}

// Fulfill settles the slot exactly once; subsequent calls are no-ops.
func (s *resultSlot) Fulfill(result Result, err error) {
	s.once.Do(func() {
		s.ch <- slotResult{result: result, err: err}
	})
}

// Wait blocks until the slot is fulfilled or ctx is done.
func (s *resultSlot) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-s.ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

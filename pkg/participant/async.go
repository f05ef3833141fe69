package participant

import (
	"context"
	"fmt"
	"sync"

	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

// Async serves the participant contract from a bounded worker pool. Callers
// enqueue a job and suspend until a worker answers or their context ends;
// the handler goroutine never does database work itself.
type Async struct {
	inner protocol.Participant
	jobs  chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewAsync(inner protocol.Participant, workers, queue int) *Async {
	if workers <= 0 {
		workers = 4
	}
	if queue < 0 {
		queue = 0
	}
	a := &Async{
		inner: inner,
		jobs:  make(chan func(), queue),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		case job := <-a.jobs:
			job()
		}
	}
}

// Close stops the workers after their current job; queued jobs are dropped
// and their callers get ErrTransientUnavailable.
func (a *Async) Close() {
	a.once.Do(func() { close(a.quit) })
	a.wg.Wait()
}

type outcome[T any] struct {
	v   T
	err error
}

func submit[T any](ctx context.Context, a *Async, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan outcome[T], 1)
	job := func() {
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}
	select {
	case a.jobs <- job:
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: enqueue: %v", common.ErrTransientUnavailable, ctx.Err())
	case <-a.quit:
		return zero, fmt.Errorf("%w: participant stopped", common.ErrTransientUnavailable)
	}
	select {
	case out := <-done:
		return out.v, out.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", common.ErrTransientUnavailable, ctx.Err())
	case <-a.quit:
		return zero, fmt.Errorf("%w: participant stopped", common.ErrTransientUnavailable)
	}
}

func (a *Async) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	return submit(ctx, a, func(ctx context.Context) (protocol.PrepareResponse, error) {
		return a.inner.Prepare(ctx, req)
	})
}

func (a *Async) Commit(ctx context.Context, req protocol.CommitRequest) (protocol.Ack, error) {
	return submit(ctx, a, func(ctx context.Context) (protocol.Ack, error) {
		return a.inner.Commit(ctx, req)
	})
}

func (a *Async) Abort(ctx context.Context, req protocol.AbortRequest) (protocol.Ack, error) {
	return submit(ctx, a, func(ctx context.Context) (protocol.Ack, error) {
		return a.inner.Abort(ctx, req)
	})
}

var _ protocol.Participant = (*Async)(nil)

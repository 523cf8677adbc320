package engine

import (
	"errors"
	"sync"
)

// Future is the eventual result of a blocking call running on its own
// goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on a new goroutine and calls notify, if non-nil, once it
// returns. Fn must not return ErrWouldBlock.
func Go[T any](notify func(), fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		f.val, f.err = fn()
		close(f.done)
		if notify != nil {
			notify()
		}
	}()
	return f
}

// Poll returns the result of fn, or ErrWouldBlock while it is running.
func (f *Future[T]) Poll() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, ErrWouldBlock
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Pending tracks in-flight blocking operations by key so that repeated
// calls with the same key observe one execution.
type Pending struct {
	notify func()

	mu  sync.Mutex
	ops map[string]any
}

func NewPending(notify func()) *Pending {
	return &Pending{notify: notify, ops: make(map[string]any)}
}

// Do starts fn under key on the first call and returns ErrWouldBlock until
// it completes. The call that observes completion receives fn's result and
// clears key, so the next call with the same key starts a new operation.
func Do[T any](p *Pending, key string, fn func() (T, error)) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.ops[key].(*Future[T])
	if !ok {
		f = Go(p.notify, fn)
		p.ops[key] = f
	}

	v, err := f.Poll()
	if !errors.Is(err, ErrWouldBlock) {
		delete(p.ops, key)
	}
	return v, err
}

// Len returns the number of operations started but not yet collected.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

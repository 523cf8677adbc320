package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/metrics"
)

// worker is what a channel kind plugs into the lifecycle driver.
type worker interface {
	// open does kind-specific setup and returns ChannelExec when a
	// prerequisite is still pending, or ChannelReady. ErrWouldBlock and
	// ErrLockContention leave the channel in ChannelOpening.
	open() (ChannelState, error)

	// exec waits for the prerequisite. ErrWouldBlock keeps waiting.
	exec() error

	// step does steady-state work and reports whether the work source is
	// done.
	step() (bool, error)

	// close requests a cooperative close of owned work.
	close()

	// isClosed advances the close and reports whether it finished.
	isClosed() bool
}

// aborter is implemented by workers owning other channels.
type aborter interface {
	abortOwned()
}

// op is a caller's request waiting for the engine.
type op struct {
	ctx  context.Context
	poll func() bool
	fail func(error)
}

// channel drives one channel through its lifecycle. Its fields are owned
// by the session loop unless noted.
type channel struct {
	name string
	kind string
	s    *Session
	log  *slog.Logger
	w    worker

	state   ChannelState
	handle  engine.Handle
	closing bool
	ops     []*op

	// inflight re-polls an engine open that reported ErrWouldBlock.
	inflight func() (engine.Handle, error)

	opened       chan struct{}
	openedClosed bool
	terminated   chan struct{}
	finished     func(*channel)

	snapshot atomic.Int32

	mu  sync.Mutex
	err error
}

func (s *Session) newChannel(name, kind string, w worker) *channel {
	return &channel{
		name:       name,
		kind:       kind,
		s:          s,
		w:          w,
		log:        s.log.With(slog.String("channel", name), slog.String("kind", kind)),
		opened:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// Name returns the channel's name.
func (c *channel) Name() string {
	return c.name
}

// State returns the channel's lifecycle state.
func (c *channel) State() ChannelState {
	return ChannelState(c.snapshot.Load())
}

// Err returns the error that ended the channel, if any.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *channel) setState(st ChannelState) {
	if c.state == st {
		return
	}
	c.log.Debug("channel state", slog.String("from", c.state.String()), slog.String("to", st.String()))
	c.state = st
	c.snapshot.Store(int32(st))

	if st >= ChannelReady && !c.openedClosed {
		c.openedClosed = true
		close(c.opened)
	}
}

func (c *channel) fail(err error) {
	c.setErr(err)
	c.log.Warn("channel failed", slog.String("state", c.state.String()), slog.Any("error", err))
	c.s.lock.Unlock(c)
	c.setState(ChannelClose)
}

// requestClose makes the channel head for Close on its next run.
func (c *channel) requestClose() {
	c.closing = true
}

func isRetry(err error) bool {
	return errors.Is(err, engine.ErrWouldBlock) || errors.Is(err, ErrLockContention)
}

// run advances the state machine as far as it goes without blocking.
func (c *channel) run() {
	for !c.state.Terminal() {
		if c.closing && c.state < ChannelClose {
			c.s.lock.Unlock(c)
			c.setState(ChannelClose)
		}

		switch c.state {
		case ChannelOpening:
			next, err := c.w.open()
			if isRetry(err) {
				return
			}
			c.s.lock.Unlock(c)
			if err != nil {
				c.fail(err)
				continue
			}
			c.setState(next)

		case ChannelExec:
			err := c.w.exec()
			if errors.Is(err, engine.ErrWouldBlock) {
				return
			}
			if err != nil {
				c.fail(err)
				continue
			}
			c.setState(ChannelReady)

		case ChannelReady:
			c.runOps()
			done, err := c.w.step()
			if err != nil {
				c.fail(err)
				continue
			}
			if !done {
				return
			}
			c.setState(ChannelClose)

		case ChannelClose:
			closeErr := c.Err()
			if closeErr == nil {
				closeErr = fmt.Errorf("%w: channel %q", ErrClosed, c.name)
			}
			c.failOps(closeErr)
			c.w.close()
			c.setState(ChannelWaitClose)

		case ChannelWaitClose:
			if !c.settleOpen() || !c.w.isClosed() {
				return
			}
			c.setState(ChannelFreeing)

		case ChannelFreeing:
			if !c.free() {
				return
			}
		}
	}
}

// pollOpen adapts a kind's engine open call for track.
func pollOpen[T engine.Handle](open func() (T, error)) func() (engine.Handle, error) {
	return func() (engine.Handle, error) {
		v, err := open()
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// track remembers poll while the open it repeats reports ErrWouldBlock, so
// a channel closed in the meantime still collects the result.
func (c *channel) track(poll func() (engine.Handle, error), err error) {
	if errors.Is(err, engine.ErrWouldBlock) {
		c.inflight = poll
	} else {
		c.inflight = nil
	}
}

// settleOpen collects an open still in flight when the channel closed and
// keeps its handle for Freeing. It reports false while the open would
// block.
func (c *channel) settleOpen() bool {
	if c.inflight == nil {
		return true
	}
	h, err := c.inflight()
	if errors.Is(err, engine.ErrWouldBlock) {
		return false
	}
	c.inflight = nil
	if err != nil || h == nil {
		return true
	}
	if c.handle == nil {
		c.handle = h
		return true
	}
	c.log.Debug("closing late channel open")
	go func() { _ = h.Close() }()
	return true
}

// free releases the engine handle. It reports false while the engine would
// block.
func (c *channel) free() bool {
	if c.handle != nil {
		err := c.s.eng.FreeChannel(c.handle)
		if errors.Is(err, engine.ErrWouldBlock) {
			return false
		}
		c.handle = nil
		if err != nil {
			c.log.Warn("freeing channel", slog.Any("error", err))
			c.setErr(fmt.Errorf("freeing channel: %w", err))
		}
	}

	if c.Err() != nil {
		c.finish(ChannelError)
	} else {
		c.finish(ChannelFree)
	}
	return true
}

func (c *channel) finish(st ChannelState) {
	c.setState(st)
	if st == ChannelError {
		metrics.ChannelOpenFailuresTotal.WithLabelValues(c.s.name, c.kind).Inc()
	}
	if c.finished != nil {
		c.finished(c)
	}
	close(c.terminated)
}

// abort forces the channel into ChannelError without waiting on the
// engine. The handle is still released.
func (c *channel) abort() {
	if c.state.Terminal() {
		return
	}
	c.s.lock.Unlock(c)
	c.failOps(fmt.Errorf("%w: channel %q", ErrClosed, c.name))

	if a, ok := c.w.(aborter); ok {
		a.abortOwned()
	} else if c.state < ChannelWaitClose {
		c.w.close()
	}
	if h := c.handle; h != nil {
		c.handle = nil
		go func() { _ = h.Close() }()
	}

	c.setErr(fmt.Errorf("%w: channel %q did not close in time", ErrClosed, c.name))
	c.finish(ChannelError)
}

// waitOpen waits for the channel to leave ChannelOpening and ChannelExec.
func (c *channel) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.s.done:
		return ErrClosed
	}

	if st := c.State(); st != ChannelReady {
		if err := c.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: channel %q is %s", ErrClosed, c.name, st)
	}
	return nil
}

// Close closes the channel and waits for it to release its handle.
func (c *channel) Close(ctx context.Context) error {
	if err := c.s.do(ctx, func() {
		c.requestClose()
		c.run()
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}

	select {
	case <-c.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.s.done:
		return nil
	}
}

func (c *channel) runOps() {
	pending := c.ops[:0]
	for _, o := range c.ops {
		if o.ctx.Err() != nil {
			continue
		}
		if !o.poll() {
			pending = append(pending, o)
		}
	}
	clear(c.ops[len(pending):])
	c.ops = pending
}

func (c *channel) failOps(err error) {
	for _, o := range c.ops {
		o.fail(err)
	}
	c.ops = nil
}

// callValue runs fn on the loop until it stops returning ErrWouldBlock,
// retrying on every notification.
func callValue[T any](ctx context.Context, c *channel, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	res := make(chan result, 1)

	o := &op{
		ctx: ctx,
		poll: func() bool {
			v, err := fn()
			if errors.Is(err, engine.ErrWouldBlock) {
				return false
			}
			res <- result{v, err}
			return true
		},
		fail: func(err error) { res <- result{err: err} },
	}

	var zero T
	if err := c.s.do(ctx, func() {
		switch {
		case c.closing || c.state >= ChannelClose:
			o.fail(fmt.Errorf("%w: channel %q", ErrClosed, c.name))
		case c.state == ChannelReady:
			if !o.poll() {
				c.ops = append(c.ops, o)
			}
		default:
			c.ops = append(c.ops, o)
		}
	}); err != nil {
		return zero, err
	}

	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func call(ctx context.Context, c *channel, fn func() error) error {
	_, err := callValue(ctx, c, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// lookup returns the live channel registered as name if it is a T.
func lookup[T worker](s *Session, name string) (T, bool, error) {
	var zero T
	c, ok := s.byName[name]
	if !ok || c.closing || c.state >= ChannelClose {
		return zero, false, nil
	}
	t, ok := c.w.(T)
	if !ok {
		return zero, false, fmt.Errorf("channel %q is a %s channel", name, c.kind)
	}
	return t, true, nil
}

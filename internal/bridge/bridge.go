// Package bridge splices a local stream with a remote channel using the
// engine's non-blocking convention.
package bridge

import (
	"errors"
	"io"
	"net/http/httputil"

	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/proxy"
)

// maxRounds bounds the work a flow does per Step so one busy bridge cannot
// starve the others sharing a loop.
const maxRounds = 16

var defaultPool = proxy.NewBufferPool(32 * 1024)

// Stream is one side of a bridge.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
}

// LocalStream is the side the bridge owns.
type LocalStream interface {
	Stream
	io.Closer
}

// FlowState is the state of one direction.
type FlowState int

const (
	FlowOpen FlowState = iota
	// FlowHalfClosed means the source hit EOF and the destination's write
	// half is being closed.
	FlowHalfClosed
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowOpen:
		return "open"
	case FlowHalfClosed:
		return "half-closed"
	default:
		return "closed"
	}
}

type flow struct {
	src, dst Stream
	buf      []byte
	pending  []byte
	state    FlowState
	err      error
	n        int64
}

func (f *flow) fail(err error) {
	f.err = err
	f.state = FlowClosed
	f.pending = nil
}

// flush writes pending data. It reports false when dst would block or failed.
func (f *flow) flush() bool {
	for len(f.pending) > 0 {
		n, err := f.dst.Write(f.pending)
		f.pending = f.pending[n:]
		f.n += int64(n)
		if err != nil {
			if !errors.Is(err, engine.ErrWouldBlock) {
				f.fail(err)
			}
			return false
		}
		if n == 0 {
			return false
		}
	}
	return true
}

func (f *flow) step() {
	for range maxRounds {
		switch f.state {
		case FlowClosed:
			return

		case FlowHalfClosed:
			if !f.flush() {
				return
			}
			err := f.dst.CloseWrite()
			if errors.Is(err, engine.ErrWouldBlock) {
				return
			}
			if err != nil {
				f.fail(err)
				return
			}
			f.state = FlowClosed
			return

		case FlowOpen:
			if !f.flush() {
				return
			}
			n, err := f.src.Read(f.buf)
			if n > 0 {
				f.pending = f.buf[:n]
			}
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrWouldBlock):
				if n == 0 {
					return
				}
			case errors.Is(err, io.EOF):
				f.state = FlowHalfClosed
			default:
				f.fail(err)
				return
			}
		}
	}
}

// Bridge pumps bytes both ways between a local stream, which it owns, and a
// remote stream, which it only borrows.
type Bridge struct {
	local  LocalStream
	remote Stream
	pool   httputil.BufferPool

	out flow // local to remote
	in  flow // remote to local

	closed   bool
	closeErr error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBufferPool sets the pool flow buffers are drawn from.
func WithBufferPool(p httputil.BufferPool) Option {
	return func(b *Bridge) { b.pool = p }
}

func New(local LocalStream, remote Stream, opts ...Option) *Bridge {
	b := &Bridge{local: local, remote: remote, pool: defaultPool}
	for _, o := range opts {
		o(b)
	}
	b.out = flow{src: local, dst: remote, buf: b.pool.Get()}
	b.in = flow{src: remote, dst: local, buf: b.pool.Get()}
	return b
}

// Step pumps both directions as far as they go without blocking. It
// returns false once no further pumping is possible.
func (b *Bridge) Step() bool {
	if b.closed {
		return false
	}
	b.out.step()
	b.in.step()
	return !b.Finished()
}

// Finished reports whether both directions are closed, or either failed.
func (b *Bridge) Finished() bool {
	if b.out.err != nil || b.in.err != nil {
		return true
	}
	return b.out.state == FlowClosed && b.in.state == FlowClosed
}

// Err returns the first error either direction hit.
func (b *Bridge) Err() error {
	if b.out.err != nil {
		return b.out.err
	}
	return b.in.err
}

// State returns the state of each direction.
func (b *Bridge) State() (out, in FlowState) {
	return b.out.state, b.in.state
}

// Bytes returns how many bytes went local to remote and remote to local.
func (b *Bridge) Bytes() (out, in int64) {
	return b.out.n, b.in.n
}

// Close closes the local stream and stops both directions. The remote
// stream is left to its owner.
func (b *Bridge) Close() error {
	if b.closed {
		return b.closeErr
	}
	b.closed = true
	for _, f := range []*flow{&b.out, &b.in} {
		if f.state != FlowClosed {
			f.state = FlowClosed
		}
		f.pending = nil
		b.pool.Put(f.buf)
		f.buf = nil
	}
	b.closeErr = b.local.Close()
	return b.closeErr
}

// IsClosed reports whether Close has completed.
func (b *Bridge) IsClosed() bool {
	return b.closed
}

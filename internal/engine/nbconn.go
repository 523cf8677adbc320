package engine

import (
	"io"
	"sync"
)

const defaultBufferSize = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// NonBlockingConn presents a blocking stream through the would-block
// convention. A reader goroutine fills one buffer at a time and waits for it
// to be drained; writes are handed to a goroutine one at a time.
//
// It implements Channel.
type NonBlockingConn struct {
	rwc    io.ReadWriteCloser
	notify func()
	wmax   int

	more chan struct{}
	done chan struct{}

	mu      sync.Mutex
	rbuf    []byte
	rerr    error
	writing bool
	werr    error
	wclosed bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// NewNonBlockingConn starts pumping rwc. Notify is called whenever data
// arrives or a write completes. A bufSize of 0 selects 32KiB.
func NewNonBlockingConn(rwc io.ReadWriteCloser, bufSize int, notify func()) *NonBlockingConn {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	if notify == nil {
		notify = func() {}
	}
	c := &NonBlockingConn{
		rwc:    rwc,
		notify: notify,
		wmax:   bufSize,
		more:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop(make([]byte, bufSize))
	return c
}

func (c *NonBlockingConn) readLoop(buf []byte) {
	for {
		n, err := c.rwc.Read(buf)

		c.mu.Lock()
		c.rbuf = buf[:n]
		if err != nil {
			c.rerr = err
		}
		c.mu.Unlock()
		c.notify()

		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		select {
		case <-c.more:
		case <-c.done:
			return
		}
	}
}

// Read copies buffered data into p.
func (c *NonBlockingConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if len(c.rbuf) == 0 {
		if c.rerr != nil {
			return 0, c.rerr
		}
		return 0, ErrWouldBlock
	}

	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	if len(c.rbuf) == 0 && c.rerr == nil {
		select {
		case c.more <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Write queues up to the buffer size from p. Only one write is in flight at
// a time; further writes return ErrWouldBlock until it completes.
func (c *NonBlockingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return 0, ErrClosed
	case c.werr != nil:
		return 0, c.werr
	case c.wclosed:
		return 0, io.ErrClosedPipe
	case c.writing:
		return 0, ErrWouldBlock
	case len(p) == 0:
		return 0, nil
	}

	n := min(len(p), c.wmax)
	data := make([]byte, n)
	copy(data, p)

	c.writing = true
	go func() {
		_, err := c.rwc.Write(data)

		c.mu.Lock()
		c.writing = false
		if err != nil {
			c.werr = err
		}
		c.mu.Unlock()
		c.notify()
	}()

	return n, nil
}

// CloseWrite half-closes the stream once the in-flight write completes. If
// the underlying stream cannot half-close, CloseWrite only stops further
// writes.
func (c *NonBlockingConn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.writing:
		return ErrWouldBlock
	case c.werr != nil:
		return c.werr
	case c.wclosed:
		return nil
	}

	c.wclosed = true
	if cw, ok := c.rwc.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Flushed reports whether no write is in flight.
func (c *NonBlockingConn) Flushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.writing
}

// Close closes the underlying stream and stops the reader.
func (c *NonBlockingConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Unwrap returns the underlying stream.
func (c *NonBlockingConn) Unwrap() io.ReadWriteCloser {
	return c.rwc
}

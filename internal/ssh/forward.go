package ssh

import (
	"net"
	"sync"

	"github.com/die-net/sshmux/internal/engine"
)

// forwardListener queues connections accepted on a server-side forward.
type forwardListener struct {
	ln     net.Listener
	notify func()

	mu    sync.Mutex
	queue []net.Conn
	err   error
}

func newForwardListener(ln net.Listener, notify func()) *forwardListener {
	l := &forwardListener{ln: ln, notify: notify}
	go l.acceptLoop()
	return l
}

func (l *forwardListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()

		l.mu.Lock()
		if err != nil {
			l.err = err
		} else {
			l.queue = append(l.queue, conn)
		}
		l.mu.Unlock()
		l.notify()

		if err != nil {
			return
		}
	}
}

func (l *forwardListener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (l *forwardListener) Accept() (engine.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		conn := l.queue[0]
		l.queue = l.queue[1:]
		return engine.NewNonBlockingConn(conn, 0, l.notify), nil
	}
	if l.err != nil {
		return nil, l.err
	}
	return nil, engine.ErrWouldBlock
}

// Close cancels the server-side forward and drops queued connections.
func (l *forwardListener) Close() error {
	err := l.ln.Close()

	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, c := range queued {
		_ = c.Close()
	}
	return err
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/die-net/sshmux/internal/proxy"
)

// ForwardOption configures a forward.
type ForwardOption func(*forwardOptions)

type forwardOptions struct {
	targetHost  string
	bindAddress string
}

func newForwardOptions(opts []ForwardOption) forwardOptions {
	o := forwardOptions{targetHost: "127.0.0.1", bindAddress: "127.0.0.1"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTargetHost sets the host a local forward connects to, as resolved by
// the server. The default is 127.0.0.1.
func WithTargetHost(host string) ForwardOption {
	return func(o *forwardOptions) { o.targetHost = host }
}

// WithBindAddress sets the address a forward listens on: locally for local
// and dynamic forwards, on the server for remote forwards. The default is
// 127.0.0.1.
func WithBindAddress(addr string) ForwardOption {
	return func(o *forwardOptions) { o.bindAddress = addr }
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}

// group is the set of connection channels a tunnel owns.
type group struct {
	base    string
	counter int
	conns   []*channel
}

// nextName returns base_<n>. Names are never reused.
func (g *group) nextName() string {
	g.counter++
	return fmt.Sprintf("%s_%d", g.base, g.counter)
}

func (g *group) add(c *channel) {
	c.finished = g.remove
	g.conns = append(g.conns, c)
}

// remove drops c once it reached a terminal state. The list is scanned for
// c itself; its position carries no meaning.
func (g *group) remove(c *channel) {
	for i, x := range g.conns {
		if x == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return
		}
	}
}

func (g *group) run() {
	for _, c := range slices.Clone(g.conns) {
		c.run()
	}
}

func (g *group) closeAll() {
	for _, c := range g.conns {
		c.requestClose()
	}
}

func (g *group) abort() {
	for _, c := range slices.Clone(g.conns) {
		c.abort()
	}
}

func (g *group) names() []string {
	names := make([]string, len(g.conns))
	for i, c := range g.conns {
		names[i] = c.name
	}
	return names
}

// acceptor accepts local connections on its own goroutine and queues them
// for the loop.
type acceptor struct {
	ln     *proxy.KeepAliveListener
	notify func()
	done   chan struct{}

	mu     sync.Mutex
	queue  []net.Conn
	err    error
	closed bool
}

func listen(ctx context.Context, addr string, notify func()) (*acceptor, error) {
	ln, err := proxy.ListenTCP(ctx, addr, net.KeepAliveConfig{Enable: true})
	if err != nil {
		return nil, err
	}
	a := &acceptor{ln: ln, notify: notify, done: make(chan struct{})}
	go a.loop()
	return a, nil
}

func (a *acceptor) loop() {
	defer close(a.done)
	for {
		conn, err := a.ln.Accept()

		a.mu.Lock()
		if err != nil {
			if !a.closed {
				a.err = err
			}
		} else if a.closed {
			_ = conn.Close()
		} else {
			a.queue = append(a.queue, conn)
		}
		a.mu.Unlock()
		a.notify()

		if err != nil {
			return
		}
	}
}

func (a *acceptor) Port() int {
	return a.ln.Port()
}

// take returns the connections accepted since the last call, and the
// error that stopped accepting, if any.
func (a *acceptor) take() ([]net.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queue
	a.queue = nil
	return q, a.err
}

func (a *acceptor) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	q := a.queue
	a.queue = nil
	a.mu.Unlock()

	_ = a.ln.Close()
	for _, c := range q {
		_ = c.Close()
	}
}

func (a *acceptor) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// CloseForward closes the forward registered as name together with its
// connections, and waits for it to finish.
func (s *Session) CloseForward(ctx context.Context, name string) error {
	var c *channel
	err := s.do(ctx, func() {
		c = s.byName[name]
	})
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("no forward named %q", name)
	}
	switch c.w.(type) {
	case *LocalForward, *RemoteForward:
	default:
		return fmt.Errorf("channel %q is a %s channel, not a forward", name, c.kind)
	}

	if err := c.Close(ctx); err != nil {
		return err
	}
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

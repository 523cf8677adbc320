package session

import (
	"context"
	"net"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/sshmux/internal/dialer"
	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/testutil"
)

func dialLocal(t *testing.T, port int) net.Conn {
	t.Helper()

	var d net.Dialer
	conn, err := d.DialContext(t.Context(), "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLocalForwardEcho(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenLocalForward(t.Context(), "web", 8080, 0, WithTargetHost("10.0.0.1"))
	require.NoError(t, err)
	require.NotZero(t, port)

	conn := dialLocal(t, port)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	testutil.AssertEcho(t, conn, conn, []byte("hello through the tunnel"))

	_, _, requests := fe.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, engine.KindDirectTCPIP, requests[0].Kind)
	assert.Equal(t, "10.0.0.1", requests[0].Host)
	assert.Equal(t, 8080, requests[0].Port)
	assert.Equal(t, "127.0.0.1", requests[0].OriginHost)
	assert.NotZero(t, requests[0].OriginPort)
}

func TestLocalForwardSameName(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	first, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)
	second, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Channels())

	_, err = s.OpenDynamicForward(t.Context(), "web", 0)
	require.Error(t, err)
	_, err = s.SFTP(t.Context(), "web")
	require.Error(t, err)
}

func TestLocalForwardValidation(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	_, err := s.OpenLocalForward(t.Context(), "web", 0, 0)
	require.Error(t, err)
	_, err = s.OpenLocalForward(t.Context(), "web", 80, 70000)
	require.Error(t, err)
	_, err = s.OpenRemoteForward(t.Context(), "rev", -1, "127.0.0.1:80")
	require.Error(t, err)
	_, err = s.OpenRemoteForward(t.Context(), "rev", 0, "no-port")
	require.Error(t, err)
}

func TestLocalForwardConnectionNames(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)

	var lf *LocalForward
	require.NoError(t, s.do(t.Context(), func() { lf, _, _ = lookup[*LocalForward](s, "web") }))
	require.NotNil(t, lf)

	a := dialLocal(t, port)
	b := dialLocal(t, port)
	testutil.AssertEcho(t, a, a, []byte("a"))
	testutil.AssertEcho(t, b, b, []byte("b"))

	names := onLoop(t, s, func() []string { return lf.conns.names() })
	assert.ElementsMatch(t, []string{"web_1", "web_2"}, names)

	// Closed connections leave the group; names are not reused.
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return len(onLoop(t, s, func() []string { return lf.conns.names() })) == 1
	}, 5*time.Second, 10*time.Millisecond)

	c := dialLocal(t, port)
	testutil.AssertEcho(t, c, c, []byte("c"))
	names = onLoop(t, s, func() []string { return lf.conns.names() })
	assert.Len(t, names, 2)
	assert.Contains(t, names, "web_3")
}

func TestCloseForward(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)
	conn := dialLocal(t, port)
	testutil.AssertEcho(t, conn, conn, []byte("x"))

	require.NoError(t, s.CloseForward(t.Context(), "web"))
	assert.Equal(t, 0, s.Channels())

	// The listener is gone.
	var d net.Dialer
	_, err = d.DialContext(t.Context(), "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.Error(t, err)

	require.Error(t, s.CloseForward(t.Context(), "web"))

	_, err = s.SFTP(t.Context(), "files")
	require.NoError(t, err)
	require.Error(t, s.CloseForward(t.Context(), "files"))
}

func TestRemoteForward(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())

	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenRemoteForward(t.Context(), "rev", 0, echo.Addr().String())
	require.NoError(t, err)
	require.NotZero(t, port)

	var rf *RemoteForward
	require.NoError(t, s.do(t.Context(), func() { rf, _, _ = lookup[*RemoteForward](s, "rev") }))
	require.NotNil(t, rf)
	assert.Equal(t, 2222, rf.RemotePort())
	assert.Equal(t, port, rf.Port())

	// Two connections arrive on the server's port.
	first := &fakeChannel{wake: fe.wake}
	second := &fakeChannel{wake: fe.wake}
	fe.ln.push(first)
	fe.ln.push(second)

	require.Eventually(t, func() bool {
		names, err := rf.Connections(t.Context())
		return err == nil && len(names) == 2
	}, 5*time.Second, 10*time.Millisecond)
	names, err := rf.Connections(t.Context())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rev_1", "rev_2"}, names)

	require.NoError(t, s.CloseForward(t.Context(), "rev"))
	assert.True(t, fe.freedHandle(fe.ln))
	assert.True(t, fe.freedHandle(first))
	assert.True(t, fe.freedHandle(second))
	assert.Nil(t, onLoop(t, s, func() engine.Handle { return rf.handle }))
	assert.Equal(t, ChannelFree, rf.State())
}

func TestRemoteForwardConnectionNamesNotReused(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())

	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	_, err := s.OpenRemoteForward(t.Context(), "rev", 0, echo.Addr().String())
	require.NoError(t, err)

	var rf *RemoteForward
	require.NoError(t, s.do(t.Context(), func() { rf, _, _ = lookup[*RemoteForward](s, "rev") }))
	require.NotNil(t, rf)

	// The server half-closes at once, so rev_1 finishes on its own.
	first := &fakeChannel{wake: fe.wake, eof: true}
	fe.ln.push(first)
	require.Eventually(t, func() bool { return fe.freedHandle(first) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		names, err := rf.Connections(t.Context())
		return err == nil && len(names) == 0
	}, 5*time.Second, 10*time.Millisecond)

	fe.ln.push(&fakeChannel{wake: fe.wake})
	require.Eventually(t, func() bool {
		names, err := rf.Connections(t.Context())
		return err == nil && len(names) == 1
	}, 5*time.Second, 10*time.Millisecond)
	names, err := rf.Connections(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"rev_2"}, names)
}

func TestCloseForwardCollectsPendingOpen(t *testing.T) {
	fe := newFakeEngine(t)
	gate := make(chan struct{})
	fe.openGate = gate
	s := connectFake(t, fe)

	port, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)
	dialLocal(t, port)
	require.Eventually(t, func() bool { return fe.pending.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.CloseForward(t.Context(), "web") }()

	// The connection cannot be freed while its open is outstanding.
	select {
	case err := <-closed:
		t.Fatalf("CloseForward() returned %v before the open completed", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("CloseForward() did not return")
	}

	assert.Zero(t, fe.pending.Len())
	fe.mu.Lock()
	opened := slices.Clone(fe.opened)
	fe.mu.Unlock()
	require.Len(t, opened, 1)
	assert.True(t, fe.freedHandle(opened[0]))
	assert.Nil(t, onLoop(t, s, func() any { return s.lock.Holder() }))
}

func TestRemoteForwardFailure(t *testing.T) {
	fe := newFakeEngine(t)
	fe.forwardErr = errRefused
	s := connectFake(t, fe)

	port, err := s.OpenRemoteForward(t.Context(), "rev", 8080, "127.0.0.1:80")
	require.ErrorIs(t, err, ErrChannelOpenFailed)
	require.ErrorIs(t, err, errRefused)
	assert.Zero(t, port)

	require.Eventually(t, func() bool { return s.Channels() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, onLoop(t, s, func() any { return s.lock.Holder() }))
}

func TestDynamicForward(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenDynamicForward(t.Context(), "socks", 0)
	require.NoError(t, err)

	d := dialer.NewSOCKS5ProxyDialer(dialer.Config{NegotiationTimeout: 5 * time.Second},
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), "", "")
	conn, err := d.DialContext(t.Context(), "tcp", "example.test:443")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	testutil.AssertEcho(t, conn, conn, []byte("socks payload"))

	_, _, requests := fe.snapshot()
	require.Len(t, requests, 1)
	assert.Equal(t, "example.test", requests[0].Host)
	assert.Equal(t, 443, requests[0].Port)
}

func TestDynamicForwardRefused(t *testing.T) {
	fe := newFakeEngine(t)
	fe.openErr = errRefused
	s := connectFake(t, fe)

	port, err := s.OpenDynamicForward(t.Context(), "socks", 0)
	require.NoError(t, err)

	d := dialer.NewSOCKS5ProxyDialer(dialer.Config{NegotiationTimeout: 5 * time.Second},
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), "", "")
	_, err = d.DialContext(t.Context(), "tcp", "example.test:443")
	require.Error(t, err)
}

func TestChannelOpenFailureReleasesLock(t *testing.T) {
	fe := newFakeEngine(t)
	s := connectFake(t, fe)

	port, err := s.OpenLocalForward(t.Context(), "web", 80, 0)
	require.NoError(t, err)

	fe.mu.Lock()
	fe.openErr = errRefused
	fe.mu.Unlock()

	conn := dialLocal(t, port)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "the connection is dropped")

	assert.Nil(t, onLoop(t, s, func() any { return s.lock.Holder() }))

	// The forward survives and later connections work again.
	fe.mu.Lock()
	fe.openErr = nil
	fe.mu.Unlock()
	conn = dialLocal(t, port)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	testutil.AssertEcho(t, conn, conn, []byte("again"))

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, s.CloseForward(ctx, "web"))
}

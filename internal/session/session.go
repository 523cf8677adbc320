package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/die-net/sshmux/internal/dialer"
	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/metrics"
	sshengine "github.com/die-net/sshmux/internal/ssh"
)

// Session is one SSH connection and the channels multiplexed over it.
//
// A single loop goroutine owns the engine, the transport and every channel.
// Public methods hand closures to the loop and wait for them to run.
type Session struct {
	cfg       Config
	name      string
	log       *slog.Logger
	dialer    dialer.Dialer
	local     dialer.Dialer
	newEngine engine.Factory
	hosts     HostKeyStore

	ctx       context.Context
	cancel    context.CancelFunc
	calls     chan func()
	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	connects  singleflight.Group
	execSeq   atomic.Uint64
	nchans    atomic.Int32

	// Owned by the loop goroutine.
	lock              creationLock
	eng               engine.Engine
	conn              net.Conn
	user, addr        string
	dial              *engine.Future[net.Conn]
	tried             map[string]bool
	method            string
	unsupported       bool
	connectWaiters    []chan error
	disconnectWaiters []chan struct{}
	chans             []*channel
	byName            map[string]*channel
	keepalive         *time.Ticker
	deadline          *time.Timer
	teardownBy        time.Time
	lostErr           error

	mu            sync.Mutex
	state         State
	stateCh       chan struct{}
	lastErr       error
	hostKey       engine.HostKey
	hostKeyStatus engine.HostKeyStatus
	banner        string
	subscribers   []chan<- Event
}

// New returns an Unconnected session and starts its loop. Close releases
// it.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		name:    "default",
		log:     slog.Default(),
		calls:   make(chan func()),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		byName:  make(map[string]*channel),
		stateCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(slog.String("session", s.name))

	if s.dialer == nil {
		s.dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.GetConnectTimeout()})
	}
	if s.local == nil {
		s.local = dialer.NewDirectDialer(dialer.Config{})
	}
	if s.newEngine == nil {
		s.newEngine = sshengine.NewFactory(sshengine.Options{
			HandshakeTimeout: cfg.GetConnectTimeout(),
			Logger:           s.log,
		})
	}
	s.lock.release = s.notify
	s.ctx, s.cancel = context.WithCancel(context.Background())
	metrics.SetSessionState(s.name, StateUnconnected.String(), stateNames[:])

	go s.run()
	return s, nil
}

// notify wakes the loop. It is safe to call from any goroutine.
func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// doReady runs fn on the loop if the session is Ready.
func (s *Session) doReady(ctx context.Context, fn func() error) error {
	var err error
	if derr := s.do(ctx, func() {
		if s.State() != StateReady {
			err = ErrNotConnected
			return
		}
		err = fn()
	}); derr != nil {
		return derr
	}
	return err
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) run() {
	defer close(s.done)

	retry := time.NewTicker(s.cfg.GetSFTPWait())
	defer retry.Stop()

	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.wake:
		case <-retry.C:
		case <-tickerC(s.keepalive):
			s.sendKeepalive()
		case <-timerC(s.deadline):
			s.deadline = nil
		case <-s.quit:
			s.shutdown()
			return
		}
		s.step()
	}
}

func (s *Session) step() {
	switch st := s.State(); {
	case st.connecting():
		s.stepConnect()
	case st == StateReady:
		s.dispatch()
	case st.tearingDown():
		s.stepTeardown()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	s.mu.Unlock()

	if prev == st {
		return
	}
	metrics.SetSessionState(s.name, st.String(), stateNames[:])
	s.log.Debug("session state", slog.String("from", prev.String()), slog.String("to", st.String()))
	s.emit(Event{Type: EventStateChanged, State: st})
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that ended the last connect attempt or
// connection, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// HostKey returns the server's host key from the last handshake.
func (s *Session) HostKey() engine.HostKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostKey
}

// HostKeyStatus returns how the last host key compared to the known-hosts
// store.
func (s *Session) HostKeyStatus() engine.HostKeyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostKeyStatus
}

// Banner returns the server's pre-authentication banner.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// Channels returns how many channels are registered.
func (s *Session) Channels() int {
	return int(s.nchans.Load())
}

// WaitForState blocks until the session is in want. Transient states may be
// missed.
func (s *Session) WaitForState(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		st, changed := s.state, s.stateCh
		s.mu.Unlock()

		if st == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s, session is %s: %w", want, st, ctx.Err())
		case <-s.done:
			return ErrClosed
		}
	}
}

// Connect opens the transport to host:port, runs the handshake and
// authenticates as user. Concurrent calls share one attempt, and Connect on
// a Ready session returns nil.
func (s *Session) Connect(ctx context.Context, user, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ch := s.connects.DoChan(user+"@"+addr, func() (any, error) {
		return nil, s.connect(user, addr)
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(user, addr string) error {
	result := make(chan error, 1)
	if err := s.do(context.Background(), func() { s.beginConnect(user, addr, result) }); err != nil {
		return err
	}
	return <-result
}

func (s *Session) beginConnect(user, addr string, result chan error) {
	same := s.user == user && s.addr == addr
	switch st := s.State(); {
	case st == StateReady:
		if same {
			result <- nil
		} else {
			result <- fmt.Errorf("already connected to %s@%s", s.user, s.addr)
		}
		return
	case st.connecting():
		if same {
			s.connectWaiters = append(s.connectWaiters, result)
		} else {
			result <- fmt.Errorf("connect to %s@%s in progress", s.user, s.addr)
		}
		return
	case st.tearingDown():
		result <- fmt.Errorf("%w: disconnect in progress", ErrNotConnected)
		return
	}

	s.user, s.addr = user, addr
	s.tried = make(map[string]bool)
	s.method = ""
	s.unsupported = false
	s.connectWaiters = append(s.connectWaiters, result)

	s.mu.Lock()
	s.lastErr = nil
	s.hostKey = engine.HostKey{}
	s.hostKeyStatus = engine.HostKeyUnchecked
	s.banner = ""
	s.mu.Unlock()

	s.log.Info("connecting", slog.String("addr", addr), slog.String("user", user))
	s.setState(StateSocketConnecting)

	timeout := s.cfg.GetConnectTimeout()
	s.dial = engine.Go(s.notify, func() (net.Conn, error) {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		return s.dialer.DialContext(ctx, "tcp", addr)
	})
}

func (s *Session) stepConnect() {
	for {
		switch s.State() {
		case StateSocketConnecting:
			conn, err := s.dial.Poll()
			if errors.Is(err, engine.ErrWouldBlock) {
				return
			}
			s.dial = nil
			if err != nil {
				s.failConnect(fmt.Errorf("%w: %w", ErrTransport, err))
				return
			}
			s.conn = conn
			s.eng = s.newEngine(s.notify)
			s.setState(StateHandshaking)

		case StateHandshaking:
			key, err := s.eng.Handshake(s.conn, s.addr, s.user)
			if errors.Is(err, engine.ErrWouldBlock) {
				return
			}
			if err != nil {
				s.failConnect(fmt.Errorf("%w: %w", ErrHandshake, err))
				return
			}
			if err := s.checkHostKey(key); err != nil {
				s.failConnect(err)
				return
			}
			s.setState(StateListingAuthMethods)

		case StateListingAuthMethods:
			methods, err := s.eng.ListAuthMethods(s.user)
			if errors.Is(err, engine.ErrWouldBlock) {
				return
			}
			if err != nil {
				s.failConnect(fmt.Errorf("%w: %w", ErrHandshake, err))
				return
			}
			method, err := s.chooseMethod(methods)
			if err != nil {
				s.failConnect(err)
				return
			}
			if method == "" {
				continue
			}
			s.method = method
			s.setState(StateAuthenticating)

		case StateAuthenticating:
			err := s.eng.Authenticate(s.method, s.credentials(s.method))
			switch {
			case errors.Is(err, engine.ErrWouldBlock):
				return
			case err == nil:
				metrics.RecordAuthAttempt(s.method, true)
				s.ready()
				return
			case errors.Is(err, engine.ErrAuthFailed):
				metrics.RecordAuthAttempt(s.method, false)
				s.log.Info("authentication method rejected", slog.String("method", s.method))
				s.tried[s.method] = true
				s.method = ""
				s.setState(StateListingAuthMethods)
			default:
				s.failConnect(fmt.Errorf("%w: %s authentication: %w", ErrHandshake, s.method, err))
				return
			}

		default:
			return
		}
	}
}

// chooseMethod picks the next method to attempt from the offered set. It
// returns "" after skipping every remaining method it cannot perform.
func (s *Session) chooseMethod(offered []string) (string, error) {
	var remaining []string
	for _, m := range offered {
		if !s.tried[m] {
			remaining = append(remaining, m)
		}
	}

	if len(remaining) == 0 {
		tried := make([]string, 0, len(s.tried))
		for m := range s.tried {
			tried = append(tried, m)
		}
		sort.Strings(tried)
		if s.unsupported {
			return "", fmt.Errorf("%w (%w): tried %s", ErrAuthenticationExhausted, ErrUnsupportedAuthMethod, strings.Join(tried, ", "))
		}
		return "", fmt.Errorf("%w: tried %s", ErrAuthenticationExhausted, strings.Join(tried, ", "))
	}

	for _, want := range []string{
		engine.MethodPublicKey,
		engine.MethodPassword,
		engine.MethodKeyboardInteractive,
		engine.MethodNone,
	} {
		if slices.Contains(remaining, want) && s.canAuth(want) {
			return want, nil
		}
	}

	for _, m := range remaining {
		s.log.Warn("skipping unsupported authentication method", slog.String("method", m))
		s.unsupported = true
		s.tried[m] = true
		if err := s.eng.SkipAuthMethod(m); err != nil {
			s.log.Debug("declining authentication method", slog.String("method", m), slog.Any("error", err))
		}
	}
	return "", nil
}

func (s *Session) canAuth(method string) bool {
	switch method {
	case engine.MethodPublicKey:
		return len(s.cfg.Signers) > 0
	case engine.MethodPassword, engine.MethodKeyboardInteractive:
		return s.cfg.Password != ""
	case engine.MethodNone:
		return true
	default:
		return false
	}
}

func (s *Session) credentials(method string) engine.Credentials {
	switch method {
	case engine.MethodPublicKey:
		return engine.Credentials{Signers: s.cfg.Signers}
	case engine.MethodPassword, engine.MethodKeyboardInteractive:
		return engine.Credentials{Password: s.cfg.Password}
	default:
		return engine.Credentials{}
	}
}

func (s *Session) checkHostKey(key engine.HostKey) error {
	status := engine.HostKeyUnchecked
	if s.hosts != nil {
		var err error
		status, err = s.hosts.Check(s.addr, s.conn.RemoteAddr(), key)
		if err != nil {
			s.log.Warn("checking host key", slog.Any("error", err))
		}
	}

	s.mu.Lock()
	s.hostKey = key
	s.hostKeyStatus = status
	s.mu.Unlock()

	log := s.log.With(slog.String("addr", s.addr), slog.String("fingerprint", key.Fingerprint()))
	switch status {
	case engine.HostKeyMismatch:
		log.Warn("host key does not match known hosts")
		if s.cfg.StrictHostKeyChecking {
			return fmt.Errorf("%w: host key for %s does not match known hosts", ErrHandshake, s.addr)
		}
	case engine.HostKeyNotFound:
		if s.cfg.AddUnknownHosts {
			if err := s.hosts.Add(s.addr, key); err != nil {
				log.Warn("adding host key", slog.Any("error", err))
			} else if err := s.hosts.SaveFile(""); err != nil {
				log.Warn("saving known hosts", slog.Any("error", err))
			}
			return nil
		}
		log.Warn("unknown host key")
		if s.cfg.StrictHostKeyChecking {
			return fmt.Errorf("%w: no known host key for %s", ErrHandshake, s.addr)
		}
	}
	return nil
}

func (s *Session) ready() {
	s.method = ""
	s.keepalive = time.NewTicker(s.cfg.GetKeepaliveInterval())

	s.mu.Lock()
	s.banner = s.eng.Banner()
	s.mu.Unlock()

	s.setState(StateReady)
	s.log.Info("session ready", slog.String("addr", s.addr), slog.String("user", s.user))

	for _, w := range s.connectWaiters {
		w <- nil
	}
	s.connectWaiters = nil
	s.emit(Event{Type: EventReady, State: StateReady})
}

// failConnect aborts the connect attempt and releases what it acquired.
func (s *Session) failConnect(err error) {
	s.log.Error("connect failed", slog.String("addr", s.addr), slog.Any("error", err))

	if f := s.dial; f != nil {
		s.dial = nil
		go func() {
			<-f.Done()
			if conn, err := f.Poll(); err == nil {
				_ = conn.Close()
			}
		}()
	}
	if rerr := s.release(); rerr != nil {
		s.log.Debug("releasing failed connection", slog.Any("error", rerr))
	}

	s.setErr(err)
	s.setState(StateError)

	for _, w := range s.connectWaiters {
		w <- err
	}
	s.connectWaiters = nil
	s.emit(Event{Type: EventError, State: StateError, Err: err})
}

// release closes the engine, the transport, and the host key store when it
// is an io.Closer. All are attempted even if one fails.
func (s *Session) release() error {
	var errs []error
	if c, ok := s.hosts.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing host key store: %w", err))
		}
	}
	if s.eng != nil {
		errs = append(errs, s.eng.Close())
		s.eng = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		s.conn = nil
	}
	return errors.Join(errs...)
}

func (s *Session) sendKeepalive() {
	if s.State() != StateReady {
		return
	}
	if err := s.eng.Keepalive(); err != nil && !errors.Is(err, engine.ErrWouldBlock) {
		s.log.Debug("keepalive", slog.Any("error", err))
	}
}

func (s *Session) stopKeepalive() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
}

// dispatch delivers a readiness notification to every registered channel.
// Channels registered during delivery first run on the next cycle.
func (s *Session) dispatch() {
	if s.eng.Closed() {
		s.log.Warn("connection closed by server", slog.String("addr", s.addr))
		s.beginTeardown(fmt.Errorf("%w: connection closed by server", ErrTransport))
		return
	}
	for _, c := range slices.Clone(s.chans) {
		c.run()
	}
}

func (s *Session) register(c *channel) {
	c.finished = s.unregister
	s.chans = append(s.chans, c)
	s.byName[c.name] = c
	s.channelsChanged()
	s.notify()
}

func (s *Session) unregister(c *channel) {
	for i, x := range s.chans {
		if x == c {
			s.chans = append(s.chans[:i], s.chans[i+1:]...)
			break
		}
	}
	if s.byName[c.name] == c {
		delete(s.byName, c.name)
	}
	s.channelsChanged()
}

func (s *Session) channelsChanged() {
	n := len(s.chans)
	s.nchans.Store(int32(n)) //nolint:gosec // Channel counts are small.
	metrics.Channels.WithLabelValues(s.name).Set(float64(n))
	s.emit(Event{Type: EventChannelsChanged, State: s.State(), Channels: n})
}

// Disconnect closes every channel, ends the session and releases the
// transport. It returns once teardown finished. Disconnecting an
// unconnected session is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	var wait chan struct{}
	err := s.do(ctx, func() {
		switch st := s.State(); {
		case st == StateReady:
			wait = s.addDisconnectWaiter()
			s.beginTeardown(nil)
		case st.tearingDown():
			wait = s.addDisconnectWaiter()
		case st.connecting():
			s.failConnect(fmt.Errorf("%w: connect aborted", ErrNotConnected))
		}
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil || wait == nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) addDisconnectWaiter() chan struct{} {
	w := make(chan struct{})
	s.disconnectWaiters = append(s.disconnectWaiters, w)
	return w
}

func (s *Session) beginTeardown(cause error) {
	s.stopKeepalive()
	s.lostErr = cause
	if cause != nil {
		s.setErr(cause)
	}
	s.setState(StateDisconnectingChannels)

	timeout := s.cfg.GetDisconnectTimeout()
	s.teardownBy = time.Now().Add(timeout)
	s.deadline = time.NewTimer(timeout)

	for _, c := range s.chans {
		c.requestClose()
	}
	s.stepTeardown()
}

func (s *Session) stepTeardown() {
	for {
		switch s.State() {
		case StateDisconnectingChannels:
			for _, c := range slices.Clone(s.chans) {
				c.run()
			}
			if len(s.chans) > 0 {
				if time.Now().Before(s.teardownBy) {
					return
				}
				for _, c := range slices.Clone(s.chans) {
					s.log.Warn("channel did not close in time", slog.String("channel", c.name), slog.String("state", c.state.String()))
					c.abort()
				}
			}
			s.setState(StateDisconnectingSession)

		case StateDisconnectingSession:
			if !s.eng.Closed() {
				err := s.eng.Disconnect()
				if errors.Is(err, engine.ErrWouldBlock) && time.Now().Before(s.teardownBy) {
					return
				}
				if err != nil && !errors.Is(err, engine.ErrWouldBlock) {
					s.log.Debug("disconnect", slog.Any("error", err))
				}
			}
			s.setState(StateFreeingSession)

		case StateFreeingSession:
			s.finishTeardown()
			return

		default:
			return
		}
	}
}

func (s *Session) finishTeardown() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.lock.Unlock(s.lock.Holder())

	final := StateUnconnected
	if err := s.release(); err != nil {
		s.log.Warn("releasing session", slog.Any("error", err))
		s.setErr(fmt.Errorf("releasing session: %w", err))
		final = StateError
	}
	s.setState(final)
	s.log.Info("session disconnected", slog.String("addr", s.addr))

	cause := s.lostErr
	s.lostErr = nil
	for _, w := range s.disconnectWaiters {
		close(w)
	}
	s.disconnectWaiters = nil
	s.emit(Event{Type: EventDisconnected, State: final, Err: cause})
}

// shutdown forces everything closed when the loop exits.
func (s *Session) shutdown() {
	switch st := s.State(); {
	case st.connecting():
		s.failConnect(ErrClosed)
	case st == StateReady || st.tearingDown():
		s.stopKeepalive()
		for _, c := range slices.Clone(s.chans) {
			c.abort()
		}
		s.setState(StateFreeingSession)
		s.finishTeardown()
	}
}

// Close disconnects and stops the session's loop. The session cannot be
// used afterwards.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.GetDisconnectTimeout())
		defer cancel()
		if err := s.Disconnect(ctx); err != nil {
			s.log.Debug("disconnect on close", slog.Any("error", err))
		}

		close(s.quit)
		<-s.done
		s.cancel()
	})
	return nil
}

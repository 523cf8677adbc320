package ssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/sshmux/internal/engine"
)

// errSkipped is returned from auth callbacks the session declined.
var errSkipped = errors.New("ssh: auth method skipped")

// Options configures an Engine.
type Options struct {
	// HandshakeTimeout bounds key exchange and authentication. Zero means
	// no timeout.
	HandshakeTimeout time.Duration
	// ClientVersion overrides the identification string sent to servers.
	ClientVersion string
	Logger        *slog.Logger
}

// NewFactory returns an engine.Factory building Engines with opts.
func NewFactory(opts Options) engine.Factory {
	return func(notify func()) engine.Engine {
		return NewEngine(notify, opts)
	}
}

type authReply struct {
	cred engine.Credentials
	skip bool
}

type authOffer struct {
	method string
	reply  chan authReply
}

// Engine drives a golang.org/x/crypto/ssh client through the engine
// package's non-blocking convention.
//
// x/crypto runs the whole handshake, including authentication, inside
// ssh.NewClientConn. Engine runs that call on its own goroutine and turns
// each auth callback into an offer the caller answers through
// Authenticate or SkipAuthMethod.
type Engine struct {
	opts   Options
	log    *slog.Logger
	notify func()
	ops    *engine.Pending
	done   chan struct{}

	mu        sync.Mutex
	conn      net.Conn
	handshake *engine.Future[*ssh.Client]
	hostKey   *engine.HostKey
	banner    string
	offer     *authOffer
	kiCred    *engine.Credentials

	// attempt is the method whose credentials were handed over and whose
	// verdict is not yet collected.
	attempt     string
	attemptDone bool
	attemptErr  error

	client          *ssh.Client
	transportClosed atomic.Bool
	keepaliveBusy   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewEngine returns an Engine that calls notify whenever a pending
// operation may have completed.
func NewEngine(notify func(), opts Options) *Engine {
	if notify == nil {
		notify = func() {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		log:    logger,
		notify: notify,
		ops:    engine.NewPending(notify),
		done:   make(chan struct{}),
	}
}

func (e *Engine) Handshake(conn net.Conn, addr, user string) (engine.HostKey, error) {
	e.mu.Lock()
	if e.handshake == nil {
		e.conn = conn
		cfg := &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{
				ssh.PublicKeysCallback(e.publicKeys),
				ssh.PasswordCallback(e.password),
				ssh.KeyboardInteractive(e.keyboardInteractive),
			},
			HostKeyCallback: e.recordHostKey,
			BannerCallback:  e.recordBanner,
			ClientVersion:   e.opts.ClientVersion,
		}
		e.handshake = engine.Go(e.notify, func() (*ssh.Client, error) {
			return e.connect(conn, addr, cfg)
		})
	}
	hk := e.hostKey
	e.mu.Unlock()

	if hk != nil {
		return *hk, nil
	}
	if _, err := e.handshake.Poll(); err != nil {
		return engine.HostKey{}, err
	}
	return engine.HostKey{}, errors.New("ssh: handshake completed without a host key")
}

func (e *Engine) connect(conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if e.opts.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.opts.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}

	if e.opts.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	client := ssh.NewClient(cc, chans, reqs)
	go func() {
		_ = client.Wait()
		e.transportClosed.Store(true)
		e.notify()
	}()
	return client, nil
}

func (e *Engine) recordHostKey(_ string, _ net.Addr, key ssh.PublicKey) error {
	hk := engine.NewHostKey(key)
	e.mu.Lock()
	e.hostKey = &hk
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *Engine) recordBanner(message string) error {
	e.mu.Lock()
	e.banner = message
	e.mu.Unlock()
	return nil
}

func (e *Engine) Banner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banner
}

// offerMethod publishes method and waits for the caller's answer.
func (e *Engine) offerMethod(method string) (authReply, error) {
	o := &authOffer{method: method, reply: make(chan authReply, 1)}

	e.mu.Lock()
	// A new offer means x/crypto gave up on the previous attempt.
	if e.attempt != "" && !e.attemptDone {
		e.attemptDone = true
		e.attemptErr = engine.ErrAuthFailed
	}
	e.offer = o
	e.mu.Unlock()
	e.notify()

	select {
	case r := <-o.reply:
		if r.skip {
			return r, errSkipped
		}
		return r, nil
	case <-e.done:
		return authReply{}, engine.ErrClosed
	}
}

func (e *Engine) publicKeys() ([]ssh.Signer, error) {
	r, err := e.offerMethod(engine.MethodPublicKey)
	if err != nil {
		return nil, err
	}
	return r.cred.Signers, nil
}

func (e *Engine) password() (string, error) {
	r, err := e.offerMethod(engine.MethodPassword)
	if err != nil {
		return "", err
	}
	return r.cred.Password, nil
}

// keyboardInteractive answers every prompt with the password. Servers may
// send several challenges for one attempt; only the first is offered.
func (e *Engine) keyboardInteractive(_, _ string, questions []string, _ []bool) ([]string, error) {
	e.mu.Lock()
	cred := e.kiCred
	e.mu.Unlock()

	if cred == nil {
		r, err := e.offerMethod(engine.MethodKeyboardInteractive)
		if err != nil {
			return nil, err
		}
		cred = &r.cred
		e.mu.Lock()
		e.kiCred = cred
		e.mu.Unlock()
	}

	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = cred.Password
	}
	return answers, nil
}

// settle folds a finished handshake into the auth attempt. Callers hold mu.
func (e *Engine) settle() (finished bool, client *ssh.Client, err error) {
	if e.handshake == nil {
		return false, nil, nil
	}
	client, err = e.handshake.Poll()
	if errors.Is(err, engine.ErrWouldBlock) {
		return false, nil, nil
	}
	if err == nil {
		e.client = client
	}
	if e.attempt != "" && !e.attemptDone {
		e.attemptDone = true
		switch {
		case err == nil:
			e.attemptErr = nil
		case isAuthExhausted(err):
			e.attemptErr = engine.ErrAuthFailed
		default:
			e.attemptErr = err
		}
	}
	return true, client, err
}

func isAuthExhausted(err error) bool {
	return errors.Is(err, errSkipped) || strings.Contains(err.Error(), "unable to authenticate")
}

// ListAuthMethods reports the method x/crypto currently wants credentials
// for. The server's full list is learned one method at a time.
func (e *Engine) ListAuthMethods(string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.offer != nil {
		return []string{e.offer.method}, nil
	}
	finished, _, err := e.settle()
	switch {
	case !finished:
		return nil, engine.ErrWouldBlock
	case err == nil:
		// The server accepted "none".
		return []string{engine.MethodNone}, nil
	case isAuthExhausted(err):
		return []string{}, nil
	default:
		return nil, err
	}
}

func (e *Engine) Authenticate(method string, cred engine.Credentials) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if method == engine.MethodNone {
		finished, _, err := e.settle()
		if !finished {
			return engine.ErrWouldBlock
		}
		if err != nil {
			return engine.ErrAuthFailed
		}
		return nil
	}

	if e.attempt == method {
		e.settle()
		if !e.attemptDone {
			return engine.ErrWouldBlock
		}
		err := e.attemptErr
		e.attempt, e.attemptDone, e.attemptErr = "", false, nil
		return err
	}

	if e.offer != nil && e.offer.method == method {
		e.offer.reply <- authReply{cred: cred}
		e.offer = nil
		e.attempt = method
		return engine.ErrWouldBlock
	}

	if finished, _, err := e.settle(); finished && err != nil {
		return err
	}
	return fmt.Errorf("ssh: auth method %q was not offered", method)
}

func (e *Engine) SkipAuthMethod(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.offer != nil && e.offer.method == method {
		e.offer.reply <- authReply{skip: true}
		e.offer = nil
	}
	return nil
}

func (e *Engine) sshClient() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if _, client, err := e.settle(); client != nil {
		return client, nil
	} else if err != nil {
		return nil, err
	}
	return nil, errors.New("ssh: not authenticated")
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (e *Engine) OpenChannel(req engine.ChannelRequest) (engine.Channel, error) {
	client, err := e.sshClient()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("open:%+v", req)
	switch req.Kind {
	case engine.KindDirectTCPIP:
		return engine.Do(e.ops, key, func() (engine.Channel, error) {
			payload := directTCPIPPayload{
				Host:       req.Host,
				Port:       uint32(req.Port), //nolint:gosec // Ports are validated by the session.
				OriginHost: req.OriginHost,
				OriginPort: uint32(req.OriginPort), //nolint:gosec // As above.
			}
			ch, reqs, err := client.OpenChannel("direct-tcpip", ssh.Marshal(&payload))
			if err != nil {
				return nil, err
			}
			go ssh.DiscardRequests(reqs)
			return engine.NewNonBlockingConn(ch, 0, e.notify), nil
		})
	case engine.KindExec:
		return engine.Do(e.ops, key, func() (engine.Channel, error) {
			ch, err := startExec(client, req.Command, e.notify)
			if err != nil {
				return nil, err
			}
			return ch, nil
		})
	default:
		return nil, fmt.Errorf("ssh: unsupported channel kind %v", req.Kind)
	}
}

func (e *Engine) RequestForward(host string, port int) (engine.Listener, error) {
	client, err := e.sshClient()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return engine.Do(e.ops, "forward:"+addr, func() (engine.Listener, error) {
		ln, err := client.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return newForwardListener(ln, e.notify), nil
	})
}

func (e *Engine) OpenSFTP() (engine.SFTP, error) {
	client, err := e.sshClient()
	if err != nil {
		return nil, err
	}
	return engine.Do(e.ops, "sftp", func() (engine.SFTP, error) {
		s, err := newSFTPSession(client, e.ops)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func (e *Engine) FreeChannel(h engine.Handle) error {
	_, err := engine.Do(e.ops, fmt.Sprintf("free:%p", h), func() (struct{}, error) {
		return struct{}{}, h.Close()
	})
	return err
}

// Keepalive sends keepalive@openssh.com unless one is already in flight.
func (e *Engine) Keepalive() error {
	client, err := e.sshClient()
	if err != nil {
		return err
	}
	if !e.keepaliveBusy.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		defer e.keepaliveBusy.Store(false)
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			e.log.Debug("keepalive failed", slog.Any("error", err))
		}
	}()
	return nil
}

func (e *Engine) Closed() bool {
	return e.transportClosed.Load()
}

func (e *Engine) Disconnect() error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil
	}

	_, err := engine.Do(e.ops, "disconnect", func() (struct{}, error) {
		err := client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return struct{}{}, err
	})
	return err
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		_, client, _ := e.settle()
		conn := e.conn
		e.mu.Unlock()

		var err error
		switch {
		case client != nil:
			err = client.Close()
		case conn != nil:
			err = conn.Close()
		}
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		e.closeErr = err
	})
	return e.closeErr
}

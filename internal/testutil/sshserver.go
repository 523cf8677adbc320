package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHServerConfig selects what the test server accepts.
type SSHServerConfig struct {
	User string

	// Password enables password authentication.
	Password string
	// KeyboardInteractive enables keyboard-interactive authentication,
	// accepting Password as the answer to a single prompt.
	KeyboardInteractive bool
	// AuthorizedKeys enables public key authentication.
	AuthorizedKeys []ssh.PublicKey

	Banner string

	// SFTPRoot is the working directory of the sftp subsystem.
	SFTPRoot string

	// Exec runs commands for "exec" requests and returns the exit status.
	Exec func(command string, stdin io.Reader, stdout io.Writer) int
}

// SSHServer is an in-process SSH server supporting direct-tcpip,
// tcpip-forward, the sftp subsystem and exec.
type SSHServer struct {
	HostKey ssh.Signer

	cfg      SSHServerConfig
	config   *ssh.ServerConfig
	listener net.Listener

	passwordAttempts  atomic.Int32
	publicKeyAttempts atomic.Int32

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	forwards map[string]net.Listener
	wg       sync.WaitGroup
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type forwardRequest struct {
	Addr string
	Port uint32
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// StartSSHServer serves SSH on a loopback port until the test ends.
func StartSSHServer(t *testing.T, ctx context.Context, cfg SSHServerConfig) *SSHServer {
	t.Helper()

	hostKey, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	s := &SSHServer{
		HostKey:  hostKey,
		cfg:      cfg,
		conns:    make(map[*ssh.ServerConn]struct{}),
		forwards: make(map[string]net.Listener),
	}

	s.config = &ssh.ServerConfig{}
	s.config.AddHostKey(hostKey)
	if cfg.Password != "" {
		s.config.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			s.passwordAttempts.Add(1)
			if conn.User() != cfg.User || string(pass) != cfg.Password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		}
	}
	if cfg.KeyboardInteractive {
		s.config.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if conn.User() != cfg.User || len(answers) != 1 || answers[0] != cfg.Password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		}
	}
	if len(cfg.AuthorizedKeys) > 0 {
		s.config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.publicKeyAttempts.Add(1)
			if conn.User() != cfg.User {
				return nil, errors.New("unknown user")
			}
			for _, k := range cfg.AuthorizedKeys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, errors.New("unauthorized key")
		}
	}
	if cfg.Banner != "" {
		s.config.BannerCallback = func(ssh.ConnMetadata) string { return cfg.Banner }
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.listener = ln

	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// GenerateSigner returns a fresh ed25519 signer.
func GenerateSigner() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// Addr returns the server's listen address.
func (s *SSHServer) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// PasswordAttempts counts password callbacks.
func (s *SSHServer) PasswordAttempts() int {
	return int(s.passwordAttempts.Load())
}

// PublicKeyAttempts counts public key queries and signatures.
func (s *SSHServer) PublicKeyAttempts() int {
	return int(s.publicKeyAttempts.Load())
}

// DropConnections closes every client connection without a disconnect
// message.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Forwards returns how many tcpip-forward listeners are active.
func (s *SSHServer) Forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}

// Close stops accepting connections and waits for existing ones to finish.
func (s *SSHServer) Close() {
	_ = s.listener.Close()
	s.DropConnections()

	s.mu.Lock()
	for _, ln := range s.forwards {
		_ = ln.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *SSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Go(func() {
			s.handleConn(conn)
		})
	}
}

func (s *SSHServer) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
	}()

	go s.handleGlobalRequests(sshConn, reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			wg.Go(func() { s.handleDirectTCPIP(newChan) })
		case "session":
			wg.Go(func() { s.handleSession(newChan) })
		default:
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
	wg.Wait()
}

func (s *SSHServer) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	var owned []string
	defer func() {
		s.mu.Lock()
		for _, key := range owned {
			if ln, ok := s.forwards[key]; ok {
				_ = ln.Close()
				delete(s.forwards, key)
			}
		}
		s.mu.Unlock()
	}()

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fr forwardRequest
			if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			key, port, err := s.startForward(conn, fr)
			if err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			owned = append(owned, key)
			_ = req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{uint32(port)})) //nolint:gosec // Listener port.

		case "cancel-tcpip-forward":
			var fr forwardRequest
			if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			key := net.JoinHostPort(fr.Addr, strconv.Itoa(int(fr.Port)))
			s.mu.Lock()
			ln, ok := s.forwards[key]
			delete(s.forwards, key)
			s.mu.Unlock()
			if ok {
				_ = ln.Close()
			}
			_ = req.Reply(ok, nil)

		case "keepalive@openssh.com":
			_ = req.Reply(true, nil)

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *SSHServer) startForward(conn *ssh.ServerConn, fr forwardRequest) (string, int, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(fr.Addr, strconv.Itoa(int(fr.Port))))
	if err != nil {
		return "", 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	key := net.JoinHostPort(fr.Addr, strconv.Itoa(port))

	s.mu.Lock()
	s.forwards[key] = ln
	s.mu.Unlock()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.forwardConn(conn, fr.Addr, port, c)
		}
	}()
	return key, port, nil
}

func (s *SSHServer) forwardConn(conn *ssh.ServerConn, addr string, port int, c net.Conn) {
	origin := c.RemoteAddr().(*net.TCPAddr)
	payload := forwardedTCPPayload{
		Addr:       addr,
		Port:       uint32(port), //nolint:gosec // Listener port.
		OriginAddr: origin.IP.String(),
		OriginPort: uint32(origin.Port), //nolint:gosec // Peer port.
	}
	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	if err != nil {
		_ = c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	splice(ch, c)
}

func (s *SSHServer) handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	var d net.Dialer
	dst, err := d.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	splice(ch, dst)
}

// splice copies both ways, propagating half-closes, until both directions
// finish.
func splice(ch ssh.Channel, c net.Conn) {
	defer ch.Close()
	defer c.Close()

	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(c, ch)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	})
	wg.Go(func() {
		_, _ = io.Copy(ch, c)
		_ = ch.CloseWrite()
	})
	wg.Wait()
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Subsystem string
}

func (s *SSHServer) handleSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var er execRequest
			if err := ssh.Unmarshal(req.Payload, &er); err != nil || s.cfg.Exec == nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			status := s.cfg.Exec(er.Command, ch, ch)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(status)})) //nolint:gosec // Exit codes are small.
			return

		case "subsystem":
			var sr subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &sr); err != nil || sr.Subsystem != "sftp" || s.cfg.SFTPRoot == "" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)

			server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.cfg.SFTPRoot))
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

package ssh

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/sshmux/internal/engine"
)

// execStream joins a session's stdout and stdin into one stream.
type execStream struct {
	io.Reader
	stdin io.WriteCloser
	sess  *ssh.Session
}

func (s *execStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *execStream) CloseWrite() error          { return s.stdin.Close() }
func (s *execStream) Close() error               { return s.sess.Close() }

// execChannel is a non-blocking view of a remote command.
type execChannel struct {
	*engine.NonBlockingConn

	mu     sync.Mutex
	status int
	known  bool
}

func startExec(client *ssh.Client, command string, notify func()) (*execChannel, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, err
	}

	c := &execChannel{}
	c.NonBlockingConn = engine.NewNonBlockingConn(&execStream{Reader: stdout, stdin: stdin, sess: sess}, 0, notify)
	go func() {
		err := sess.Wait()

		c.mu.Lock()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			c.status, c.known = 0, true
		case errors.As(err, &exitErr):
			c.status, c.known = exitErr.ExitStatus(), true
		}
		c.mu.Unlock()
		notify()
	}()
	return c, nil
}

// ExitStatus implements engine.ExitStatuser.
func (c *execChannel) ExitStatus() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.known
}

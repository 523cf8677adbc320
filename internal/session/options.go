package session

import (
	"log/slog"
	"net"

	"github.com/die-net/sshmux/internal/dialer"
	"github.com/die-net/sshmux/internal/engine"
)

// HostKeyStore checks server host keys. *ssh.KnownHosts implements it.
type HostKeyStore interface {
	Check(host string, remote net.Addr, key engine.HostKey) (engine.HostKeyStatus, error)
	Add(host string, key engine.HostKey) error
	// SaveFile persists additions. An empty path saves to the loaded file.
	SaveFile(path string) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithName names the session in logs, metrics and channel names.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// WithDialer sets how the transport to the server is opened.
func WithDialer(d dialer.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLocalDialer sets how remote-forward targets are reached.
func WithLocalDialer(d dialer.Dialer) Option {
	return func(s *Session) { s.local = d }
}

// WithEngineFactory replaces the x/crypto/ssh protocol engine.
func WithEngineFactory(f engine.Factory) Option {
	return func(s *Session) { s.newEngine = f }
}

// WithHostKeyStore checks host keys against store. Without one, keys are
// recorded but not checked. A store that implements io.Closer is closed at
// every teardown and must be usable again on the next Connect; otherwise
// the caller owns it.
func WithHostKeyStore(store HostKeyStore) Option {
	return func(s *Session) { s.hosts = store }
}

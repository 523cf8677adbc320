package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/sshmux/internal/engine"
)

// KnownHosts checks host keys against an OpenSSH known_hosts file plus
// keys added in memory. Added keys are written out by SaveFile.
type KnownHosts struct {
	log *slog.Logger

	mu      sync.Mutex
	path    string
	file    ssh.HostKeyCallback
	added   map[string][]ssh.PublicKey
	unsaved []string
}

func NewKnownHosts(logger *slog.Logger) *KnownHosts {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnownHosts{log: logger, added: make(map[string][]ssh.PublicKey)}
}

// LoadFile reads path. The parent directory and file are created if they
// don't exist.
func (k *KnownHosts) LoadFile(path string) error {
	if err := ensureFile(path); err != nil {
		return err
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return fmt.Errorf("loading known_hosts: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.path = path
	k.file = cb
	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("creating known_hosts file: %w", err)
	}
	return f.Close()
}

// Check looks up key for host, which is the host:port the session dialed.
// Remote may be nil.
func (k *KnownHosts) Check(host string, remote net.Addr, key engine.HostKey) (engine.HostKeyStatus, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return engine.HostKeyUnchecked, fmt.Errorf("parsing host key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// An added key for host that differs from pub is only a mismatch if
	// the file doesn't trust pub either.
	notFound := engine.HostKeyNotFound
	if keys, ok := k.added[knownhosts.Normalize(host)]; ok {
		for _, want := range keys {
			if bytes.Equal(want.Marshal(), pub.Marshal()) {
				return engine.HostKeyMatch, nil
			}
		}
		notFound = engine.HostKeyMismatch
	}

	if k.file == nil {
		return notFound, nil
	}

	if remote == nil {
		remote = &net.TCPAddr{}
	} else if _, _, err := net.SplitHostPort(remote.String()); err != nil {
		remote = &net.TCPAddr{}
	}

	err = k.file(host, remote, pub)
	if err == nil {
		return engine.HostKeyMatch, nil
	}

	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return engine.HostKeyMismatch, err
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return engine.HostKeyUnchecked, err
	}
	if len(keyErr.Want) > 0 {
		return engine.HostKeyMismatch, nil
	}
	return notFound, nil
}

// Add trusts key for host until the process exits, or permanently once
// SaveFile is called.
func (k *KnownHosts) Add(host string, key engine.HostKey) error {
	pub, err := key.PublicKey()
	if err != nil {
		return fmt.Errorf("parsing host key: %w", err)
	}

	normalized := knownhosts.Normalize(host)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.added[normalized] = append(k.added[normalized], pub)
	k.unsaved = append(k.unsaved, knownhosts.Line([]string{normalized}, pub))

	k.log.Info("added host key",
		slog.String("host", host),
		slog.String("fingerprint", ssh.FingerprintSHA256(pub)))
	return nil
}

// SaveFile appends keys added since the last save to path. An empty path
// selects the file given to LoadFile.
func (k *KnownHosts) SaveFile(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if path == "" {
		path = k.path
	}
	if path == "" {
		return errors.New("known_hosts: no file to save to")
	}
	if len(k.unsaved) == 0 {
		return nil
	}

	if err := ensureFile(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, line := range k.unsaved {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	k.unsaved = nil

	k.log.Debug("saved known hosts", slog.String("path", path))
	return nil
}

package session

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultConnectTimeout    = 60 * time.Second
	defaultKeepaliveInterval = 10 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultSFTPWait          = 2 * time.Second
)

// Config holds a session's credentials and timeouts. Zero durations select
// the defaults.
type Config struct {
	// Password is used for password and keyboard-interactive
	// authentication.
	Password string
	// Signers are offered for public key authentication.
	Signers []ssh.Signer

	// StrictHostKeyChecking aborts the handshake when the host key does not
	// match the known-hosts store, or is unknown and AddUnknownHosts is
	// off.
	StrictHostKeyChecking bool
	// AddUnknownHosts records and saves keys for hosts not yet in the
	// known-hosts store.
	AddUnknownHosts bool

	// ConnectTimeout bounds opening the transport. Default 60s.
	ConnectTimeout time.Duration
	// KeepaliveInterval is the keepalive cadence while Ready. Default 10s.
	KeepaliveInterval time.Duration
	// DisconnectTimeout bounds how long teardown waits for channels to
	// close. Default 5s.
	DisconnectTimeout time.Duration
	// SFTPWait is the retry tick for operations waiting on the engine.
	// Default 2s.
	SFTPWait time.Duration
}

func (c Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c Config) GetKeepaliveInterval() time.Duration {
	if c.KeepaliveInterval > 0 {
		return c.KeepaliveInterval
	}
	return defaultKeepaliveInterval
}

func (c Config) GetDisconnectTimeout() time.Duration {
	if c.DisconnectTimeout > 0 {
		return c.DisconnectTimeout
	}
	return defaultDisconnectTimeout
}

func (c Config) GetSFTPWait() time.Duration {
	if c.SFTPWait > 0 {
		return c.SFTPWait
	}
	return defaultSFTPWait
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"connect timeout", c.ConnectTimeout},
		{"keepalive interval", c.KeepaliveInterval},
		{"disconnect timeout", c.DisconnectTimeout},
		{"sftp wait", c.SFTPWait},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", d.name, d.v))
		}
	}
	for i, s := range c.Signers {
		if s == nil {
			errs = append(errs, fmt.Errorf("signer %d is nil", i))
		}
	}
	return errors.Join(errs...)
}

package session

import "errors"

var (
	// ErrTransport reports that the connection to the server could not be
	// opened, or was lost.
	ErrTransport = errors.New("transport error")

	// ErrHandshake reports a failed protocol negotiation or a rejected host
	// key.
	ErrHandshake = errors.New("handshake failed")

	// ErrAuthenticationExhausted reports that every offered method was tried
	// and none succeeded.
	ErrAuthenticationExhausted = errors.New("authentication methods exhausted")

	// ErrUnsupportedAuthMethod reports a server-offered method this client
	// cannot perform. It is only fatal when it empties the method set.
	ErrUnsupportedAuthMethod = errors.New("unsupported authentication method")

	// ErrChannelOpenFailed reports that the server refused a channel.
	ErrChannelOpenFailed = errors.New("channel open failed")

	// ErrIO reports a local or remote file operation failure.
	ErrIO = errors.New("i/o error")

	// ErrLockContention reports that another channel is being created. The
	// caller should retry later.
	ErrLockContention = errors.New("channel creation in progress")

	// ErrNotConnected is returned by operations that need a Ready session.
	ErrNotConnected = errors.New("session not connected")

	// ErrClosed is returned once the session or channel has been closed.
	ErrClosed = errors.New("session closed")
)

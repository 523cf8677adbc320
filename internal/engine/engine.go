package engine

import (
	"errors"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrWouldBlock reports that an operation has not completed yet. It is
	// not a failure; the operation must be retried after the next
	// notification.
	ErrWouldBlock = errors.New("engine: operation would block")

	// ErrAuthFailed reports that the server rejected one authentication
	// method. Other methods may still succeed.
	ErrAuthFailed = errors.New("engine: authentication method rejected")

	// ErrClosed is returned by operations on an engine or handle that has
	// been closed.
	ErrClosed = errors.New("engine: closed")
)

// Auth method names as offered by servers.
const (
	// MethodNone is listed when the server accepted the client without
	// credentials.
	MethodNone                = "none"
	MethodPublicKey           = "publickey"
	MethodPassword            = "password"
	MethodKeyboardInteractive = "keyboard-interactive"
)

// ChannelKind selects what OpenChannel opens.
type ChannelKind int

const (
	// KindDirectTCPIP opens a channel to Host:Port as seen from the server.
	KindDirectTCPIP ChannelKind = iota
	// KindExec opens a session channel and runs Command.
	KindExec
)

func (k ChannelKind) String() string {
	switch k {
	case KindDirectTCPIP:
		return "direct-tcpip"
	case KindExec:
		return "exec"
	default:
		return "unknown"
	}
}

// ChannelRequest describes a channel to open.
type ChannelRequest struct {
	Kind ChannelKind

	// Host and Port address the target of a direct-tcpip channel.
	Host string
	Port int

	// OriginHost and OriginPort describe the peer that caused the open.
	OriginHost string
	OriginPort int

	// Command is run by KindExec channels.
	Command string
}

// Credentials are what the client can prove its identity with.
type Credentials struct {
	Signers  []ssh.Signer
	Password string
}

// Handle is anything the engine hands out that must be released through
// Engine.FreeChannel.
type Handle interface {
	io.Closer
}

// Channel is a non-blocking byte stream multiplexed over the session.
type Channel interface {
	Handle

	// Read returns ErrWouldBlock when no data is buffered and io.EOF once
	// the remote side has closed its write half.
	Read(p []byte) (int, error)

	// Write accepts up to len(p) bytes and may return a short count.
	Write(p []byte) (int, error)

	// CloseWrite signals EOF to the remote side once pending writes drain.
	CloseWrite() error
}

// ExitStatuser is implemented by exec channels.
type ExitStatuser interface {
	// ExitStatus reports the remote command's exit code once known.
	ExitStatus() (int, bool)
}

// Listener yields channels for connections accepted by a server-side
// forward.
type Listener interface {
	Handle

	// Port is the port the server bound.
	Port() int

	// Accept returns the next inbound channel or ErrWouldBlock.
	Accept() (Channel, error)
}

// SFTP is a file-transfer session.
type SFTP interface {
	Handle

	Open(path string, flag int) (File, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	OpenDir(path string) (Dir, error)
}

// File is an open remote file.
type File interface {
	Handle

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Dir is an open remote directory.
type Dir interface {
	Handle

	// ReadDir returns the next batch of entries, or io.EOF once exhausted.
	ReadDir() ([]os.FileInfo, error)
}

// Engine is one SSH protocol session.
//
// Calls are made from a single goroutine. Each call returning ErrWouldBlock
// is repeated with the same arguments after the engine's notify function
// fires.
type Engine interface {
	// Handshake runs key exchange over conn and returns the server's host
	// key. User is the account later passed to ListAuthMethods.
	Handshake(conn net.Conn, addr, user string) (HostKey, error)

	// Banner returns the pre-authentication banner, if any was sent.
	Banner() string

	// ListAuthMethods returns the methods the server currently offers. An
	// empty list means no method remains.
	ListAuthMethods(user string) ([]string, error)

	// Authenticate attempts one method. It returns nil on success and
	// ErrAuthFailed when the server rejected the method.
	Authenticate(method string, cred Credentials) error

	// SkipAuthMethod declines an offered method without contacting the
	// server with credentials for it.
	SkipAuthMethod(method string) error

	OpenChannel(req ChannelRequest) (Channel, error)

	// RequestForward asks the server to listen on host:port. Port 0 lets
	// the server choose.
	RequestForward(host string, port int) (Listener, error)

	OpenSFTP() (SFTP, error)

	// FreeChannel releases a handle. The handle must not be used again
	// once FreeChannel returned anything but ErrWouldBlock.
	FreeChannel(h Handle) error

	// Keepalive sends a keepalive request.
	Keepalive() error

	// Closed reports whether the transport has gone away.
	Closed() bool

	// Disconnect ends the session politely.
	Disconnect() error

	// Close releases everything the engine holds. It is safe to call at
	// any point and more than once.
	Close() error
}

// Factory constructs an engine. Notify is called from any goroutine
// whenever a pending operation may have completed.
type Factory func(notify func()) Engine

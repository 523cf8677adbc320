// Package ssh implements the protocol engine on top of
// golang.org/x/crypto/ssh and github.com/pkg/sftp.
//
// [Engine] runs each blocking x/crypto call on its own goroutine and
// reports engine.ErrWouldBlock until it completes, calling the notify
// function it was built with when a result is ready. Authentication is a
// rendezvous: x/crypto asks for one method at a time and the caller answers
// with credentials or declines.
//
// The package also provides signers from key files or a shared,
// reference-counted SSH agent connection, and [KnownHosts], a known_hosts
// store with in-memory additions.
//
// Example usage:
//
//	signers, release, _ := ssh.LoadSigners("agent")
//	defer release()
//
//	hosts := ssh.NewKnownHosts(logger)
//	_ = hosts.LoadFile("~/.ssh/known_hosts")
//
//	factory := ssh.NewFactory(ssh.Options{HandshakeTimeout: 30 * time.Second})
package ssh

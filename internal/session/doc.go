// Package session manages one client-side SSH connection and the channels
// multiplexed over it: local, remote and dynamic port forwards, file
// transfer and command execution.
//
// Each Session runs a single loop goroutine. The loop connects,
// authenticates and then delivers every readiness notification from the
// protocol engine to each registered channel, which advances its own
// lifecycle:
//
//	opening -> exec -> ready -> close -> wait-close -> freeing -> free | error
//
// Engine calls never block the loop. An operation that is not finished
// reports engine.ErrWouldBlock and is retried on the next notification.
// Channel creation is serialized by a try-lock, so at most one channel is
// being opened at a time.
//
// Example usage:
//
//	s, err := session.New(session.Config{Password: "secret"})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	if err := s.Connect(ctx, "alice", "example.com", 22); err != nil {
//		return err
//	}
//	port, err := s.OpenLocalForward(ctx, "web", 80, 0)
package session

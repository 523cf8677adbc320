// Package engine defines the boundary between the session orchestration
// layer and the SSH protocol engine that performs the cryptographic work.
//
// Every engine operation is non-blocking: an operation that cannot complete
// yet returns ErrWouldBlock and the caller retries it, with the same
// arguments, after the next readiness notification. Engines report readiness
// by calling the notify function they were constructed with.
//
// The package also carries the small helpers engines and sessions share to
// present blocking Go APIs through that convention: Future, Pending, and
// NonBlockingConn.
package engine

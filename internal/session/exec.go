package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/die-net/sshmux/internal/engine"
)

// ExitError reports a command that exited with a non-zero status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Status)
}

// Exec runs remote commands, one at a time.
type Exec struct {
	*channel

	running atomic.Bool

	mu     sync.Mutex
	status int
	known  bool
}

// Exec returns the command channel registered as name, opening it if
// needed.
func (s *Session) Exec(ctx context.Context, name string) (*Exec, error) {
	var x *Exec
	err := s.doReady(ctx, func() error {
		existing, ok, err := lookup[*Exec](s, name)
		if err != nil {
			return err
		}
		if ok {
			x = existing
			return nil
		}

		x = &Exec{}
		x.channel = s.newChannel(name, "exec", x)
		s.register(x.channel)
		x.run()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := x.waitOpen(ctx); err != nil {
		return nil, err
	}
	return x, nil
}

// RunCommand runs command on a fresh exec channel and returns its output.
func (s *Session) RunCommand(ctx context.Context, command string) (string, error) {
	x, err := s.Exec(ctx, fmt.Sprintf("exec_%d", s.execSeq.Add(1)))
	if err != nil {
		return "", err
	}
	defer func() { _ = x.Close(context.WithoutCancel(ctx)) }()

	return x.Run(ctx, command)
}

func (x *Exec) open() (ChannelState, error) {
	return ChannelReady, nil
}

func (x *Exec) exec() error {
	return nil
}

func (x *Exec) step() (bool, error) {
	return false, nil
}

func (x *Exec) close() {}

func (x *Exec) isClosed() bool {
	return true
}

// Run runs command, collects its output until EOF and records its exit
// status. A non-zero status is returned as *ExitError along with the
// output.
func (x *Exec) Run(ctx context.Context, command string) (string, error) {
	if !x.running.CompareAndSwap(false, true) {
		return "", fmt.Errorf("channel %q is already running a command", x.name)
	}
	defer x.running.Store(false)

	x.mu.Lock()
	x.status, x.known = 0, false
	x.mu.Unlock()

	ch, err := callValue(ctx, x.channel, func() (engine.Channel, error) {
		if err := x.s.lock.TryLock(x.channel); err != nil {
			return nil, engine.ErrWouldBlock
		}
		req := engine.ChannelRequest{Kind: engine.KindExec, Command: command}
		ch, err := x.s.eng.OpenChannel(req)
		x.track(pollOpen(func() (engine.Channel, error) { return x.s.eng.OpenChannel(req) }), err)
		if errors.Is(err, engine.ErrWouldBlock) {
			return nil, err
		}
		x.s.lock.Unlock(x.channel)
		if err != nil {
			return nil, fmt.Errorf("%w: exec: %w", ErrChannelOpenFailed, err)
		}
		x.handle = ch
		return ch, nil
	})
	if err != nil {
		// A cancelled open may still hold the creation lock.
		_ = x.s.do(context.WithoutCancel(ctx), func() { x.s.lock.Unlock(x.channel) })
		return "", err
	}
	defer x.releaseCommand(context.WithoutCancel(ctx), ch)

	if err := call(ctx, x.channel, ch.CloseWrite); err != nil {
		x.log.Debug("closing command input", slog.Any("error", err))
	}

	var out bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := callValue(ctx, x.channel, func() (int, error) { return ch.Read(buf) })
		out.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out.String(), fmt.Errorf("%w: reading output of %q: %w", ErrIO, command, err)
		}
	}

	if es, ok := ch.(engine.ExitStatuser); ok {
		waitCtx, cancel := context.WithTimeout(ctx, x.s.cfg.GetSFTPWait())
		defer cancel()
		status, err := callValue(waitCtx, x.channel, func() (int, error) {
			st, known := es.ExitStatus()
			if !known {
				return 0, engine.ErrWouldBlock
			}
			return st, nil
		})
		if err == nil {
			x.mu.Lock()
			x.status, x.known = status, true
			x.mu.Unlock()
			if status != 0 {
				return out.String(), &ExitError{Status: status}
			}
		}
	}
	return out.String(), nil
}

// releaseCommand releases the command's engine channel.
func (x *Exec) releaseCommand(ctx context.Context, ch engine.Channel) {
	err := call(ctx, x.channel, func() error {
		if x.handle != ch {
			return nil
		}
		err := x.s.eng.FreeChannel(ch)
		if !errors.Is(err, engine.ErrWouldBlock) {
			x.handle = nil
		}
		return err
	})
	if err != nil {
		x.log.Debug("freeing command channel", slog.Any("error", err))
	}
}

// ExitStatus returns the last command's exit status once known.
func (x *Exec) ExitStatus() (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status, x.known
}

package session

import (
	"context"
	"crypto/md5" //nolint:gosec // Duplicate detection only.
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/die-net/sshmux/internal/engine"
)

const (
	chunkSize       = 100 * 1024
	getOpenAttempts = 5
)

// SFTP is a file-transfer channel.
//
// Every operation retries while the engine would block, waking on session
// notifications and on the session's SFTPWait tick. Directory handles and
// file attributes are cached: directory handles until ReadDir or CloseDir,
// attributes until ForgetAttributes.
type SFTP struct {
	*channel

	sftp engine.SFTP

	mu      sync.Mutex
	dirs    map[string]engine.Dir
	attrs   map[string]os.FileInfo
	pending []engine.Handle
}

// SFTP returns the file-transfer channel registered as name, opening it if
// needed.
func (s *Session) SFTP(ctx context.Context, name string) (*SFTP, error) {
	var f *SFTP
	err := s.doReady(ctx, func() error {
		existing, ok, err := lookup[*SFTP](s, name)
		if err != nil {
			return err
		}
		if ok {
			f = existing
			return nil
		}

		f = &SFTP{
			dirs:  make(map[string]engine.Dir),
			attrs: make(map[string]os.FileInfo),
		}
		f.channel = s.newChannel(name, "sftp", f)
		s.register(f.channel)
		f.run()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := f.waitOpen(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// SendFile copies local to remote over the session's default file-transfer
// channel and returns the remote path written.
func (s *Session) SendFile(ctx context.Context, local, remote string) (string, error) {
	f, err := s.SFTP(ctx, "sftp")
	if err != nil {
		return "", err
	}
	return f.Send(ctx, local, remote)
}

func (f *SFTP) open() (ChannelState, error) {
	if err := f.s.lock.TryLock(f.channel); err != nil {
		return 0, err
	}
	h, err := f.s.eng.OpenSFTP()
	f.track(pollOpen(f.s.eng.OpenSFTP), err)
	if err != nil {
		if errors.Is(err, engine.ErrWouldBlock) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: sftp: %w", ErrChannelOpenFailed, err)
	}
	f.sftp, f.handle = h, h
	return ChannelReady, nil
}

func (f *SFTP) exec() error {
	return nil
}

func (f *SFTP) step() (bool, error) {
	return false, nil
}

// close queues cached directory handles for release.
func (f *SFTP) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, d := range f.dirs {
		f.pending = append(f.pending, d)
		delete(f.dirs, p)
	}
}

func (f *SFTP) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.pending[:0]
	for _, h := range f.pending {
		if errors.Is(f.s.eng.FreeChannel(h), engine.ErrWouldBlock) {
			kept = append(kept, h)
		}
	}
	f.pending = kept
	return len(f.pending) == 0
}

// release frees an engine handle the caller no longer needs.
func (f *SFTP) release(ctx context.Context, h engine.Handle) {
	err := call(ctx, f.channel, func() error { return f.s.eng.FreeChannel(h) })
	if err != nil {
		f.log.Debug("releasing sftp handle", slog.Any("error", err))
	}
}

// Mkdir creates one remote directory.
func (f *SFTP) Mkdir(ctx context.Context, p string) error {
	if err := call(ctx, f.channel, func() error { return f.sftp.Mkdir(p) }); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrIO, p, err)
	}
	return nil
}

// Unlink removes one remote file.
func (f *SFTP) Unlink(ctx context.Context, p string) error {
	if err := call(ctx, f.channel, func() error { return f.sftp.Remove(p) }); err != nil {
		return fmt.Errorf("%w: unlink %s: %w", ErrIO, p, err)
	}
	return nil
}

// Mkpath creates p and any missing parents, outermost first, and reports
// whether p is a directory afterwards. Existing levels are not recreated.
func (f *SFTP) Mkpath(ctx context.Context, p string) bool {
	p = path.Clean(p)
	if p == "/" || p == "." {
		return true
	}
	if f.dirExists(ctx, p) {
		return true
	}

	if parent := path.Dir(p); parent != p && !f.Mkpath(ctx, parent) {
		return false
	}
	if err := f.Mkdir(ctx, p); err != nil {
		f.log.Debug("mkpath", slog.String("path", p), slog.Any("error", err))
	}
	return f.dirExists(ctx, p)
}

func (f *SFTP) dirExists(ctx context.Context, p string) bool {
	if !f.IsDir(ctx, p) {
		return false
	}
	_ = f.CloseDir(ctx, p)
	return true
}

// IsDir reports whether p can be opened as a directory. The handle stays
// cached until ReadDir or CloseDir.
func (f *SFTP) IsDir(ctx context.Context, p string) bool {
	f.mu.Lock()
	_, ok := f.dirs[p]
	f.mu.Unlock()
	if ok {
		return true
	}

	d, err := callValue(ctx, f.channel, func() (engine.Dir, error) { return f.sftp.OpenDir(p) })
	if err != nil {
		return false
	}

	f.mu.Lock()
	if _, dup := f.dirs[p]; !dup {
		f.dirs[p] = d
		d = nil
	}
	f.mu.Unlock()
	if d != nil {
		f.release(ctx, d)
	}
	return true
}

// CloseDir releases the cached directory handle for p.
func (f *SFTP) CloseDir(ctx context.Context, p string) error {
	f.mu.Lock()
	d, ok := f.dirs[p]
	delete(f.dirs, p)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	if err := call(ctx, f.channel, func() error { return f.s.eng.FreeChannel(d) }); err != nil {
		return fmt.Errorf("%w: closedir %s: %w", ErrIO, p, err)
	}
	return nil
}

// ReadDir lists p, excluding "." and "..". The directory handle is always
// closed afterwards.
func (f *SFTP) ReadDir(ctx context.Context, p string) ([]string, error) {
	f.mu.Lock()
	d, ok := f.dirs[p]
	delete(f.dirs, p)
	f.mu.Unlock()

	if !ok {
		var err error
		d, err = callValue(ctx, f.channel, func() (engine.Dir, error) { return f.sftp.OpenDir(p) })
		if err != nil {
			return nil, fmt.Errorf("%w: opendir %s: %w", ErrIO, p, err)
		}
	}
	defer f.release(context.WithoutCancel(ctx), d)

	var names []string
	for {
		entries, err := callValue(ctx, f.channel, d.ReadDir)
		for _, e := range entries {
			if n := e.Name(); n != "." && n != ".." {
				names = append(names, n)
			}
		}
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("%w: readdir %s: %w", ErrIO, p, err)
		}
	}
}

func (f *SFTP) stat(ctx context.Context, p string) (os.FileInfo, error) {
	f.mu.Lock()
	fi, ok := f.attrs[p]
	f.mu.Unlock()
	if ok {
		return fi, nil
	}

	fi, err := callValue(ctx, f.channel, func() (os.FileInfo, error) { return f.sftp.Stat(p) })
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.attrs[p] = fi
	f.mu.Unlock()
	return fi, nil
}

// IsFile reports whether p is a regular file, using cached attributes.
func (f *SFTP) IsFile(ctx context.Context, p string) bool {
	fi, err := f.stat(ctx, p)
	return err == nil && fi.Mode().IsRegular()
}

// FileSize returns the size of p, using cached attributes.
func (f *SFTP) FileSize(ctx context.Context, p string) (int64, error) {
	fi, err := f.stat(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %w", ErrIO, p, err)
	}
	return fi.Size(), nil
}

// ForgetAttributes drops the cached attributes of p.
func (f *SFTP) ForgetAttributes(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attrs, p)
}

// Send copies the local file to remote and returns the remote path. A
// remote path ending in "/" names a directory, which is created if needed.
func (f *SFTP) Send(ctx context.Context, local, remote string) (string, error) {
	src, err := os.Open(local) //nolint:gosec // Caller-supplied path.
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer src.Close()

	if strings.HasSuffix(remote, "/") {
		if !f.Mkpath(ctx, remote) {
			return "", fmt.Errorf("%w: cannot create remote directory %s", ErrIO, remote)
		}
		remote = path.Join(remote, filepath.Base(local))
	}

	dst, err := callValue(ctx, f.channel, func() (engine.File, error) {
		return f.sftp.Open(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	})
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrIO, remote, err)
	}
	defer f.release(context.WithoutCancel(ctx), dst)

	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			w, err := callValue(ctx, f.channel, func() (int, error) { return dst.Write(chunk) })
			if err != nil {
				return "", fmt.Errorf("%w: write %s: %w", ErrIO, remote, err)
			}
			chunk = chunk[w:]
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("%w: read %s: %w", ErrIO, local, rerr)
		}
	}

	f.log.Debug("sent file", slog.String("local", local), slog.String("remote", remote))
	return remote, nil
}

// Get copies remote to local. A local path ending in a separator names a
// directory. Unless overwrite is set, an existing destination is kept and
// the copy is written to name.1, name.2 and so on; a numbered copy
// identical to the existing file is removed again.
func (f *SFTP) Get(ctx context.Context, remote, local string, overwrite bool) error {
	if strings.HasSuffix(local, string(os.PathSeparator)) || strings.HasSuffix(local, "/") {
		local = filepath.Join(local, path.Base(remote))
	}

	dest := local
	if !overwrite {
		for i := 1; exists(dest); i++ {
			dest = fmt.Sprintf("%s.%d", local, i)
		}
	}

	src, err := f.openWithRetry(ctx, remote)
	if err != nil {
		return err
	}
	defer f.release(context.WithoutCancel(ctx), src)

	if err := f.download(ctx, src, remote, dest); err != nil {
		return err
	}

	if dest != local {
		same, err := sameContent(local, dest)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if same {
			f.log.Debug("removing duplicate download", slog.String("path", dest))
			if err := os.Remove(dest); err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}
	}
	return nil
}

// openWithRetry opens remote for reading, retrying failed opens.
func (f *SFTP) openWithRetry(ctx context.Context, remote string) (engine.File, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: f.s.cfg.GetSFTPWait(), Factor: 2, Jitter: true}

	for attempt := 1; ; attempt++ {
		src, err := callValue(ctx, f.channel, func() (engine.File, error) {
			return f.sftp.Open(remote, os.O_RDONLY)
		})
		if err == nil {
			return src, nil
		}
		if attempt >= getOpenAttempts || ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("%w: open %s: %w", ErrIO, remote, err)
		}

		d := b.Duration()
		f.log.Debug("retrying open", slog.String("path", remote), slog.Int("attempt", attempt), slog.Duration("delay", d))
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: open %s: %w", ErrIO, remote, ctx.Err())
		}
	}
}

func (f *SFTP) download(ctx context.Context, src engine.File, remote, dest string) (err error) {
	out, err := os.Create(dest) //nolint:gosec // Caller-supplied path.
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrIO, cerr)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		n, rerr := callValue(ctx, f.channel, func() (int, error) { return src.Read(buf) })
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: read %s: %w", ErrIO, remote, rerr)
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func fileMD5(p string) ([]byte, error) {
	fh, err := os.Open(p) //nolint:gosec // Caller-supplied path.
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	h := md5.New() //nolint:gosec // See import.
	if _, err := io.Copy(h, fh); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func sameContent(a, b string) (bool, error) {
	ha, err := fileMD5(a)
	if err != nil {
		return false, err
	}
	hb, err := fileMD5(b)
	if err != nil {
		return false, err
	}
	return string(ha) == string(hb), nil
}

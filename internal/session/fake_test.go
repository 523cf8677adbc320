package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/testutil"
)

// fakeEngine is an in-memory engine. Direct-tcpip channels echo, exec
// channels replay a canned output and the SFTP session is a map.
type fakeEngine struct {
	hostKey engine.HostKey
	fs      *fakeFS
	ln      *fakeListener
	pending *engine.Pending

	// openGate, when set, holds direct-tcpip opens until it is closed.
	openGate chan struct{}

	mu          sync.Mutex
	notify      func()
	offered     []string
	accept      map[string]bool
	authCalls   []string
	skipped     []string
	requests    []engine.ChannelRequest
	openErr     error
	forwardErr  error
	execOutput  string
	execStatus  int
	freeBlocks  int
	freeCalls   int
	freeErr     error
	opened      []engine.Channel
	freed       []engine.Handle
	disconnects int
	keepalives  int

	closed atomic.Bool
}

func newFakeEngine(t *testing.T, offered ...string) *fakeEngine {
	t.Helper()

	signer, err := testutil.GenerateSigner()
	require.NoError(t, err)

	if len(offered) == 0 {
		offered = []string{engine.MethodNone}
	}
	fe := &fakeEngine{
		hostKey: engine.NewHostKey(signer.PublicKey()),
		fs:      newFakeFS(),
		offered: offered,
		accept:  map[string]bool{engine.MethodNone: true},
	}
	fe.ln = &fakeListener{port: 2222, wake: fe.wake}
	fe.pending = engine.NewPending(fe.wake)
	return fe
}

func (f *fakeEngine) factory(notify func()) engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = notify
	return f
}

func (f *fakeEngine) wake() {
	f.mu.Lock()
	n := f.notify
	f.mu.Unlock()
	if n != nil {
		n()
	}
}

func (f *fakeEngine) Handshake(net.Conn, string, string) (engine.HostKey, error) {
	return f.hostKey, nil
}

func (f *fakeEngine) Banner() string {
	return "welcome"
}

func (f *fakeEngine) ListAuthMethods(string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.offered), nil
}

func (f *fakeEngine) drop(method string) {
	f.offered = slices.DeleteFunc(f.offered, func(m string) bool { return m == method })
}

func (f *fakeEngine) Authenticate(method string, _ engine.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls = append(f.authCalls, method)
	if f.accept[method] {
		return nil
	}
	f.drop(method)
	return engine.ErrAuthFailed
}

func (f *fakeEngine) SkipAuthMethod(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, method)
	f.drop(method)
	return nil
}

func (f *fakeEngine) OpenChannel(req engine.ChannelRequest) (engine.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if gate := f.openGate; gate != nil && req.Kind == engine.KindDirectTCPIP {
		return engine.Do(f.pending, "open", func() (engine.Channel, error) {
			<-gate
			ch := &fakeChannel{wake: f.wake, echo: true}
			f.mu.Lock()
			f.opened = append(f.opened, ch)
			f.mu.Unlock()
			return ch, nil
		})
	}
	if req.Kind == engine.KindExec {
		ch := &fakeChannel{wake: f.wake, eof: true, status: f.execStatus, hasStatus: true}
		ch.buf.WriteString(f.execOutput)
		return ch, nil
	}
	return &fakeChannel{wake: f.wake, echo: true}, nil
}

func (f *fakeEngine) RequestForward(string, int) (engine.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	return f.ln, nil
}

func (f *fakeEngine) OpenSFTP() (engine.SFTP, error) {
	return f.fs, nil
}

func (f *fakeEngine) FreeChannel(h engine.Handle) error {
	f.mu.Lock()
	f.freeCalls++
	if f.freeBlocks > 0 {
		f.freeBlocks--
		f.mu.Unlock()
		go f.wake()
		return engine.ErrWouldBlock
	}
	f.freed = append(f.freed, h)
	err := f.freeErr
	f.mu.Unlock()
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	return err
}

func (f *fakeEngine) Keepalive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeEngine) Closed() bool {
	return f.closed.Load()
}

func (f *fakeEngine) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeEngine) Close() error {
	return nil
}

// lose simulates the server dropping the transport.
func (f *fakeEngine) lose() {
	f.closed.Store(true)
	f.wake()
}

func (f *fakeEngine) snapshot() (authCalls, skipped []string, requests []engine.ChannelRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.authCalls), slices.Clone(f.skipped), slices.Clone(f.requests)
}

func (f *fakeEngine) freedHandle(h engine.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.freed, h)
}

type fakeChannel struct {
	wake func()
	echo bool

	mu        sync.Mutex
	buf       bytes.Buffer
	eof       bool
	closed    bool
	status    int
	hasStatus bool
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.buf.Len() > 0:
		return c.buf.Read(p)
	case c.eof:
		return 0, io.EOF
	case c.closed:
		return 0, engine.ErrClosed
	default:
		return 0, engine.ErrWouldBlock
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, engine.ErrClosed
	}
	if c.echo {
		c.buf.Write(p)
	}
	c.mu.Unlock()
	c.wake()
	return len(p), nil
}

func (c *fakeChannel) CloseWrite() error {
	c.mu.Lock()
	if c.echo {
		c.eof = true
	}
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) ExitStatus() (int, bool) {
	return c.status, c.hasStatus
}

type fakeListener struct {
	port int
	wake func()

	mu     sync.Mutex
	queue  []engine.Channel
	closed bool
}

func (l *fakeListener) Port() int {
	return l.port
}

func (l *fakeListener) Accept() (engine.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		if l.closed {
			return nil, engine.ErrClosed
		}
		return nil, engine.ErrWouldBlock
	}
	ch := l.queue[0]
	l.queue = l.queue[1:]
	return ch, nil
}

// push delivers a connection the server accepted on the forwarded port.
func (l *fakeListener) push(ch engine.Channel) {
	l.mu.Lock()
	l.queue = append(l.queue, ch)
	l.mu.Unlock()
	l.wake()
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeFS struct {
	mu     sync.Mutex
	dirs   map[string]bool
	files  map[string][]byte
	mkdirs []string
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: map[string]bool{"/": true}, files: make(map[string][]byte)}
}

func (fs *fakeFS) Open(p string, flag int) (engine.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		if !fs.dirs[path.Dir(p)] {
			return nil, os.ErrNotExist
		}
		fs.files[p] = nil
		return &fakeFile{fs: fs, path: p}, nil
	}
	data, ok := fs.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &fakeFile{fs: fs, path: p, data: slices.Clone(data)}, nil
}

func (fs *fakeFS) Stat(p string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if data, ok := fs.files[p]; ok {
		return fakeInfo{name: path.Base(p), size: int64(len(data))}, nil
	}
	if fs.dirs[p] {
		return fakeInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (fs *fakeFS) Mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirs = append(fs.mkdirs, p)
	if _, isFile := fs.files[p]; isFile || fs.dirs[p] {
		return os.ErrExist
	}
	if !fs.dirs[path.Dir(p)] {
		return os.ErrNotExist
	}
	fs.dirs[p] = true
	return nil
}

func (fs *fakeFS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(fs.files, p)
	return nil
}

func (fs *fakeFS) OpenDir(p string) (engine.Dir, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirs[p] {
		return nil, os.ErrNotExist
	}
	entries := []os.FileInfo{fakeInfo{name: ".", dir: true}, fakeInfo{name: "..", dir: true}}
	for f, data := range fs.files {
		if path.Dir(f) == p {
			entries = append(entries, fakeInfo{name: path.Base(f), size: int64(len(data))})
		}
	}
	for d := range fs.dirs {
		if d != p && path.Dir(d) == p {
			entries = append(entries, fakeInfo{name: path.Base(d), dir: true})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return &fakeDir{entries: entries}, nil
}

func (fs *fakeFS) Close() error {
	return nil
}

func (fs *fakeFS) mkdirCalls() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return slices.Clone(fs.mkdirs)
}

func (fs *fakeFS) file(p string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[p]
	return slices.Clone(data), ok
}

func (fs *fakeFS) put(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[p] = slices.Clone(data)
}

type fakeFile struct {
	fs   *fakeFS
	path string
	data []byte
	off  int
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.files[f.path] = append(f.fs.files[f.path], p...)
	return len(p), nil
}

func (f *fakeFile) Close() error {
	return nil
}

type fakeDir struct {
	entries []os.FileInfo
	done    bool
}

func (d *fakeDir) ReadDir() ([]os.FileInfo, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	return d.entries, nil
}

func (d *fakeDir) Close() error {
	return nil
}

type fakeInfo struct {
	name string
	size int64
	dir  bool
}

func (i fakeInfo) Name() string { return i.name }
func (i fakeInfo) Size() int64  { return i.size }
func (i fakeInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.dir }
func (i fakeInfo) Sys() any           { return nil }

// pipeDialer hands out one end of an in-memory pipe per dial.
type pipeDialer struct {
	err   error
	dials atomic.Int32
}

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
		_ = server.Close()
	}()
	return client, nil
}

func testConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		DisconnectTimeout: time.Second,
		SFTPWait:          20 * time.Millisecond,
	}
}

// newFakeSession returns a session wired to fe that has not connected yet.
func newFakeSession(t *testing.T, fe *fakeEngine, cfg Config, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{
		WithName(t.Name()),
		WithEngineFactory(fe.factory),
		WithDialer(&pipeDialer{}),
	}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// connectFake returns a Ready session over fe.
func connectFake(t *testing.T, fe *fakeEngine) *Session {
	t.Helper()

	s := newFakeSession(t, fe, testConfig())
	require.NoError(t, s.Connect(t.Context(), "user", "example.test", 22))
	require.Equal(t, StateReady, s.State())
	return s
}

// onLoop reads loop-owned state.
func onLoop[T any](t *testing.T, s *Session, fn func() T) T {
	t.Helper()

	var v T
	require.NoError(t, s.do(t.Context(), func() { v = fn() }))
	return v
}

var errRefused = errors.New("refused")

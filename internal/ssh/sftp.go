package ssh

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/sshmux/internal/engine"
)

// sftpSession adapts a pkg/sftp client. Every request runs on its own
// goroutine through the engine's pending table.
type sftpSession struct {
	c   *sftp.Client
	ops *engine.Pending
}

func newSFTPSession(client *ssh.Client, ops *engine.Pending) (*sftpSession, error) {
	c, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return &sftpSession{c: c, ops: ops}, nil
}

func (s *sftpSession) Open(path string, flag int) (engine.File, error) {
	return engine.Do(s.ops, fmt.Sprintf("sftp:open:%d:%s", flag, path), func() (engine.File, error) {
		f, err := s.c.OpenFile(path, flag)
		if err != nil {
			return nil, err
		}
		return &sftpFile{f: f, ops: s.ops}, nil
	})
}

func (s *sftpSession) Stat(path string) (os.FileInfo, error) {
	return engine.Do(s.ops, "sftp:stat:"+path, func() (os.FileInfo, error) {
		return s.c.Stat(path)
	})
}

func (s *sftpSession) Mkdir(path string) error {
	_, err := engine.Do(s.ops, "sftp:mkdir:"+path, func() (struct{}, error) {
		return struct{}{}, s.c.Mkdir(path)
	})
	return err
}

func (s *sftpSession) Remove(path string) error {
	_, err := engine.Do(s.ops, "sftp:remove:"+path, func() (struct{}, error) {
		return struct{}{}, s.c.Remove(path)
	})
	return err
}

// OpenDir lists path in one request; the returned Dir replays the listing.
func (s *sftpSession) OpenDir(path string) (engine.Dir, error) {
	return engine.Do(s.ops, "sftp:opendir:"+path, func() (engine.Dir, error) {
		fi, err := s.c.Stat(path)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%s: not a directory", path)
		}
		entries, err := s.c.ReadDir(path)
		if err != nil {
			return nil, err
		}
		return &sftpDir{entries: entries}, nil
	})
}

func (s *sftpSession) Close() error {
	return s.c.Close()
}

type sftpFile struct {
	f   *sftp.File
	ops *engine.Pending
}

func (f *sftpFile) Read(p []byte) (int, error) {
	data, err := engine.Do(f.ops, fmt.Sprintf("sftp:read:%p", f), func() ([]byte, error) {
		buf := make([]byte, len(p))
		n, err := f.f.Read(buf)
		if n > 0 && err == io.EOF {
			err = nil
		}
		return buf[:n], err
	})
	return copy(p, data), err
}

func (f *sftpFile) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	return engine.Do(f.ops, fmt.Sprintf("sftp:write:%p", f), func() (int, error) {
		return f.f.Write(data)
	})
}

func (f *sftpFile) Close() error {
	return f.f.Close()
}

type sftpDir struct {
	entries []os.FileInfo
	read    bool
}

func (d *sftpDir) ReadDir() ([]os.FileInfo, error) {
	if d.read {
		return nil, io.EOF
	}
	d.read = true
	return d.entries, nil
}

func (d *sftpDir) Close() error {
	return nil
}

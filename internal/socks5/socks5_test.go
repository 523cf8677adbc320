package socks5

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestClientDialToServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		auth Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			var g errgroup.Group
			g.Go(func() error {
				if err := ServerNegotiate(serverConn, tt.auth); err != nil {
					return err
				}

				req, err := ServerReadRequest(serverConn)
				if err != nil {
					return err
				}
				if req.Cmd != CmdConnect {
					return fmt.Errorf("unexpected command: %d", req.Cmd)
				}

				return WriteSuccessReply(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			if err := ClientDial(clientConn, tt.auth, "127.0.0.1:80"); err != nil {
				t.Fatal(err)
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestServerRejectsBadPassword(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var g errgroup.Group
	g.Go(func() error {
		return ServerNegotiate(serverConn, Auth{Username: "user", Password: "pass"})
	})

	err := ClientNegotiate(clientConn, Auth{Username: "user", Password: "wrong"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if err := g.Wait(); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected server ErrAuthFailed, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var g errgroup.Group
	g.Go(func() error {
		if err := ServerNegotiate(serverConn, Auth{}); err != nil {
			return err
		}
		req, err := ServerReadRequest(serverConn)
		if err != nil {
			return err
		}
		WriteConnectionRefusedReply(serverConn, req.Atyp)
		return nil
	})

	err := ClientDial(clientConn, Auth{}, "127.0.0.1:80")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

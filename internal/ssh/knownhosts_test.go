package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/testutil"
)

func mustGenerateKey(t *testing.T) engine.HostKey {
	t.Helper()

	signer, err := testutil.GenerateSigner()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return engine.NewHostKey(signer.PublicKey())
}

func mustLoad(t *testing.T, path string) *KnownHosts {
	t.Helper()

	k := NewKnownHosts(nil)
	if err := k.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return k
}

func TestKnownHosts(t *testing.T) {
	t.Parallel()

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}

	t.Run("creates directory and file if missing", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "subdir", "known_hosts")
		mustLoad(t, path)

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("file not created: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("expected file mode 0600, got %o", info.Mode().Perm())
		}
	})

	t.Run("unknown host is not found", func(t *testing.T) {
		t.Parallel()

		k := mustLoad(t, filepath.Join(t.TempDir(), "known_hosts"))
		status, err := k.Check("192.0.2.1:22", addr, mustGenerateKey(t))
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if status != engine.HostKeyNotFound {
			t.Fatalf("expected not found, got %v", status)
		}
	})

	t.Run("added key matches before saving", func(t *testing.T) {
		t.Parallel()

		k := NewKnownHosts(nil)
		key := mustGenerateKey(t)
		if err := k.Add("example.com:2222", key); err != nil {
			t.Fatalf("Add: %v", err)
		}

		if status, _ := k.Check("example.com:2222", nil, key); status != engine.HostKeyMatch {
			t.Fatalf("expected match, got %v", status)
		}
		if status, _ := k.Check("example.com:2222", nil, mustGenerateKey(t)); status != engine.HostKeyMismatch {
			t.Fatalf("expected mismatch, got %v", status)
		}
	})

	t.Run("saved key survives reload", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		key := mustGenerateKey(t)

		k := mustLoad(t, path)
		if err := k.Add("192.0.2.1:22", key); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if err := k.SaveFile(""); err != nil {
			t.Fatalf("SaveFile: %v", err)
		}

		data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
		if err != nil {
			t.Fatalf("reading known_hosts: %v", err)
		}
		if !strings.Contains(string(data), "192.0.2.1") {
			t.Errorf("expected file to contain host, got: %s", data)
		}

		k2 := mustLoad(t, path)
		if status, err := k2.Check("192.0.2.1:22", addr, key); err != nil || status != engine.HostKeyMatch {
			t.Fatalf("expected match, got %v (%v)", status, err)
		}
	})

	t.Run("different key is a mismatch", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		k := mustLoad(t, path)
		if err := k.Add("192.0.2.1:22", mustGenerateKey(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if err := k.SaveFile(path); err != nil {
			t.Fatalf("SaveFile: %v", err)
		}

		status, err := mustLoad(t, path).Check("192.0.2.1:22", addr, mustGenerateKey(t))
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if status != engine.HostKeyMismatch {
			t.Fatalf("expected mismatch, got %v", status)
		}
	})

	t.Run("file key matches after a different key is added", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		trusted := mustGenerateKey(t)
		pub, err := trusted.PublicKey()
		if err != nil {
			t.Fatal(err)
		}
		line := knownhosts.Line([]string{knownhosts.Normalize("192.0.2.1:22")}, pub) + "\n"
		if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
			t.Fatalf("writing known_hosts: %v", err)
		}

		k := mustLoad(t, path)
		if err := k.Add("192.0.2.1:22", mustGenerateKey(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}

		if status, err := k.Check("192.0.2.1:22", addr, trusted); err != nil || status != engine.HostKeyMatch {
			t.Fatalf("expected file entry to match, got %v (%v)", status, err)
		}
		if status, _ := k.Check("192.0.2.1:22", addr, mustGenerateKey(t)); status != engine.HostKeyMismatch {
			t.Fatalf("expected mismatch, got %v", status)
		}
	})

	t.Run("non-standard port is normalized", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		key := mustGenerateKey(t)
		pub, err := key.PublicKey()
		if err != nil {
			t.Fatal(err)
		}
		line := knownhosts.Line([]string{knownhosts.Normalize("192.0.2.1:2222")}, pub) + "\n"
		if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
			t.Fatalf("writing known_hosts: %v", err)
		}

		k := mustLoad(t, path)
		if status, _ := k.Check("192.0.2.1:2222", nil, key); status != engine.HostKeyMatch {
			t.Fatalf("expected match on 2222, got %v", status)
		}
		if status, _ := k.Check("192.0.2.1:22", nil, key); status != engine.HostKeyNotFound {
			t.Fatalf("expected not found on 22, got %v", status)
		}
	})

	t.Run("works with existing known_hosts file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "known_hosts")
		key := mustGenerateKey(t)
		pub, err := key.PublicKey()
		if err != nil {
			t.Fatal(err)
		}

		line := "192.0.2.1 " + string(ssh.MarshalAuthorizedKey(pub))
		if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
			t.Fatalf("writing known_hosts: %v", err)
		}

		if status, err := mustLoad(t, path).Check("192.0.2.1:22", addr, key); err != nil || status != engine.HostKeyMatch {
			t.Fatalf("expected existing entry to match, got %v (%v)", status, err)
		}
	})

	t.Run("save without a file fails", func(t *testing.T) {
		t.Parallel()

		k := NewKnownHosts(nil)
		if err := k.Add("example.com:22", mustGenerateKey(t)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if err := k.SaveFile(""); err == nil {
			t.Fatal("expected error saving without a path")
		}
	})
}

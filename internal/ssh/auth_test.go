package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func startAgent(t *testing.T) {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: key}))

	// Unix socket paths are length limited, so avoid t.TempDir's long names.
	dir, err := os.MkdirTemp("", "agent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "sock")
	var lc net.ListenConfig
	ln, err := lc.Listen(t.Context(), "unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", socket)
}

// Not parallel: uses t.Setenv and the process-wide agent runtime.
func TestAgentRefcount(t *testing.T) {
	startAgent(t)
	require.True(t, AgentAvailable())

	a, err := AcquireAgent()
	require.NoError(t, err)
	b, err := AcquireAgent()
	require.NoError(t, err)
	assert.Equal(t, 2, agentRefs())

	signers, err := a.Signers()
	require.NoError(t, err)
	assert.Len(t, signers, 1)

	require.NoError(t, a.Release())
	require.NoError(t, a.Release())
	assert.Equal(t, 1, agentRefs())

	signers, err = b.Signers()
	require.NoError(t, err)
	assert.Len(t, signers, 1)

	require.NoError(t, b.Release())
	assert.Equal(t, 0, agentRefs())

	_, err = b.Signers()
	assert.Error(t, err)
}

func TestLoadSignersAgent(t *testing.T) {
	startAgent(t)

	signers, release, err := LoadSigners(AgentAuthType)
	require.NoError(t, err)
	assert.Len(t, signers, 1)
	assert.Equal(t, 1, agentRefs())

	require.NoError(t, release())
	assert.Equal(t, 0, agentRefs())
}

func TestLoadSignersWithoutAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, release, err := LoadSigners(AgentAuthType)
	require.Error(t, err)
	require.NoError(t, release())
	assert.Equal(t, 0, agentRefs())
}

func TestLoadSigners(t *testing.T) {
	t.Parallel()

	t.Run("empty path", func(t *testing.T) {
		t.Parallel()

		signers, release, err := LoadSigners("")
		require.NoError(t, err)
		assert.Nil(t, signers)
		require.NoError(t, release())
	})

	t.Run("key file", func(t *testing.T) {
		t.Parallel()

		_, key, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		block, err := ssh.MarshalPrivateKey(key, "")
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "id_ed25519")
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

		signers, release, err := LoadSigners(path)
		require.NoError(t, err)
		require.Len(t, signers, 1)
		assert.Equal(t, ssh.KeyAlgoED25519, signers[0].PublicKey().Type())
		require.NoError(t, release())
	})

	t.Run("missing key file", func(t *testing.T) {
		t.Parallel()

		_, _, err := LoadSigners(filepath.Join(t.TempDir(), "missing"))
		assert.ErrorContains(t, err, "reading key file")
	})

	t.Run("garbage key file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "bad")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

		_, _, err := LoadSigners(path)
		assert.ErrorContains(t, err, "parsing key file")
	})
}

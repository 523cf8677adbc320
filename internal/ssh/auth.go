package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special key path that selects the SSH agent.
const AgentAuthType = "agent"

// AgentAvailable returns true if the SSH agent socket is available.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// agentRuntime is the process-wide agent connection. It is dialed on the
// first Acquire and closed on the last Release.
var agentRuntime struct {
	mu     sync.Mutex
	refs   int
	conn   net.Conn
	client agent.ExtendedAgent
}

// AgentRef is one reference to the shared agent connection.
type AgentRef struct {
	once sync.Once
}

// AcquireAgent returns a reference to the shared SSH agent connection,
// dialing SSH_AUTH_SOCK if no reference is live.
func AcquireAgent() (*AgentRef, error) {
	agentRuntime.mu.Lock()
	defer agentRuntime.mu.Unlock()

	if agentRuntime.refs == 0 {
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errors.New("SSH_AUTH_SOCK not set")
		}

		var d net.Dialer
		conn, err := d.DialContext(context.Background(), "unix", socket)
		if err != nil {
			return nil, fmt.Errorf("connecting to SSH agent: %w", err)
		}
		agentRuntime.conn = conn
		agentRuntime.client = agent.NewClient(conn)
	}
	agentRuntime.refs++
	return &AgentRef{}, nil
}

// Signers returns the agent's keys.
func (r *AgentRef) Signers() ([]ssh.Signer, error) {
	agentRuntime.mu.Lock()
	client := agentRuntime.client
	agentRuntime.mu.Unlock()
	if client == nil {
		return nil, errors.New("SSH agent released")
	}

	signers, err := client.Signers()
	if err != nil {
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		return nil, errors.New("no keys available in SSH agent")
	}
	return signers, nil
}

// Release drops the reference. Only the first call on a ref counts.
func (r *AgentRef) Release() error {
	var err error
	r.once.Do(func() {
		agentRuntime.mu.Lock()
		defer agentRuntime.mu.Unlock()

		agentRuntime.refs--
		if agentRuntime.refs > 0 {
			return
		}
		err = agentRuntime.conn.Close()
		agentRuntime.conn = nil
		agentRuntime.client = nil
	})
	return err
}

// agentRefs reports the live reference count.
func agentRefs() int {
	agentRuntime.mu.Lock()
	defer agentRuntime.mu.Unlock()
	return agentRuntime.refs
}

// LoadPrivateKey reads and parses an OpenSSH private key file.
// Supports RSA, Ed25519, ECDSA, and DSA key types.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	return signer, nil
}

// LoadSigners loads SSH signers based on the keyPath value:
//   - "agent": signers from the shared SSH agent connection
//   - "": returns nil (no key authentication)
//   - otherwise: loads the private key file at the given path
//
// The returned release func must be called once the signers are no longer
// needed; it is never nil.
func LoadSigners(keyPath string) ([]ssh.Signer, func() error, error) {
	noop := func() error { return nil }

	switch keyPath {
	case "":
		return nil, noop, nil
	case AgentAuthType:
		ref, err := AcquireAgent()
		if err != nil {
			return nil, noop, err
		}
		signers, err := ref.Signers()
		if err != nil {
			_ = ref.Release()
			return nil, noop, err
		}
		return signers, ref.Release, nil
	default:
		signer, err := LoadPrivateKey(keyPath)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.Signer{signer}, noop, nil
	}
}

package engine

import (
	"crypto/md5" //nolint:gosec // Legacy host key hash, not used for security decisions.

	"golang.org/x/crypto/ssh"
)

// KeyType classifies a host key.
type KeyType int

const (
	KeyUnknown KeyType = iota
	KeyRSA
	KeyDSS
	KeyECDSA
	KeyEd25519
)

func (t KeyType) String() string {
	switch t {
	case KeyRSA:
		return "rsa"
	case KeyDSS:
		return "dss"
	case KeyECDSA:
		return "ecdsa"
	case KeyEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

// HostKey is the fingerprint record of a server's host key.
type HostKey struct {
	Type KeyType
	// Key is the key in SSH wire format.
	Key []byte
	// Hash is the MD5 digest of Key.
	Hash []byte
}

// NewHostKey builds a HostKey from a parsed public key.
func NewHostKey(pub ssh.PublicKey) HostKey {
	raw := pub.Marshal()
	sum := md5.Sum(raw) //nolint:gosec // See import.
	return HostKey{
		Type: keyType(pub.Type()),
		Key:  raw,
		Hash: sum[:],
	}
}

// PublicKey parses Key.
func (k HostKey) PublicKey() (ssh.PublicKey, error) {
	return ssh.ParsePublicKey(k.Key)
}

// Fingerprint returns the SHA256 fingerprint in OpenSSH format, or "" if
// Key does not parse.
func (k HostKey) Fingerprint() string {
	pub, err := k.PublicKey()
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(pub)
}

func keyType(algo string) KeyType {
	switch algo {
	case ssh.KeyAlgoRSA:
		return KeyRSA
	case ssh.KeyAlgoDSA: //nolint:staticcheck // DSS keys are still reported.
		return KeyDSS
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return KeyECDSA
	case ssh.KeyAlgoED25519:
		return KeyEd25519
	default:
		return KeyUnknown
	}
}

// HostKeyStatus is the result of checking a host key against known hosts.
type HostKeyStatus int

const (
	HostKeyUnchecked HostKeyStatus = iota
	HostKeyMatch
	HostKeyMismatch
	HostKeyNotFound
)

func (s HostKeyStatus) String() string {
	switch s {
	case HostKeyMatch:
		return "match"
	case HostKeyMismatch:
		return "mismatch"
	case HostKeyNotFound:
		return "not found"
	default:
		return "unchecked"
	}
}

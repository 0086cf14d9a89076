package sshkeys

import (
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/ssh"

	"github.com/tomertec/sshmanager-sub001/internal/logutil"
	"github.com/tomertec/sshmanager-sub001/internal/transport"
)

// FingerprintMismatchError is returned when a key fingerprint does not match the
// expected value. This may indicate key tampering or a MITM attack.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s (possible key tampering or MITM attack)", e.Host, e.Expected, e.Actual)
	}
	return fmt.Sprintf("SSH key fingerprint mismatch: expected %s, got %s (possible key tampering or MITM attack)", e.Expected, e.Actual)
}

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public key.
// The publicKey should be in SSH authorized_keys format (e.g. "ssh-ed25519 AAAA...").
// Returns the fingerprint in standard format (SHA256:xxx).
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// VerifyFingerprint checks that the given public key matches the expected
// fingerprint. Returns nil if the fingerprint matches or if expectedFingerprint
// is empty (first-use scenario). Returns a *FingerprintMismatchError if the
// fingerprints differ.
func VerifyFingerprint(publicKey []byte, expectedFingerprint string) error {
	if expectedFingerprint == "" {
		return nil
	}

	actual, err := GetPublicKeyFingerprint(publicKey)
	if err != nil {
		return fmt.Errorf("verify fingerprint: %w", err)
	}

	if actual != expectedFingerprint {
		return &FingerprintMismatchError{
			Expected: expectedFingerprint,
			Actual:   actual,
		}
	}

	return nil
}

// PinnedVerifier accepts only host keys whose SHA256 fingerprint equals
// expected, without consulting next. An empty expected returns next.
func PinnedVerifier(expected string, next transport.HostKeyVerifier) transport.HostKeyVerifier {
	if expected == "" {
		return next
	}
	return func(host string, port int, algorithm, fingerprint string, rawKey []byte) bool {
		addr := logutil.Addr(host, port)
		pub, err := ssh.ParsePublicKey(rawKey)
		if err != nil {
			log.Printf("[sshkeys] rejecting %s: unparseable host key: %v", addr, err)
			return false
		}
		if err := VerifyFingerprint(ssh.MarshalAuthorizedKey(pub), expected); err != nil {
			var mismatch *FingerprintMismatchError
			if errors.As(err, &mismatch) {
				mismatch.Host = addr
			}
			log.Printf("[sshkeys] WARNING: %v", err)
			return false
		}
		return true
	}
}

package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/tomertec/sshmanager-sub001/internal/database"
	"github.com/tomertec/sshmanager-sub001/internal/logutil"
)

// ErrUnknownHost is returned by Check when the host has no recorded key and
// AllowNew is false.
var ErrUnknownHost = errors.New("host key not trusted: unknown host")

// KnownHosts verifies host keys against the database using Trust On First Use.
type KnownHosts struct {
	// AllowNew records and accepts keys for hosts seen for the first time.
	AllowNew bool

	// serializes check-then-record so two concurrent first contacts cannot
	// both record a key
	mu sync.Mutex
}

func NewKnownHosts() *KnownHosts {
	return &KnownHosts{AllowNew: true}
}

// Check validates key for the logical address host:port.
func (k *KnownHosts) Check(host string, port int, key ssh.PublicKey) error {
	if key == nil {
		return fmt.Errorf("check host key: key is nil")
	}
	return k.check(host, port, key.Type(), ssh.FingerprintSHA256(key), key.Marshal())
}

// Verify has the shape of transport.HostKeyVerifier.
func (k *KnownHosts) Verify(host string, port int, algorithm, fingerprint string, rawKey []byte) bool {
	return k.check(host, port, algorithm, fingerprint, rawKey) == nil
}

func (k *KnownHosts) check(host string, port int, algorithm, fingerprint string, rawKey []byte) error {
	addr := logutil.Addr(host, port)

	k.mu.Lock()
	defer k.mu.Unlock()

	known, err := database.GetKnownHost(addr, algorithm)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[sshkeys] known-host lookup for %s failed: %v", addr, err)
		return fmt.Errorf("lookup known host %s: %w", addr, err)
	}

	if known == nil {
		if !k.AllowNew {
			log.Printf("[sshkeys] rejecting unknown host %s (%s %s)", addr, algorithm, fingerprint)
			return fmt.Errorf("%w: %s", ErrUnknownHost, addr)
		}
		kh := &database.KnownHost{
			Host:        addr,
			Algorithm:   algorithm,
			Fingerprint: fingerprint,
			PublicKey:   authorizedKey(rawKey),
		}
		if err := database.SaveKnownHost(kh); err != nil {
			return fmt.Errorf("record known host %s: %w", addr, err)
		}
		log.Printf("[sshkeys] trusted new host %s (%s %s)", addr, algorithm, fingerprint)
		return nil
	}

	if known.Fingerprint != fingerprint {
		log.Printf("[sshkeys] WARNING: host key for %s changed: expected %s, got %s (possible MITM)", addr, known.Fingerprint, fingerprint)
		return &FingerprintMismatchError{Host: addr, Expected: known.Fingerprint, Actual: fingerprint}
	}

	if err := database.TouchKnownHost(known.ID); err != nil {
		log.Printf("[sshkeys] update last seen for %s: %v", addr, err)
	}
	return nil
}

func authorizedKey(raw []byte) string {
	pub, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

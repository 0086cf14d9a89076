// Package auth turns hop descriptions into SSH authentication methods.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/tomertec/sshmanager-sub001/internal/crypto"
	"github.com/tomertec/sshmanager-sub001/internal/proxychain"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
	"github.com/tomertec/sshmanager-sub001/internal/sshkeys"
)

// Supported Hop.AuthType values.
const (
	TypeKey      = "key"
	TypePassword = "password"
	TypeAgent    = "agent"
)

var (
	ErrUnsupported     = errors.New("unsupported auth type")
	ErrMissingKeyPath  = errors.New("key auth requires key_path")
	ErrMissingPassword = errors.New("password auth requires a password")
	ErrNoAgent         = errors.New("SSH_AUTH_SOCK is not set")
)

// Provider resolves credentials from the hop itself: key files on disk,
// fernet-encrypted or plain passwords, or the running SSH agent.
type Provider struct {
	// Decrypt opens encrypted passwords; nil means crypto.Decrypt.
	Decrypt func(string) (string, error)
}

func NewProvider() *Provider {
	return &Provider{}
}

// Type resolves the effective auth type of hop, inferring it from the
// populated fields when AuthType is empty.
func Type(hop proxychain.Hop) string {
	if hop.AuthType != "" {
		return hop.AuthType
	}
	switch {
	case hop.KeyPath != "":
		return TypeKey
	case hop.Password != "":
		return TypePassword
	default:
		return TypeAgent
	}
}

// AuthMethods implements proxychain.AuthProvider. Configuration errors are
// permanent so they are never retried.
func (p *Provider) AuthMethods(ctx context.Context, hop proxychain.Hop) ([]ssh.AuthMethod, []io.Closer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	switch t := Type(hop); t {
	case TypeKey:
		return p.keyAuth(hop)
	case TypePassword:
		return p.passwordAuth(hop)
	case TypeAgent:
		return agentAuth()
	default:
		return nil, nil, retry.Permanent(fmt.Errorf("%w: %q", ErrUnsupported, t))
	}
}

// keyMaterial wipes the raw key bytes once the chain no longer needs them.
type keyMaterial struct {
	data []byte
}

func (k *keyMaterial) Close() error {
	sshkeys.Wipe(k.data)
	return nil
}

func (p *Provider) keyAuth(hop proxychain.Hop) ([]ssh.AuthMethod, []io.Closer, error) {
	if hop.KeyPath == "" {
		return nil, nil, retry.Permanent(ErrMissingKeyPath)
	}
	data, err := sshkeys.ReadPrivateKeyFile(hop.KeyPath)
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}
	km := &keyMaterial{data: data}

	var signer ssh.Signer
	if hop.Password != "" {
		pass, derr := p.decrypt(hop.Password)
		if derr != nil {
			km.Close()
			return nil, nil, retry.Permanent(derr)
		}
		signer, err = sshkeys.ParsePrivateKeyWithPassphrase(data, []byte(pass))
	} else {
		signer, err = sshkeys.ParsePrivateKey(data)
	}
	if err != nil {
		km.Close()
		return nil, nil, retry.Permanent(err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, []io.Closer{km}, nil
}

func (p *Provider) passwordAuth(hop proxychain.Hop) ([]ssh.AuthMethod, []io.Closer, error) {
	if hop.Password == "" {
		return nil, nil, retry.Permanent(ErrMissingPassword)
	}
	pass, err := p.decrypt(hop.Password)
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}
	return []ssh.AuthMethod{ssh.Password(pass)}, nil, nil
}

func (p *Provider) decrypt(value string) (string, error) {
	if !crypto.LooksEncrypted(value) {
		return value, nil
	}
	decrypt := p.Decrypt
	if decrypt == nil {
		decrypt = crypto.Decrypt
	}
	plain, err := decrypt(value)
	if err != nil {
		return "", fmt.Errorf("decrypt stored password: %w", err)
	}
	return plain, nil
}

// agentAuth uses the agent at SSH_AUTH_SOCK. The agent socket is returned as
// a disposable and stays open for the lifetime of the connection.
func agentAuth() ([]ssh.AuthMethod, []io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, retry.Permanent(ErrNoAgent)
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to ssh agent: %w", err)
	}
	client := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, []io.Closer{conn}, nil
}

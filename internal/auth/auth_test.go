package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/tomertec/sshmanager-sub001/internal/crypto"
	"github.com/tomertec/sshmanager-sub001/internal/database"
	"github.com/tomertec/sshmanager-sub001/internal/proxychain"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
	"github.com/tomertec/sshmanager-sub001/internal/sshkeys"
	"github.com/tomertec/sshmanager-sub001/internal/sshtest"
	"github.com/tomertec/sshmanager-sub001/internal/transport"
)

func connectWith(t *testing.T, srv *sshtest.Server, methods []ssh.AuthMethod) error {
	t.Helper()
	c, err := transport.Connect(context.Background(),
		transport.Target{Host: srv.Host, Port: srv.Port, User: "tester"},
		transport.Options{Auth: methods})
	if err == nil {
		c.Close()
	}
	return err
}

func TestType(t *testing.T) {
	tests := []struct {
		hop  proxychain.Hop
		want string
	}{
		{proxychain.Hop{AuthType: "password", KeyPath: "/k"}, TypePassword},
		{proxychain.Hop{KeyPath: "/k"}, TypeKey},
		{proxychain.Hop{Password: "x"}, TypePassword},
		{proxychain.Hop{}, TypeAgent},
	}
	for _, tt := range tests {
		if got := Type(tt.hop); got != tt.want {
			t.Errorf("Type(%+v) = %q, want %q", tt.hop, got, tt.want)
		}
	}
}

func TestKeyAuth(t *testing.T) {
	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := sshkeys.SavePrivateKey(path, priv); err != nil {
		t.Fatalf("SavePrivateKey: %v", err)
	}
	authorized, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: authorized})

	methods, closers, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{AuthType: TypeKey, KeyPath: path})
	if err != nil {
		t.Fatalf("AuthMethods: %v", err)
	}
	if len(closers) != 1 {
		t.Fatalf("got %d closers, want 1", len(closers))
	}
	if err := connectWith(t, srv, methods); err != nil {
		t.Fatalf("connect with key: %v", err)
	}

	km := closers[0].(*keyMaterial)
	closers[0].Close()
	for _, b := range km.data {
		if b != 0 {
			t.Fatal("key material not wiped on Close")
		}
	}
}

func TestKeyAuth_Errors(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	_, _, err := p.AuthMethods(ctx, proxychain.Hop{AuthType: TypeKey})
	if !errors.Is(err, ErrMissingKeyPath) {
		t.Errorf("missing key path: %v", err)
	}

	_, _, err = p.AuthMethods(ctx, proxychain.Hop{KeyPath: filepath.Join(t.TempDir(), "nope")})
	if err == nil || retry.IsTransient(err) {
		t.Errorf("unreadable key should be a permanent error, got %v", err)
	}
}

func TestPasswordAuth_Plain(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "s3cret"})
	methods, closers, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{Password: "s3cret"})
	if err != nil {
		t.Fatalf("AuthMethods: %v", err)
	}
	if len(closers) != 0 {
		t.Errorf("password auth returned %d closers", len(closers))
	}
	if err := connectWith(t, srv, methods); err != nil {
		t.Fatalf("connect with password: %v", err)
	}
}

func TestPasswordAuth_Encrypted(t *testing.T) {
	if err := database.Open(":memory:"); err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	token, err := crypto.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	srv := sshtest.NewServer(t, sshtest.Options{Password: "s3cret"})
	methods, _, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{AuthType: TypePassword, Password: token})
	if err != nil {
		t.Fatalf("AuthMethods: %v", err)
	}
	if err := connectWith(t, srv, methods); err != nil {
		t.Fatalf("connect with decrypted password: %v", err)
	}
}

func TestPasswordAuth_DecryptFailure(t *testing.T) {
	p := &Provider{Decrypt: func(string) (string, error) { return "", crypto.ErrInvalidToken }}
	_, _, err := p.AuthMethods(context.Background(), proxychain.Hop{AuthType: TypePassword, Password: "gAAAAAbogus"})
	if !errors.Is(err, crypto.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if retry.IsTransient(err) {
		t.Error("decrypt failure classified as transient")
	}

	_, _, err = p.AuthMethods(context.Background(), proxychain.Hop{AuthType: TypePassword})
	if !errors.Is(err, ErrMissingPassword) {
		t.Errorf("empty password: %v", err)
	}
}

func TestUnsupportedType(t *testing.T) {
	_, _, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{AuthType: "kerberos"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewProvider().AuthMethods(ctx, proxychain.Hop{Password: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAgentAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: priv}); err != nil {
		t.Fatalf("add key: %v", err)
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen agent socket: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				agent.ServeAgent(keyring, c)
			}()
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})

	methods, closers, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{AuthType: TypeAgent})
	if err != nil {
		t.Fatalf("AuthMethods: %v", err)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if len(closers) != 1 {
		t.Fatalf("got %d closers, want the agent connection", len(closers))
	}
	if err := connectWith(t, srv, methods); err != nil {
		t.Fatalf("connect with agent: %v", err)
	}
}

func TestAgentAuth_NoSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, _, err := NewProvider().AuthMethods(context.Background(), proxychain.Hop{AuthType: TypeAgent})
	if !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}
}

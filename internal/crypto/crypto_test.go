package crypto

import (
	"errors"
	"testing"

	"github.com/tomertec/sshmanager-sub001/internal/database"
)

func setupDB(t *testing.T) {
	t.Helper()
	if err := database.Open(":memory:"); err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
}

func TestEncryptDecrypt(t *testing.T) {
	setupDB(t)

	tok, err := Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "hunter2" {
		t.Fatal("token equals plaintext")
	}
	if !LooksEncrypted(tok) {
		t.Errorf("LooksEncrypted(%q) = false", tok)
	}

	got, err := Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Decrypt = %q, want hunter2", got)
	}
}

func TestKeyPersistedAcrossCalls(t *testing.T) {
	setupDB(t)

	if _, err := Encrypt("a"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	k1, err := database.GetSetting(keySetting)
	if err != nil {
		t.Fatalf("key not stored: %v", err)
	}
	if _, err := Encrypt("b"); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	k2, _ := database.GetSetting(keySetting)
	if k1 != k2 {
		t.Error("fernet key regenerated on second use")
	}
}

func TestDecryptInvalid(t *testing.T) {
	setupDB(t)

	if _, err := Decrypt("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Decrypt(garbage) = %v, want ErrInvalidToken", err)
	}
	if got, err := Decrypt(""); err != nil || got != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", got, err)
	}
}

func TestLooksEncrypted(t *testing.T) {
	if LooksEncrypted("plain-password") {
		t.Error("plain value reported as encrypted")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"abc":       "****",
		"secret123": "****t123",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

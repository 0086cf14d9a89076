package profiles

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sample = `
profiles:
  - name: direct
    hops:
      - {host: web.example.com, user: deploy, auth: key, key_path: ~/.ssh/id_ed25519}
  - name: via-bastion
    auto_connect: true
    auto_reconnect: false
    max_attempts: 7
    hops:
      - {name: bastion, host: bastion.example.com, port: 2200, user: ops, auth: agent}
      - {host: 10.0.3.7, user: dba, auth: password, password: hunter2}
`

func TestParse(t *testing.T) {
	ps, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("got %d profiles", len(ps))
	}

	direct := ps[0]
	if direct.Target().Port != 22 {
		t.Errorf("default port = %d, want 22", direct.Target().Port)
	}
	if direct.Target().KeyPath != "~/.ssh/id_ed25519" || direct.Target().AuthType != "key" {
		t.Errorf("direct hop = %+v", direct.Target())
	}
	if !direct.ReconnectEnabled() || direct.AutoConnect {
		t.Errorf("direct defaults: reconnect=%v auto_connect=%v", direct.ReconnectEnabled(), direct.AutoConnect)
	}

	chain := ps[1]
	if len(chain.Hops) != 2 || chain.Hops[0].Port != 2200 || chain.Hops[0].Name != "bastion" {
		t.Errorf("chain hops = %+v", chain.Hops)
	}
	if chain.ReconnectEnabled() || !chain.AutoConnect || chain.MaxAttempts != 7 {
		t.Errorf("chain flags = %+v", chain)
	}
	if chain.Target().Password != "hunter2" {
		t.Error("password not decoded")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"no name":   "profiles:\n  - hops: [{host: a, user: u}]\n",
		"no hops":   "profiles:\n  - name: x\n",
		"no host":   "profiles:\n  - name: x\n    hops: [{user: u}]\n",
		"no user":   "profiles:\n  - name: x\n    hops: [{host: a}]\n",
		"bad port":  "profiles:\n  - name: x\n    hops: [{host: a, user: u, port: 70000}]\n",
		"duplicate": "profiles:\n  - name: x\n    hops: [{host: a, user: u}]\n  - name: x\n    hops: [{host: b, user: u}]\n",
		"negative":  "profiles:\n  - name: x\n    max_attempts: -1\n    hops: [{host: a, user: u}]\n",
		"bad pin":   "profiles:\n  - name: x\n    hops: [{host: a, user: u, host_key_fingerprint: \"MD5:aa\"}]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("expected ErrInvalidProfile, got %v", err)
			}
		})
	}

	if _, err := Parse([]byte("profiles: [")); err == nil || errors.Is(err, ErrInvalidProfile) {
		t.Errorf("malformed YAML: %v", err)
	}
}

func TestLoad(t *testing.T) {
	ps, err := Load("")
	if err != nil || ps != nil {
		t.Errorf("Load(\"\") = %v, %v", ps, err)
	}

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(sample), 0600); err != nil {
		t.Fatal(err)
	}
	ps, err = Load(path)
	if err != nil || len(ps) != 2 {
		t.Fatalf("Load = %d profiles, %v", len(ps), err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

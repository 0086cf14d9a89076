// Package profiles loads named connection profiles from YAML.
//
//	profiles:
//	  - name: prod-db
//	    auto_connect: true
//	    max_attempts: 5
//	    hops:
//	      - {name: bastion, host: bastion.example.com, user: ops, auth: agent}
//	      - {host: 10.0.3.7, port: 2222, user: dba, auth: key, key_path: ~/.ssh/id_ed25519,
//	         host_key_fingerprint: "SHA256:47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU"}
package profiles

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomertec/sshmanager-sub001/internal/proxychain"
)

const defaultPort = 22

var ErrInvalidProfile = errors.New("invalid profile")

// Profile is one destination, reached directly (one hop) or through a chain.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	AutoConnect bool   `yaml:"auto_connect" json:"auto_connect"`
	// AutoReconnect defaults to true when omitted.
	AutoReconnect *bool `yaml:"auto_reconnect" json:"auto_reconnect,omitempty"`
	// MaxAttempts overrides the global reconnect budget when > 0.
	MaxAttempts int              `yaml:"max_attempts" json:"max_attempts,omitempty"`
	Hops        []proxychain.Hop `yaml:"hops" json:"hops"`
}

// ReconnectEnabled resolves AutoReconnect.
func (p Profile) ReconnectEnabled() bool {
	return p.AutoReconnect == nil || *p.AutoReconnect
}

// Target is the final hop.
func (p Profile) Target() proxychain.Hop {
	return p.Hops[len(p.Hops)-1]
}

// Validate checks the fields a connection needs.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidProfile)
	}
	if len(p.Hops) == 0 {
		return fmt.Errorf("%w %q: no hops", ErrInvalidProfile, p.Name)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%w %q: negative max_attempts", ErrInvalidProfile, p.Name)
	}
	for i, h := range p.Hops {
		if h.Host == "" {
			return fmt.Errorf("%w %q: hop %d has no host", ErrInvalidProfile, p.Name, i)
		}
		if h.User == "" {
			return fmt.Errorf("%w %q: hop %d has no user", ErrInvalidProfile, p.Name, i)
		}
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("%w %q: hop %d port %d out of range", ErrInvalidProfile, p.Name, i, h.Port)
		}
		if h.HostKeyFingerprint != "" && !strings.HasPrefix(h.HostKeyFingerprint, "SHA256:") {
			return fmt.Errorf("%w %q: hop %d host_key_fingerprint must start with SHA256:", ErrInvalidProfile, p.Name, i)
		}
	}
	return nil
}

type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Parse decodes and validates a profiles document. Hops without a port get
// port 22.
func Parse(data []byte) ([]Profile, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	seen := make(map[string]bool, len(f.Profiles))
	for i := range f.Profiles {
		p := &f.Profiles[i]
		for j := range p.Hops {
			if p.Hops[j].Port == 0 {
				p.Hops[j].Port = defaultPort
			}
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidProfile, p.Name)
		}
		seen[p.Name] = true
	}
	return f.Profiles, nil
}

// Load reads path. An empty path yields no profiles.
func Load(path string) ([]Profile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

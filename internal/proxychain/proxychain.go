// Package proxychain reaches a target host through a sequence of SSH jump
// hosts. Each hop is connected through a local forward opened on the hop
// before it, so only the first hop is dialed directly.
//
// A build either returns a complete chain or leaves nothing behind: any
// failure, including cancellation, closes every forward, intermediate client
// and auxiliary resource opened so far before the error is returned.
package proxychain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/logutil"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
	"github.com/tomertec/sshmanager-sub001/internal/sshkeys"
	"github.com/tomertec/sshmanager-sub001/internal/transport"
	"github.com/tomertec/sshmanager-sub001/internal/tunnel"
)

// Hop describes one host in a chain.
type Hop struct {
	Name     string `json:"name,omitempty" yaml:"name"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	AuthType string `json:"auth" yaml:"auth"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path"`
	Password string `json:"-" yaml:"password"`
	// HostKeyFingerprint pins the host key ("SHA256:..."); when set it
	// replaces the shared verifier for this hop.
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty" yaml:"host_key_fingerprint"`
}

func (h Hop) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Verifier returns the host key verifier for h: its pinned fingerprint when
// set, fallback otherwise.
func (h Hop) Verifier(fallback transport.HostKeyVerifier) transport.HostKeyVerifier {
	return sshkeys.PinnedVerifier(h.HostKeyFingerprint, fallback)
}

func (h Hop) String() string {
	if h.Name != "" {
		return logutil.SanitizeForLog(h.Name)
	}
	return logutil.Addr(h.Host, h.Port)
}

// AuthProvider supplies credentials for a hop. Closers are auxiliary
// resources (such as decoded key material) the chain takes ownership of.
type AuthProvider interface {
	AuthMethods(ctx context.Context, hop Hop) ([]ssh.AuthMethod, []io.Closer, error)
}

var (
	ErrChainTooShort = errors.New("proxy chain needs at least two hops")
	ErrPortBind      = errors.New("open local forward")
	ErrNoAuth        = errors.New("no auth provider configured")
)

// HopError attributes a build failure to a hop. It unwraps to the cause, so
// retry classification and errors.Is see through it.
type HopError struct {
	Index int
	Hop   Hop
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("proxy chain hop %d (%s): %v", e.Index, e.Hop, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Builder establishes chains. The zero value is not usable; Auth is required.
type Builder struct {
	Auth                AuthProvider
	Verifier            transport.HostKeyVerifier
	KeyboardInteractive ssh.KeyboardInteractiveChallenge

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration

	// ConnectAttempts retries each hop's connect on transient failures.
	// Values < 1 mean a single attempt.
	ConnectAttempts int
	Backoff         backoff.Config
}

// Build connects every hop in order and returns the assembled chain.
func (b *Builder) Build(ctx context.Context, hops []Hop) (result *Result, err error) {
	if len(hops) < 2 {
		return nil, ErrChainTooShort
	}
	if b.Auth == nil {
		return nil, ErrNoAuth
	}

	start := time.Now()
	r := &Result{}
	defer func() {
		switch {
		case err == nil:
			metrics.ChainBuildsTotal.WithLabelValues("success").Inc()
			metrics.ChainBuildSeconds.Observe(time.Since(start).Seconds())
			log.Printf("[chain] established %d-hop chain to %s in %s", len(hops), hops[len(hops)-1], time.Since(start).Round(time.Millisecond))
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			metrics.ChainBuildsTotal.WithLabelValues("canceled").Inc()
			log.Printf("[chain] build canceled: %v", err)
			r.teardown()
		default:
			metrics.ChainBuildsTotal.WithLabelValues("failure").Inc()
			log.Printf("[chain] build failed: %v", err)
			r.teardown()
		}
	}()

	var dialAddr string
	last := len(hops) - 1
	for i, hop := range hops {
		if err := ctx.Err(); err != nil {
			return nil, &HopError{Index: i, Hop: hop, Err: err}
		}

		methods, closers, err := b.Auth.AuthMethods(ctx, hop)
		r.Disposables = append(r.Disposables, closers...)
		if err != nil {
			return nil, &HopError{Index: i, Hop: hop, Err: fmt.Errorf("auth: %w", err)}
		}
		if b.KeyboardInteractive != nil {
			methods = append(methods, ssh.KeyboardInteractive(b.KeyboardInteractive))
		}

		target := transport.Target{Host: hop.Host, Port: hop.Port, User: hop.User, DialAddr: dialAddr}
		client, err := b.connect(ctx, target, methods, hop.Verifier(b.Verifier))
		if err != nil {
			return nil, &HopError{Index: i, Hop: hop, Err: err}
		}

		if i == last {
			r.Target = client
			break
		}
		r.Intermediates = append(r.Intermediates, client)

		next := hops[i+1]
		fwd, err := tunnel.LocalForward(client, next.Addr())
		if err != nil {
			return nil, &HopError{Index: i, Hop: hop, Err: fmt.Errorf("%w to %s: %w", ErrPortBind, next, err)}
		}
		r.Tunnels = append(r.Tunnels, fwd)
		dialAddr = fwd.LocalAddr()
	}

	return r, nil
}

func (b *Builder) connect(ctx context.Context, target transport.Target, methods []ssh.AuthMethod, verify transport.HostKeyVerifier) (*transport.SSHClient, error) {
	opts := transport.Options{
		Auth:              methods,
		HostKeyVerifier:   verify,
		Timeout:           b.ConnectTimeout,
		KeepaliveInterval: b.KeepaliveInterval,
	}
	return retry.Do(ctx, retry.Options{
		Operation:   "chain hop",
		MaxAttempts: b.ConnectAttempts,
		Backoff:     b.Backoff,
	}, func(ctx context.Context) (*transport.SSHClient, error) {
		return transport.Connect(ctx, target, opts)
	})
}

// Result is an established chain. It satisfies transport.Client by
// delegating to the final target; closing it closes the whole chain.
type Result struct {
	Intermediates []*transport.SSHClient
	Target        *transport.SSHClient
	Tunnels       []*tunnel.Forward
	Disposables   []io.Closer
}

func (r *Result) Dial(network, addr string) (net.Conn, error) {
	if r.Target == nil {
		return nil, transport.ErrNotConnected
	}
	return r.Target.Dial(network, addr)
}

// IsConnected requires every link of the chain to be up.
func (r *Result) IsConnected() bool {
	if r.Target == nil || !r.Target.IsConnected() {
		return false
	}
	for _, c := range r.Intermediates {
		if !c.IsConnected() {
			return false
		}
	}
	return true
}

// Done is closed when the target connection ends. Losing an intermediate
// hop tears down its forward and with it the target connection.
func (r *Result) Done() <-chan struct{} {
	if r.Target == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.Target.Done()
}

// Hops reports the number of SSH connections in the chain.
func (r *Result) Hops() int {
	n := len(r.Intermediates)
	if r.Target != nil {
		n++
	}
	return n
}

// Close disconnects the target and then unwinds the chain.
func (r *Result) Close() error {
	var err error
	if r.Target != nil {
		err = r.Target.Close()
	}
	r.teardown()
	return err
}

// teardown closes forwards and intermediates in reverse creation order,
// then the auxiliary resources. Errors are logged, never returned, so they
// cannot mask the failure that triggered a rollback.
func (r *Result) teardown() {
	for i := len(r.Tunnels) - 1; i >= 0; i-- {
		if err := r.Tunnels[i].Close(); err != nil {
			log.Printf("[chain] close forward 127.0.0.1:%d: %v", r.Tunnels[i].LocalPort, err)
		}
	}
	for i := len(r.Intermediates) - 1; i >= 0; i-- {
		if err := r.Intermediates[i].Close(); err != nil {
			log.Printf("[chain] close intermediate %d: %v", i, err)
		}
	}
	for _, d := range r.Disposables {
		if err := d.Close(); err != nil {
			log.Printf("[chain] dispose auth resource: %v", err)
		}
	}
	r.Tunnels = nil
	r.Intermediates = nil
	r.Disposables = nil
}

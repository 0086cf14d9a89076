// Package transport establishes SSH client connections and defines the
// narrow client contract the pool, the chain builder and the session layer
// depend on.
//
// Optional behavior is expressed as small capability interfaces (Resizer,
// Waiter) that callers type-assert, so a connection that cannot resize a
// terminal simply does not implement Resizer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomertec/sshmanager-sub001/internal/logutil"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
)

const (
	// DefaultConnectTimeout bounds the TCP dial and the SSH handshake.
	DefaultConnectTimeout = 15 * time.Second

	keepaliveRequest = "keepalive@openssh.com"
)

// Client is an owned transport connection.
type Client interface {
	// Dial opens a stream to addr through the connection.
	Dial(network, addr string) (net.Conn, error)
	IsConnected() bool
	Close() error
}

// Resizer is implemented by connections and shells that can change the
// remote terminal size.
type Resizer interface {
	Resize(cols, rows int) error
}

// Waiter is implemented by connections that can signal loss.
type Waiter interface {
	// Done is closed once the connection is gone, whether closed locally or
	// lost remotely.
	Done() <-chan struct{}
}

// HostKeyVerifier decides whether to trust a host key. host and port are the
// logical destination, which differs from the dialed address when the
// connection is tunneled through a local forwarded port.
type HostKeyVerifier func(host string, port int, algorithm, fingerprint string, rawKey []byte) bool

// Target identifies the remote end of a connection.
type Target struct {
	Host string
	Port int
	User string
	// DialAddr overrides the network address actually dialed. Host and Port
	// still identify the destination for host-key verification.
	DialAddr string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) dialAddr() string {
	if t.DialAddr != "" {
		return t.DialAddr
	}
	return t.addr()
}

// Options configures Connect.
type Options struct {
	Auth []ssh.AuthMethod
	// HostKeyVerifier is consulted during the handshake; nil accepts any key.
	HostKeyVerifier HostKeyVerifier
	// Timeout bounds dial and handshake; zero means DefaultConnectTimeout.
	Timeout time.Duration
	// KeepaliveInterval enables periodic keepalive probes when positive.
	KeepaliveInterval time.Duration
}

var (
	// ErrAuthFailed marks a rejected authentication. It is always wrapped as
	// permanent.
	ErrAuthFailed = errors.New("ssh authentication failed")
	// ErrNotConnected is returned when using a client that is already gone.
	ErrNotConnected = errors.New("ssh client not connected")
)

// HostKeyRejectedError reports a host key refused by the verifier.
type HostKeyRejectedError struct {
	Host        string
	Port        int
	Algorithm   string
	Fingerprint string
}

func (e *HostKeyRejectedError) Error() string {
	return fmt.Sprintf("host key rejected for %s (%s %s)", logutil.Addr(e.Host, e.Port), e.Algorithm, e.Fingerprint)
}

// Connect dials target and performs the SSH handshake. It returns promptly
// when ctx is cancelled, closing the half-open socket. Authentication and
// host-key failures are returned wrapped with retry.Permanent.
func Connect(ctx context.Context, target Target, opts Options) (*SSHClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", logutil.Addr(target.Host, target.Port), err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logical := logutil.Addr(target.Host, target.Port)
	addr := target.dialAddr()

	var rejected *HostKeyRejectedError
	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: opts.Auth,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if opts.HostKeyVerifier == nil {
				return nil
			}
			fp := ssh.FingerprintSHA256(key)
			if opts.HostKeyVerifier(target.Host, target.Port, key.Type(), fp, key.Marshal()) {
				return nil
			}
			rejected = &HostKeyRejectedError{Host: target.Host, Port: target.Port, Algorithm: key.Type(), Fingerprint: fp}
			return rejected
		},
		Timeout: timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", logical, err)
	}

	// The handshake itself does not observe ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	netConn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, logical, cfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", logical, ctxErr)
		}
		if rejected != nil {
			return nil, retry.Permanent(fmt.Errorf("ssh handshake with %s: %w", logical, rejected))
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, retry.Permanent(fmt.Errorf("%w for %s@%s: %w", ErrAuthFailed, logutil.SanitizeForLog(target.User), logical, err))
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", logical, err)
	}
	if !stopped {
		// ctx fired after the handshake completed but before we disarmed it.
		sshConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", logical, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	c := newSSHClient(ssh.NewClient(sshConn, chans, reqs), target)
	if opts.KeepaliveInterval > 0 {
		go c.keepalive(opts.KeepaliveInterval)
	}
	log.Printf("[ssh] connected to %s@%s", logutil.SanitizeForLog(target.User), logical)
	return c, nil
}

// SSHClient is a live SSH connection. It implements Client and Waiter.
type SSHClient struct {
	client *ssh.Client
	target Target

	ConnectedAt time.Time

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSSHClient(client *ssh.Client, target Target) *SSHClient {
	c := &SSHClient{
		client:      client,
		target:      target,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
	go func() {
		client.Wait()
		close(c.done)
	}()
	return c
}

func (c *SSHClient) Target() Target { return c.target }

// Raw exposes the underlying client for session-level operations.
func (c *SSHClient) Raw() *ssh.Client { return c.client }

func (c *SSHClient) Dial(network, addr string) (net.Conn, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.client.Dial(network, addr)
}

// IsConnected reports whether the connection is still up. It does not touch
// the network; the keepalive loop is what turns a silent peer into a closed
// connection.
func (c *SSHClient) IsConnected() bool {
	select {
	case <-c.done:
		return false
	case <-c.stop:
		return false
	default:
		return true
	}
}

func (c *SSHClient) Done() <-chan struct{} { return c.done }

// Ping sends one keepalive request and waits for the reply or ctx.
func (c *SSHClient) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepaliveRequest, true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *SSHClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		err := c.client.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		log.Printf("[ssh] disconnected from %s", logutil.Addr(c.target.Host, c.target.Port))
	})
	return c.closeErr
}

// keepalive sends periodic keepalive requests to detect dead connections.
// A probe that fails or goes unanswered for a full interval closes the
// client, which in turn closes Done.
func (c *SSHClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				log.Printf("[ssh] keepalive failed for %s: %v, closing connection", logutil.Addr(c.target.Host, c.target.Port), err)
				c.Close()
				return
			}
		}
	}
}

// Shell is an interactive session with a pseudo-terminal.
type Shell struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// OpenShell starts a login shell on a pty of the given size.
func (c *SSHClient) OpenShell(term string, cols, rows int) (*Shell, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if term == "" {
		term = "xterm-256color"
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &Shell{session: session, Stdin: stdin, Stdout: stdout}, nil
}

func (s *Shell) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return s.session.WindowChange(rows, cols)
}

func (s *Shell) Wait() error { return s.session.Wait() }

func (s *Shell) Close() error {
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Package sshtest provides an in-process SSH server for tests. It accepts
// public-key or password authentication, serves shell and exec sessions,
// answers keepalives, and relays direct-tcpip channels so it can act as an
// intermediate hop.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Options configures a Server. With neither AuthorizedKey nor Password set,
// any client is accepted without authentication.
type Options struct {
	AuthorizedKey ssh.PublicKey
	Password      string
}

// Server tracks a test SSH server's state.
type Server struct {
	Addr    string
	Host    string
	Port    int
	HostKey ssh.PublicKey

	listener net.Listener
	done     chan struct{}

	live     atomic.Int64
	accepted atomic.Int64

	mu       sync.Mutex
	netConns []net.Conn
	cols     int
	rows     int
}

// NewServer starts a server on 127.0.0.1 and registers its shutdown with t.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{NoClientAuth: opts.AuthorizedKey == nil && opts.Password == ""}
	if opts.AuthorizedKey != nil {
		want := ssh.FingerprintSHA256(opts.AuthorizedKey)
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		listener: listener,
		done:     make(chan struct{}),
	}
	host, portStr, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(portStr)

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			s.live.Add(1)
			s.mu.Lock()
			s.netConns = append(s.netConns, netConn)
			s.mu.Unlock()
			go s.handle(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.CloseAllConns()
	<-s.done
}

// CloseAllConns forcefully closes all accepted TCP connections, simulating a
// network drop.
func (s *Server) CloseAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// LiveConns reports TCP connections accepted and not yet torn down.
func (s *Server) LiveConns() int { return int(s.live.Load()) }

// Accepted reports the total number of TCP connections ever accepted.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// WindowSize returns the most recent terminal size requested by a client.
func (s *Server) WindowSize() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Server) setWindow(cols, rows uint32) {
	s.mu.Lock()
	s.cols, s.rows = int(cols), int(rows)
	s.mu.Unlock()
}

func (s *Server) handle(netConn net.Conn, config *ssh.ServerConfig) {
	defer s.live.Add(-1)
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serveSession(newChan)
			}()
		case "direct-tcpip":
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveDirectTCPIP(newChan)
			}()
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
	sshConn.Close()
	wg.Wait()
}

type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

func (s *Server) serveSession(newChan ssh.NewChannel) {
	ch, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.setWindow(p.Cols, p.Rows)
			}
			req.Reply(true, nil)
		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.setWindow(w.Cols, w.Rows)
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch)
				ch.CloseWrite()
			}()
		case "exec":
			ch.Write([]byte("ok\n"))
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

type directTCPIP struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func serveDirectTCPIP(newChan ssh.NewChannel) {
	var p directTCPIP
	if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.DestAddr, strconv.Itoa(int(p.DestPort))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			ch.Close()
			target.Close()
		})
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, target)
		closeBoth()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(target, ch)
		closeBoth()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// NewSigner returns a fresh ED25519 client identity.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	return signer
}

package tunnel

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// netDialer dials directly, standing in for an SSH connection.
type netDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	fail  bool
}

func (d *netDialer) Dial(network, addr string) (net.Conn, error) {
	if d.fail {
		return nil, errors.New("dial refused")
	}
	c, err := net.Dial(network, addr)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
	}
	return c, err
}

func startEcho(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
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
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

func init() {
	acceptPoll = 50 * time.Millisecond
}

func TestLocalForward_Relays(t *testing.T) {
	echo := startEcho(t)
	before := OpenForwards()

	f, err := LocalForward(&netDialer{}, echo)
	if err != nil {
		t.Fatalf("LocalForward() error: %v", err)
	}
	defer f.Close()

	if f.LocalPort == 0 {
		t.Fatal("LocalPort not assigned")
	}
	if got := OpenForwards(); got != before+1 {
		t.Errorf("OpenForwards = %d, want %d", got, before+1)
	}

	conn, err := net.Dial("tcp", f.LocalAddr())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hello\n"))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello\n" {
		t.Errorf("relayed %q", line)
	}
}

func TestLocalForward_CloseReleasesEverything(t *testing.T) {
	echo := startEcho(t)
	before := OpenForwards()

	d := &netDialer{}
	f, err := LocalForward(d, echo)
	if err != nil {
		t.Fatalf("LocalForward() error: %v", err)
	}

	conn, err := net.Dial("tcp", f.LocalAddr())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("x\n"))
	bufio.NewReader(conn).ReadString('\n')

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if !f.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
	if got := OpenForwards(); got != before {
		t.Errorf("OpenForwards = %d after close, want %d", got, before)
	}

	// The relayed client connection must have been torn down.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("relayed connection still open after Close")
	}

	// And the port must be free.
	if _, err := net.DialTimeout("tcp", f.LocalAddr(), 500*time.Millisecond); err == nil {
		t.Error("forward port still accepting after Close")
	}
}

func TestLocalForward_DialFailureKeepsListening(t *testing.T) {
	d := &netDialer{fail: true}
	f, err := LocalForward(d, "127.0.0.1:1")
	if err != nil {
		t.Fatalf("LocalForward() error: %v", err)
	}
	defer f.Close()

	conn, err := net.Dial("tcp", f.LocalAddr())
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected local side closed after remote dial failure")
	}
	conn.Close()

	if f.IsClosed() {
		t.Error("forward closed after one failed dial")
	}
}

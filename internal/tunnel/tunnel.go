// Package tunnel opens local port forwards (ssh -L) over an established
// connection. Each forward binds an ephemeral port on 127.0.0.1 and relays
// every accepted connection to a fixed remote address.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/logutil"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
)

// Dialer opens streams through a remote connection.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// ErrListen wraps failures to bind the local end of a forward.
var ErrListen = errors.New("bind local forward")

// acceptPoll bounds how long the accept loop blocks before re-checking for
// shutdown.
var acceptPoll = 1 * time.Second

var openForwards atomic.Int64

// OpenForwards reports how many forwards are currently listening.
func OpenForwards() int { return int(openForwards.Load()) }

// Forward is a running local port forward.
type Forward struct {
	RemoteAddr string
	LocalPort  int
	StartedAt  time.Time

	listener net.Listener
	cancel   context.CancelFunc
	loopDone chan struct{}
	relays   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// LocalForward binds 127.0.0.1 on an ephemeral port and relays connections
// to remoteAddr through d.
func LocalForward(d Dialer, remoteAddr string) (*Forward, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forward{
		RemoteAddr: remoteAddr,
		LocalPort:  listener.Addr().(*net.TCPAddr).Port,
		StartedAt:  time.Now(),
		listener:   listener,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}

	openForwards.Add(1)
	metrics.ForwardsOpen.Inc()

	go f.acceptLoop(ctx, d)

	log.Printf("[tunnel] forward 127.0.0.1:%d -> %s", f.LocalPort, logutil.SanitizeForLog(remoteAddr))
	return f, nil
}

// LocalAddr is the address clients should dial to reach RemoteAddr.
func (f *Forward) LocalAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(f.LocalPort))
}

func (f *Forward) acceptLoop(ctx context.Context, d Dialer) {
	defer close(f.loopDone)
	defer f.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tl, ok := f.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptPoll))
		}

		conn, err := f.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[tunnel] accept error on 127.0.0.1:%d: %v", f.LocalPort, err)
			return
		}

		remote, err := d.Dial("tcp", f.RemoteAddr)
		if err != nil {
			log.Printf("[tunnel] dial %s failed: %v", logutil.SanitizeForLog(f.RemoteAddr), err)
			conn.Close()
			continue
		}

		f.relays.Add(1)
		go func() {
			defer f.relays.Done()
			bidirectionalCopy(ctx, conn, remote)
		}()
	}
}

// Close stops the listener, tears down relayed connections and waits for
// every forwarding goroutine to exit. It is safe to call more than once.
func (f *Forward) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	err := f.listener.Close()
	<-f.loopDone
	f.relays.Wait()

	openForwards.Add(-1)
	metrics.ForwardsOpen.Dec()

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (f *Forward) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// bidirectionalCopy pipes data between two connections until one side closes or errors.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	// Wait for the second copy to finish
	<-done
}

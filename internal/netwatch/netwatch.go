// Package netwatch turns periodic reachability probes into a network
// availability signal that only fires on change.
package netwatch

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/logutil"
)

// DefaultInterval is used when Monitor.Interval is zero.
const DefaultInterval = 10 * time.Second

// Probe reports nil when the network is usable.
type Probe func(ctx context.Context) error

// TCPProbe dials addr and closes the connection straight away.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("probe %s: %w", logutil.SanitizeForLog(addr), err)
		}
		return conn.Close()
	}
}

// Monitor polls Probe every Interval. The network is assumed available
// until the first failed probe.
type Monitor struct {
	Probe    Probe
	Interval time.Duration

	mu        sync.Mutex
	down      bool
	listeners map[chan bool]struct{}
}

// Available reports the last observed state.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// Subscribe returns a channel that receives the new state on every change.
// Only the latest state is buffered; a slow reader skips intermediate flips.
// The channel is closed when ctx ends or Run returns.
func (m *Monitor) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	if m.listeners == nil {
		m.listeners = make(map[chan bool]struct{})
	}
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
	})
	return ch
}

// Run probes immediately and then on every tick until ctx is done, calling
// onChange (if non-nil) and notifying subscribers when availability flips.
func (m *Monitor) Run(ctx context.Context, onChange func(available bool)) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	defer m.closeListeners()

	m.check(ctx, onChange)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, onChange)
		}
	}
}

func (m *Monitor) check(ctx context.Context, onChange func(bool)) {
	err := m.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	available := err == nil

	m.mu.Lock()
	if available == !m.down {
		m.mu.Unlock()
		return
	}
	m.down = !available
	for ch := range m.listeners {
		sendLatest(ch, available)
	}
	m.mu.Unlock()

	if available {
		log.Printf("[netwatch] network available")
	} else {
		log.Printf("[netwatch] network unavailable: %v", err)
	}
	if onChange != nil {
		onChange(available)
	}
}

// sendLatest replaces any unread value in ch with v.
func sendLatest(ch chan bool, v bool) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (m *Monitor) closeListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.listeners {
		delete(m.listeners, ch)
		close(ch)
	}
}

// Package pool keeps reusable transport connections keyed by destination
// identity. Callers acquire a handle, use its client, and release it; the
// pool decides whether the client goes back to the idle set or is closed.
//
// Each key has its own entry with its own lock, so contention on one
// destination never blocks another. Client disposal (which may wait on the
// network) always happens outside entry locks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tomertec/sshmanager-sub001/internal/logutil"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
	"github.com/tomertec/sshmanager-sub001/internal/transport"
)

// Key identifies interchangeable connections.
type Key struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	AuthType string `json:"auth_type"`
}

func (k Key) String() string {
	return logutil.SanitizeForLog(k.User+"@"+k.Host+":"+strconv.Itoa(k.Port)) + "/" + logutil.SanitizeForLog(k.AuthType)
}

// Factory creates a new client when no idle one is available.
type Factory func(ctx context.Context) (transport.Client, error)

type Config struct {
	Enabled     bool          `json:"enabled"`
	MaxPerKey   int           `json:"max_per_key"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, MaxPerKey: 3, IdleTimeout: 5 * time.Minute}
}

func (c Config) normalized() Config {
	if c.MaxPerKey < 1 {
		c.MaxPerKey = 1
	}
	return c
}

// Stats is a point-in-time view of the pool. Keys counts only keys that
// currently hold at least one client.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Keys   int `json:"keys"`
}

// ErrInvalidInterval is returned by StartCleanup for a non-positive period.
var ErrInvalidInterval = errors.New("cleanup interval must be positive")

type pooledClient struct {
	client   transport.Client
	inUse    bool
	lastUsed time.Time
}

type entry struct {
	mu      sync.Mutex
	clients []*pooledClient
}

func (e *entry) indexOf(c transport.Client) int {
	for i, pc := range e.clients {
		if pc.client == c {
			return i
		}
	}
	return -1
}

func (e *entry) removeAt(i int) {
	e.clients = append(e.clients[:i], e.clients[i+1:]...)
}

// Pool is safe for concurrent use.
type Pool struct {
	cfgMu sync.RWMutex
	cfg   Config

	entries sync.Map // Key -> *entry

	nowFn func() time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

type Option func(*Pool)

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.nowFn = now }
}

func New(cfg Config, opts ...Option) *Pool {
	p := &Pool{cfg: cfg.normalized(), nowFn: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// UpdateConfig applies cfg to subsequent operations. Clients already in the
// pool are left alone; a reduced MaxPerKey takes effect as idle cleanup
// removes clients and new inserts find the entry full.
func (p *Pool) UpdateConfig(cfg Config) {
	cfg = cfg.normalized()
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()

	log.Printf("[pool] config updated: enabled=%v max_per_key=%d idle_timeout=%s", cfg.Enabled, cfg.MaxPerKey, cfg.IdleTimeout)
}

func (p *Pool) entryFor(key Key) *entry {
	if v, ok := p.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := p.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

// Acquire returns a handle for key, reusing an idle live client when one
// exists and calling factory otherwise. Factory errors are returned as is.
// A freshly created client is not tracked until it is released.
func (p *Pool) Acquire(ctx context.Context, key Key, factory Factory) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !p.Config().Enabled {
		client, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		return &Conn{key: key, client: client, pool: p}, nil
	}

	e := p.entryFor(key)

	var reused *pooledClient
	var dead []transport.Client
	e.mu.Lock()
	for i := 0; i < len(e.clients); {
		pc := e.clients[i]
		if pc.inUse {
			i++
			continue
		}
		if !pc.client.IsConnected() {
			dead = append(dead, pc.client)
			e.removeAt(i)
			continue
		}
		pc.inUse = true
		reused = pc
		break
	}
	e.mu.Unlock()

	for _, c := range dead {
		p.dispose(c, "dead")
	}

	if reused != nil {
		log.Printf("[pool] reusing client for %s", key)
		return &Conn{key: key, client: reused.client, pooled: true, pool: p}, nil
	}

	client, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{key: key, client: client, pooled: true, pool: p}, nil
}

// Release returns c to the pool or disposes it. Releasing the same handle
// twice has no further effect.
func (p *Pool) Release(c *Conn) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	if !c.pooled {
		p.dispose(c.client, "direct")
		return
	}

	cfg := p.Config()
	v, ok := p.entries.Load(c.key)
	if !ok {
		p.dispose(c.client, "untracked")
		return
	}
	e := v.(*entry)

	if !cfg.Enabled || !c.client.IsConnected() {
		e.mu.Lock()
		if i := e.indexOf(c.client); i >= 0 {
			e.removeAt(i)
		}
		e.mu.Unlock()
		reason := "disabled"
		if cfg.Enabled {
			reason = "disconnected"
		}
		p.dispose(c.client, reason)
		return
	}

	e.mu.Lock()
	if i := e.indexOf(c.client); i >= 0 {
		pc := e.clients[i]
		pc.inUse = false
		pc.lastUsed = p.nowFn()
		e.mu.Unlock()
		return
	}
	if len(e.clients) < cfg.MaxPerKey {
		e.clients = append(e.clients, &pooledClient{client: c.client, lastUsed: p.nowFn()})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	p.dispose(c.client, "full")
}

// Stats aggregates every entry, locking one entry at a time.
func (p *Pool) Stats() Stats {
	var s Stats
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		n := len(e.clients)
		for _, pc := range e.clients {
			if pc.inUse {
				s.Active++
			} else {
				s.Idle++
			}
		}
		e.mu.Unlock()
		s.Total += n
		if n > 0 {
			s.Keys++
		}
		return true
	})
	return s
}

// detachAll empties every entry and returns its former clients grouped by
// entry.
func (p *Pool) detachAll() [][]transport.Client {
	var batches [][]transport.Client
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if len(e.clients) > 0 {
			batch := make([]transport.Client, len(e.clients))
			for i, pc := range e.clients {
				batch[i] = pc.client
			}
			batches = append(batches, batch)
			e.clients = nil
		}
		e.mu.Unlock()
		return true
	})
	return batches
}

// Drain disposes every tracked client, in use or not, and blocks until all
// are closed. It returns the number disposed.
func (p *Pool) Drain() int {
	n := 0
	for _, batch := range p.detachAll() {
		for _, c := range batch {
			p.dispose(c, "drain")
			n++
		}
	}
	if n > 0 {
		log.Printf("[pool] drained %d client(s)", n)
	}
	return n
}

// DrainAsync detaches every tracked client and closes them with one
// goroutine per destination, so a slow disconnect on one key does not delay
// the others. The pool is empty when DrainAsync returns; if ctx ends before
// all disposals complete, they continue in the background and ctx.Err() is
// returned alongside the count.
func (p *Pool) DrainAsync(ctx context.Context) (int, error) {
	batches := p.detachAll()

	var total atomic.Int64
	var g errgroup.Group
	for _, batch := range batches {
		g.Go(func() error {
			for _, c := range batch {
				p.dispose(c, "drain")
				total.Add(1)
			}
			return nil
		})
	}

	n := 0
	for _, b := range batches {
		n += len(b)
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		if n > 0 {
			log.Printf("[pool] drained %d client(s) across %d key(s)", total.Load(), len(batches))
		}
		return n, nil
	case <-ctx.Done():
		return n, fmt.Errorf("drain still closing clients: %w", ctx.Err())
	}
}

// CleanupIdle disposes idle clients unused for longer than IdleTimeout and
// returns the number disposed. Dead idle clients within the timeout are left
// for Acquire to discard.
func (p *Pool) CleanupIdle() int {
	cfg := p.Config()
	now := p.nowFn()

	var expired []transport.Client
	p.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		kept := e.clients[:0]
		for _, pc := range e.clients {
			if !pc.inUse && now.Sub(pc.lastUsed) > cfg.IdleTimeout {
				expired = append(expired, pc.client)
				continue
			}
			kept = append(kept, pc)
		}
		for i := len(kept); i < len(e.clients); i++ {
			e.clients[i] = nil
		}
		e.clients = kept
		e.mu.Unlock()
		return true
	})

	for _, c := range expired {
		p.dispose(c, "idle")
	}
	if len(expired) > 0 {
		log.Printf("[pool] cleaned up %d idle client(s)", len(expired))
	}
	return len(expired)
}

// StartCleanup schedules CleanupIdle every interval. Calling it again
// replaces the previous schedule.
func (p *Pool) StartCleanup(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() { p.CleanupIdle() }); err != nil {
		return fmt.Errorf("schedule pool cleanup: %w", err)
	}

	p.cronMu.Lock()
	old := p.cron
	p.cron = c
	p.cronMu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()
	log.Printf("[pool] idle cleanup every %s", interval)
	return nil
}

// Stop cancels scheduled cleanup and waits for a running pass to finish.
// It does not dispose clients; call Drain for that.
func (p *Pool) Stop() {
	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// dispose closes a client, logging and swallowing close errors.
func (p *Pool) dispose(c transport.Client, reason string) {
	metrics.PoolDisposalsTotal.WithLabelValues(reason).Inc()
	if err := c.Close(); err != nil {
		log.Printf("[pool] close client (%s): %v", reason, err)
	}
}

// Conn is a handle on an acquired client.
type Conn struct {
	key      Key
	client   transport.Client
	pooled   bool
	pool     *Pool
	released atomic.Bool
}

func (c *Conn) Key() Key { return c.key }
func (c *Conn) Client() transport.Client { return c.client }
func (c *Conn) Pooled() bool { return c.pooled }
func (c *Conn) Release() { c.pool.Release(c) }

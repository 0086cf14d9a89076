// Package session ties a connection profile to the orchestration core.
//
// A Controller connects its profile (through the pool for a single hop,
// through the chain builder otherwise), notices when the connection drops,
// and hands recovery to its reconnect.Manager, for which it is the Target.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomertec/sshmanager-sub001/internal/auth"
	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/pool"
	"github.com/tomertec/sshmanager-sub001/internal/profiles"
	"github.com/tomertec/sshmanager-sub001/internal/proxychain"
	"github.com/tomertec/sshmanager-sub001/internal/reconnect"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
	"github.com/tomertec/sshmanager-sub001/internal/transport"
)

var ErrClosed = errors.New("session closed")

// Deps are the collaborators shared by every controller.
type Deps struct {
	Pool     *pool.Pool
	Auth     proxychain.AuthProvider
	Verifier transport.HostKeyVerifier

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	RetryAttempts     int
	Backoff           backoff.Config

	ReconnectEnabled     bool
	ReconnectMaxAttempts int
}

// Event is pushed to subscribers for every reconnect notification, state
// change and status update.
type Event struct {
	Kind      string    `json:"kind"` // "reconnect", "state" or "status"
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Info is a JSON-friendly snapshot of a controller.
type Info struct {
	ID          string          `json:"id"`
	Profile     string          `json:"profile"`
	State       State           `json:"state"`
	Status      string          `json:"status"`
	Hops        int             `json:"hops"`
	Pooled      bool            `json:"pooled"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Reconnect   reconnect.State `json:"reconnect"`
}

type Controller struct {
	id      string
	profile profiles.Profile
	deps    Deps
	mgr     *reconnect.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	status      string
	lastErr     string
	connectedAt time.Time
	closed      bool
	gen         int  // bumped on every established connection
	lossPending bool // lost while a reconnect cycle was still finishing
	conn        *pool.Conn
	chain       *proxychain.Result
	history     transitions
	subs        map[chan Event]struct{}
}

// NewController prepares a controller for profile. Nothing is dialed until
// Connect.
func NewController(profile profiles.Profile, deps Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:      uuid.NewString(),
		profile: profile,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		status:  "Disconnected",
		subs:    make(map[chan Event]struct{}),
	}

	maxAttempts := deps.ReconnectMaxAttempts
	if profile.MaxAttempts > 0 {
		maxAttempts = profile.MaxAttempts
	}
	c.mgr = reconnect.New(c)
	c.mgr.Configure(deps.ReconnectEnabled && profile.ReconnectEnabled(), maxAttempts)
	if err := c.mgr.ConfigureBackoff(deps.Backoff); err != nil {
		log.Printf("[session] %s: keeping default reconnect backoff: %v", profile.Name, err)
	}
	c.mgr.OnEvent(c.onReconnectEvent)
	c.mgr.OnPropertyChange(c.onReconnectProperty)
	return c
}

func (c *Controller) ID() string                      { return c.id }
func (c *Controller) Profile() profiles.Profile       { return c.profile }
func (c *Controller) Reconnector() *reconnect.Manager { return c.mgr }

// Connect establishes the session. A successful manual connect re-arms the
// reconnect budget.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.establish(ctx, StateConnecting); err != nil {
		return err
	}
	c.mgr.ResetAttempts()
	return nil
}

// Client returns the live transport, or nil when disconnected.
func (c *Controller) Client() transport.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil:
		return c.conn.Client()
	case c.chain != nil:
		return c.chain
	default:
		return nil
	}
}

// HasSession implements reconnect.Target.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// SetStatus implements reconnect.Target.
func (c *Controller) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.publish(Event{Kind: "status", Type: "status", Timestamp: time.Now(), Details: status})
}

// Reconnect implements reconnect.Target by dropping whatever is left of the
// old connection and establishing a new one.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return retry.Permanent(ErrClosed)
	}
	cleanup := c.detachLocked()
	c.mu.Unlock()
	cleanup()

	return c.establish(ctx, StateReconnecting)
}

// Close ends the session. A pooled client that is still healthy goes back
// to the pool; a chain is torn down.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.setStateLocked(StateClosed, "closed by user")
	cleanup := c.detachLocked()
	c.mu.Unlock()

	c.cancel()
	cleanup()

	c.mu.Lock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
	log.Printf("[session] %s closed", c.profile.Name)
	return nil
}

// Info returns a snapshot.
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{
		ID:        c.id,
		Profile:   c.profile.Name,
		State:     c.state,
		Status:    c.status,
		Hops:      len(c.profile.Hops),
		Pooled:    c.conn != nil && c.conn.Pooled(),
		LastError: c.lastErr,
	}
	if !c.connectedAt.IsZero() && c.state == StateConnected {
		t := c.connectedAt
		info.ConnectedAt = &t
	}
	c.mu.Unlock()
	info.Reconnect = c.mgr.State()
	return info
}

// Transitions returns recent state changes, oldest first.
func (c *Controller) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.list()
}

// Subscribe streams events until cancel is called or the session closes.
// Slow subscribers lose events rather than blocking the session.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
		})
	}
}

func (c *Controller) establish(ctx context.Context, via State) error {
	c.mu.Lock()
	c.setStateLocked(via, "")
	c.mu.Unlock()

	var (
		conn   *pool.Conn
		chain  *proxychain.Result
		client transport.Client
		err    error
	)
	if len(c.profile.Hops) == 1 {
		conn, err = c.deps.Pool.Acquire(ctx, c.poolKey(), c.directFactory())
		if err == nil {
			client = conn.Client()
		}
	} else {
		chain, err = c.builder().Build(ctx, c.profile.Hops)
		client = chain
	}

	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
		if c.state != StateClosed {
			c.setStateLocked(StateDisconnected, err.Error())
		}
		c.mu.Unlock()
		log.Printf("[session] %s: connect failed: %v", c.profile.Name, err)
		return err
	}
	if c.closed {
		c.mu.Unlock()
		release(conn, chain)
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn, c.chain = conn, chain
	c.lastErr = ""
	c.connectedAt = time.Now()
	c.status = "Connected"
	c.setStateLocked(StateConnected, "")
	c.mu.Unlock()

	if w, ok := client.(transport.Waiter); ok {
		go c.watch(w.Done(), gen)
	}
	log.Printf("[session] %s connected (%d hop(s))", c.profile.Name, len(c.profile.Hops))
	return nil
}

// watch waits for the connection of generation gen to end and, unless it
// was replaced or closed deliberately, starts automatic reconnection.
func (c *Controller) watch(done <-chan struct{}, gen int) {
	select {
	case <-done:
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnected, "connection lost")
	cleanup := c.detachLocked()
	// The cycle that established this connection may not have released the
	// manager yet; onReconnectProperty picks the loss up once it does.
	busy := c.mgr.State().Reconnecting
	c.lossPending = busy
	c.mu.Unlock()
	cleanup()

	log.Printf("[session] %s: connection lost", c.profile.Name)
	if !busy {
		c.handleDisconnection()
	}
}

// onReconnectProperty replays a loss recorded while the manager was busy.
func (c *Controller) onReconnectProperty(p reconnect.Property, v any) {
	if on, _ := v.(bool); p != reconnect.PropReconnecting || on {
		return
	}
	c.mu.Lock()
	pending := c.lossPending && !c.closed && c.state == StateDisconnected
	c.lossPending = false
	c.mu.Unlock()
	if pending {
		go c.handleDisconnection()
	}
}

func (c *Controller) handleDisconnection() {
	err := c.mgr.HandleDisconnection(c.ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.lastErr = err.Error()
		c.setStateLocked(StateFailed, err.Error())
	}
	c.mu.Unlock()
}

// onReconnectEvent forwards manager notifications. A resume while the
// session is down starts a fresh reconnection cycle.
func (c *Controller) onReconnectEvent(n reconnect.Notification) {
	c.publish(Event{Kind: "reconnect", Type: string(n.Type), Timestamp: n.Timestamp, Attempts: n.Attempts, Details: n.Details})

	if n.Type != reconnect.EventResumed {
		return
	}
	c.mu.Lock()
	down := !c.closed && (c.state == StateDisconnected || c.state == StateFailed)
	c.mu.Unlock()
	if down {
		go c.handleDisconnection()
	}
}

// detachLocked clears the live connection and returns the function that
// disposes of it; run it after unlocking.
func (c *Controller) detachLocked() func() {
	conn, chain := c.conn, c.chain
	c.conn, c.chain = nil, nil
	return func() { release(conn, chain) }
}

func release(conn *pool.Conn, chain *proxychain.Result) {
	if conn != nil {
		conn.Release()
	}
	if chain != nil {
		chain.Close()
	}
}

// setStateLocked records a transition and publishes it.
func (c *Controller) setStateLocked(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	now := time.Now()
	c.history.record(Transition{From: from, To: to, Timestamp: now, Reason: reason})
	c.publishLocked(Event{Kind: "state", Type: to.String(), Timestamp: now, Details: reason})
}

func (c *Controller) publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(e)
}

func (c *Controller) publishLocked(e Event) {
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (c *Controller) poolKey() pool.Key {
	hop := c.profile.Target()
	return pool.Key{Host: hop.Host, Port: hop.Port, User: hop.User, AuthType: auth.Type(hop)}
}

func (c *Controller) builder() *proxychain.Builder {
	return &proxychain.Builder{
		Auth:              c.deps.Auth,
		Verifier:          c.deps.Verifier,
		ConnectTimeout:    c.deps.ConnectTimeout,
		KeepaliveInterval: c.deps.KeepaliveInterval,
		ConnectAttempts:   c.deps.RetryAttempts,
		Backoff:           c.deps.Backoff,
	}
}

// directFactory dials the single hop under the retry executor.
func (c *Controller) directFactory() pool.Factory {
	hop := c.profile.Target()
	return func(ctx context.Context) (transport.Client, error) {
		return retry.Do(ctx, retry.Options{
			Operation:   "connect",
			MaxAttempts: c.deps.RetryAttempts,
			Backoff:     c.deps.Backoff,
		}, func(ctx context.Context) (transport.Client, error) {
			return c.dialDirect(ctx, hop)
		})
	}
}

func (c *Controller) dialDirect(ctx context.Context, hop proxychain.Hop) (transport.Client, error) {
	if c.deps.Auth == nil {
		return nil, retry.Permanent(proxychain.ErrNoAuth)
	}
	methods, closers, err := c.deps.Auth.AuthMethods(ctx, hop)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("auth for %s: %w", hop, err)
	}
	client, err := transport.Connect(ctx, transport.Target{Host: hop.Host, Port: hop.Port, User: hop.User}, transport.Options{
		Auth:              methods,
		HostKeyVerifier:   hop.Verifier(c.deps.Verifier),
		Timeout:           c.deps.ConnectTimeout,
		KeepaliveInterval: c.deps.KeepaliveInterval,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return &ownedClient{SSHClient: client, closers: closers}, nil
}

// ownedClient keeps auth resources alive for as long as the client.
type ownedClient struct {
	*transport.SSHClient
	closers []io.Closer
	once    sync.Once
}

func (o *ownedClient) Close() error {
	err := o.SSHClient.Close()
	o.once.Do(func() { closeAll(o.closers) })
	return err
}

func closeAll(closers []io.Closer) {
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			log.Printf("[session] dispose auth resource: %v", err)
		}
	}
}

package session

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/pool"
	"github.com/tomertec/sshmanager-sub001/internal/profiles"
	"github.com/tomertec/sshmanager-sub001/internal/proxychain"
	"github.com/tomertec/sshmanager-sub001/internal/reconnect"
	"github.com/tomertec/sshmanager-sub001/internal/sshtest"
	"github.com/tomertec/sshmanager-sub001/internal/tunnel"
)

type countingCloser struct{ n *atomic.Int32 }

func (c countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

type keyAuth struct {
	signer ssh.Signer
	closed atomic.Int32
}

func (a *keyAuth) AuthMethods(ctx context.Context, hop proxychain.Hop) ([]ssh.AuthMethod, []io.Closer, error) {
	return []ssh.AuthMethod{ssh.PublicKeys(a.signer)}, []io.Closer{countingCloser{&a.closed}}, nil
}

var fastBackoff = backoff.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testDeps(p *pool.Pool, a proxychain.AuthProvider) Deps {
	return Deps{
		Pool:                 p,
		Auth:                 a,
		ConnectTimeout:       5 * time.Second,
		RetryAttempts:        1,
		Backoff:              fastBackoff,
		ReconnectEnabled:     true,
		ReconnectMaxAttempts: 3,
	}
}

func directProfile(srv *sshtest.Server) profiles.Profile {
	return profiles.Profile{
		Name: "direct",
		Hops: []proxychain.Hop{{Host: srv.Host, Port: srv.Port, User: "tester", AuthType: "key"}},
	}
}

func newPool(t *testing.T, enabled bool) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Enabled = enabled
	p := pool.New(cfg)
	t.Cleanup(func() { p.Drain() })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_DirectUsesPool(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	p := newPool(t, true)
	a := &keyAuth{signer: signer}
	deps := testDeps(p, a)

	c := NewController(directProfile(srv), deps)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	info := c.Info()
	if info.State != StateConnected || !info.Pooled || info.ConnectedAt == nil || info.Hops != 1 {
		t.Errorf("info = %+v", info)
	}
	if c.Client() == nil || !c.Client().IsConnected() {
		t.Fatal("no live client")
	}

	c.Close()
	if st := p.Stats(); st.Idle != 1 || st.Active != 0 {
		t.Errorf("pool after close = %+v, want one idle client", st)
	}
	if a.closed.Load() != 0 {
		t.Error("auth resources disposed while the client sits in the pool")
	}

	c2 := NewController(directProfile(srv), deps)
	if err := c2.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer c2.Close()
	if n := srv.Accepted(); n != 1 {
		t.Errorf("server accepted %d connections, want the pooled one reused", n)
	}

	p.Drain()
	if a.closed.Load() != 1 {
		t.Errorf("auth resources closed %d times after drain, want 1", a.closed.Load())
	}
}

func TestController_Chain(t *testing.T) {
	signer := sshtest.NewSigner(t)
	bastion := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	target := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	before := tunnel.OpenForwards()

	prof := profiles.Profile{Name: "chain", Hops: []proxychain.Hop{
		{Name: "bastion", Host: bastion.Host, Port: bastion.Port, User: "tester"},
		{Name: "target", Host: target.Host, Port: target.Port, User: "tester"},
	}}
	c := NewController(prof, testDeps(newPool(t, true), &keyAuth{signer: signer}))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info := c.Info(); info.State != StateConnected || info.Pooled || info.Hops != 2 {
		t.Errorf("info = %+v", info)
	}
	if got := tunnel.OpenForwards(); got != before+1 {
		t.Errorf("OpenForwards = %d, want %d", got, before+1)
	}

	c.Close()
	if got := tunnel.OpenForwards(); got != before {
		t.Errorf("OpenForwards after Close = %d, want %d", got, before)
	}
	if c.Info().State != StateClosed {
		t.Errorf("state = %s", c.Info().State)
	}
}

func TestController_ReconnectsAfterDrop(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	c := NewController(directProfile(srv), testDeps(newPool(t, false), &keyAuth{signer: signer}))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events, cancel := c.Subscribe()
	defer cancel()

	srv.CloseAllConns()

	timeout := time.After(5 * time.Second)
	for succeeded := false; !succeeded; {
		select {
		case e := <-events:
			succeeded = e.Kind == "reconnect" && e.Type == string(reconnect.EventSucceeded)
		case <-timeout:
			t.Fatal("no succeeded notification after the connection dropped")
		}
	}

	waitFor(t, "connected state", func() bool { return c.Info().State == StateConnected })
	if n := srv.Accepted(); n != 2 {
		t.Errorf("server accepted %d connections, want 2", n)
	}
	if got := c.Info().Reconnect.AttemptCount; got != 0 {
		t.Errorf("AttemptCount after success = %d", got)
	}

	var sawLost bool
	for _, tr := range c.Transitions() {
		if tr.To == StateDisconnected && tr.Reason == "connection lost" {
			sawLost = true
		}
	}
	if !sawLost {
		t.Errorf("transitions = %+v", c.Transitions())
	}
}

func TestController_LossBeforeCycleFinishesReconnects(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	c := NewController(directProfile(srv), testDeps(newPool(t, false), &keyAuth{signer: signer}))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Drop the fresh link from inside the succeeded notification, while the
	// manager still reports the cycle as running.
	var dropped atomic.Bool
	c.Reconnector().OnEvent(func(n reconnect.Notification) {
		if n.Type != reconnect.EventSucceeded || !dropped.CompareAndSwap(false, true) {
			return
		}
		srv.CloseAllConns()
		deadline := time.Now().Add(5 * time.Second)
		for c.Info().State != StateDisconnected && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	})

	srv.CloseAllConns()
	waitFor(t, "third connection", func() bool { return srv.Accepted() == 3 })
	waitFor(t, "connected state", func() bool { return c.Info().State == StateConnected })
}

func TestController_ExhaustedMarksFailed(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	deps := testDeps(newPool(t, false), &keyAuth{signer: signer})
	deps.ReconnectMaxAttempts = 2
	c := NewController(directProfile(srv), deps)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.Close()

	waitFor(t, "failed state", func() bool { return c.Info().State == StateFailed })
	info := c.Info()
	if info.Reconnect.AttemptCount != 2 || info.LastError == "" {
		t.Errorf("info = %+v", info)
	}
	var exhausted int
	for _, n := range c.Reconnector().History() {
		if n.Type == reconnect.EventExhausted {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("exhausted notifications = %d, want 1", exhausted)
	}
}

func TestController_ClosedDoesNotReconnect(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	c := NewController(directProfile(srv), testDeps(newPool(t, false), &keyAuth{signer: signer}))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	srv.CloseAllConns()
	time.Sleep(100 * time.Millisecond)

	if n := srv.Accepted(); n != 1 {
		t.Errorf("closed session reconnected: %d connections", n)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestController_ResumeWhileDownReconnects(t *testing.T) {
	signer := sshtest.NewSigner(t)
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKey: signer.PublicKey()})
	c := NewController(directProfile(srv), testDeps(newPool(t, false), &keyAuth{signer: signer}))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Reconnector().Pause()
	srv.CloseAllConns()

	waitFor(t, "disconnected state", func() bool { return c.Info().State == StateDisconnected })
	time.Sleep(50 * time.Millisecond)
	if n := srv.Accepted(); n != 1 {
		t.Fatalf("reconnected while paused: %d connections", n)
	}

	c.Reconnector().Resume()
	waitFor(t, "reconnect after resume", func() bool { return c.Info().State == StateConnected })
}

func TestController_SubscribeClosedOnClose(t *testing.T) {
	c := NewController(profiles.Profile{Name: "x", Hops: []proxychain.Hop{{Host: "h", Port: 22, User: "u"}}}, Deps{})
	events, cancel := c.Subscribe()
	defer cancel()

	c.Close()
	for range events {
	}

	late, _ := c.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	prof := profiles.Profile{Name: "x", Hops: []proxychain.Hop{{Host: "h", Port: 22, User: "u"}}}
	a, b := NewController(prof, Deps{}), NewController(prof, Deps{})
	r.Add(a)
	r.Add(b)

	if a.ID() == b.ID() || a.ID() == "" {
		t.Fatalf("IDs not unique: %q %q", a.ID(), b.ID())
	}
	if got, ok := r.Get(b.ID()); !ok || got != b {
		t.Error("Get returned the wrong controller")
	}
	if list := r.List(); len(list) != 2 || list[0] != a || list[1] != b {
		t.Error("List not in registration order")
	}

	if !r.Remove(a.ID()) || r.Remove(a.ID()) {
		t.Error("Remove should report existence once")
	}
	if a.Info().State != StateClosed {
		t.Error("removed controller not closed")
	}

	r.CloseAll()
	if len(r.List()) != 0 || b.Info().State != StateClosed {
		t.Error("CloseAll left sessions behind")
	}
}

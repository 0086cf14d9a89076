// Package reconnect drives automatic recovery of a dropped session.
//
// A Manager is owned by one session. When told about a disconnection it
// waits according to the shared backoff policy, then invokes the session's
// reconnection action, repeating in a bounded loop until the action
// succeeds, fails non-transiently, or maxAttempts is reached. Pausing (for
// example when the network goes away) aborts a pending wait without counting
// it and suppresses new handling until Resume.
//
// HandleDisconnection is single-flight per session: the inProgress flag
// rejects overlapping calls, but callers should not rely on it as a mutex.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
	"github.com/tomertec/sshmanager-sub001/internal/retry"
)

// Target is the session the manager reconnects. The manager never looks
// past HasSession.
type Target interface {
	// HasSession reports whether there is still a session to recover. A
	// session closed by the user returns false and stops reconnection.
	HasSession() bool
	// SetStatus displays progress to the user.
	SetStatus(status string)
	// Reconnect re-establishes the session.
	Reconnect(ctx context.Context) error
}

// DefaultMaxAttempts bounds automatic reconnection when Configure is never called.
const DefaultMaxAttempts = 5

var (
	ErrInProgress = errors.New("reconnection already in progress")
	ErrExhausted  = errors.New("reconnect attempts exhausted")

	errPaused = errors.New("paused")
)

// State is a snapshot of the manager.
type State struct {
	Enabled      bool          `json:"enabled"`
	MaxAttempts  int           `json:"max_attempts"`
	AttemptCount int           `json:"attempt_count"`
	Paused       bool          `json:"paused"`
	Reconnecting bool          `json:"reconnecting"`
	NextDelay    time.Duration `json:"next_delay"`
}

type Manager struct {
	target Target
	rnd    func() float64
	hist   history

	mu           sync.Mutex
	enabled      bool
	maxAttempts  int
	attemptCount int
	paused       bool
	inProgress   bool
	nextDelay    time.Duration
	backoff      backoff.Config
	pauseCh      chan struct{} // closed by Pause, replaced by Resume

	listeners []Listener
	observers []PropertyObserver
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRand sets the jitter source used for backoff delays.
func WithRand(rnd func() float64) Option {
	return func(m *Manager) { m.rnd = rnd }
}

// New returns an enabled manager for target with the default backoff policy.
func New(target Target, opts ...Option) *Manager {
	m := &Manager{
		target:      target,
		rnd:         rand.Float64,
		enabled:     true,
		maxAttempts: DefaultMaxAttempts,
		backoff:     backoff.DefaultConfig(),
		pauseCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure sets whether automatic reconnection runs and how many attempts
// one disconnection may consume. Negative maxAttempts is treated as zero.
func (m *Manager) Configure(enabled bool, maxAttempts int) {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	m.mu.Lock()
	m.enabled = enabled
	m.maxAttempts = maxAttempts
	m.mu.Unlock()
}

// ConfigureBackoff replaces the delay policy. Invalid configs are rejected
// and the previous policy is kept.
func (m *Manager) ConfigureBackoff(cfg backoff.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.backoff = cfg
	m.mu.Unlock()
	return nil
}

// Pause suppresses disconnection handling and aborts a pending wait. It is
// a no-op when already paused.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	close(m.pauseCh)
	attempts := m.attemptCount
	m.mu.Unlock()

	log.Printf("[reconnect] paused")
	m.emit(EventPaused, attempts, "")
}

// Resume re-enables disconnection handling. It does not restart an aborted
// wait; the next disconnection does.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	m.pauseCh = make(chan struct{})
	attempts := m.attemptCount
	m.mu.Unlock()

	log.Printf("[reconnect] resumed")
	m.emit(EventResumed, attempts, "")
}

// ResetAttempts clears the attempt counter, re-arming a manager that
// exhausted its attempts.
func (m *Manager) ResetAttempts() {
	m.mu.Lock()
	changed := m.attemptCount != 0
	m.attemptCount = 0
	m.mu.Unlock()
	if changed {
		m.notify(PropAttemptCount, 0)
	}
}

// HandleDisconnection runs the wait/attempt cycle for a lost session. It
// returns nil without doing anything when disabled, paused, already running,
// out of attempts, or when there is no session. A pause or a cancelled ctx
// during the wait aborts the cycle without counting the attempt.
//
// The returned error is the non-transient failure that stopped the cycle, an
// ErrExhausted wrapper, or ctx.Err().
func (m *Manager) HandleDisconnection(ctx context.Context) error {
	m.mu.Lock()
	if !m.enabled || m.inProgress || m.paused || m.attemptCount >= m.maxAttempts {
		m.mu.Unlock()
		return nil
	}
	m.inProgress = true
	m.mu.Unlock()
	if !m.target.HasSession() {
		m.setInProgress(false)
		return nil
	}
	m.notify(PropReconnecting, true)
	defer func() {
		m.setInProgress(false)
		m.notify(PropReconnecting, false)
	}()

	for {
		m.mu.Lock()
		if m.paused {
			m.mu.Unlock()
			return nil
		}
		m.attemptCount++
		attempt, maxAttempts := m.attemptCount, m.maxAttempts
		delay := backoff.DelayWithRand(attempt-1, m.backoff, m.rnd)
		m.nextDelay = delay
		pauseCh := m.pauseCh
		m.mu.Unlock()

		m.notify(PropAttemptCount, attempt)
		m.notify(PropNextDelay, delay)
		m.target.SetStatus(fmt.Sprintf("Reconnecting in %ds (attempt %d/%d)", int(math.Ceil(delay.Seconds())), attempt, maxAttempts))
		log.Printf("[reconnect] attempt %d/%d in %s", attempt, maxAttempts, delay)

		if err := m.wait(ctx, delay, pauseCh); err != nil {
			m.undoAttempt()
			if errors.Is(err, errPaused) {
				return nil
			}
			return err
		}
		if m.isPaused() || !m.target.HasSession() {
			m.undoAttempt()
			return nil
		}

		m.target.SetStatus(fmt.Sprintf("Reconnecting (attempt %d/%d)...", attempt, maxAttempts))
		err := m.target.Reconnect(ctx)
		if err == nil {
			m.succeed(attempt)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.undoAttempt()
			return ctxErr
		}
		if !retry.IsTransient(err) {
			log.Printf("[reconnect] attempt %d/%d failed permanently: %v", attempt, maxAttempts, err)
			m.target.SetStatus(fmt.Sprintf("Reconnect failed: %v", err))
			return err
		}
		log.Printf("[reconnect] attempt %d/%d failed: %v", attempt, maxAttempts, err)
		m.mu.Lock()
		exhausted := m.attemptCount >= m.maxAttempts
		m.mu.Unlock()
		if exhausted {
			m.target.SetStatus(fmt.Sprintf("Reconnect failed after %d attempts", attempt))
			log.Printf("[reconnect] giving up after %d attempts", attempt)
			m.emit(EventExhausted, attempt, err.Error())
			return fmt.Errorf("%w after %d attempt(s): %w", ErrExhausted, attempt, err)
		}
	}
}

// Reconnect is the manual entry point. It ignores the attempt budget and
// never increments the counter, but a success resets it like an automatic
// one. It fails with ErrInProgress while another reconnection runs.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return ErrInProgress
	}
	m.inProgress = true
	m.mu.Unlock()
	m.notify(PropReconnecting, true)
	defer func() {
		m.setInProgress(false)
		m.notify(PropReconnecting, false)
	}()

	m.target.SetStatus("Reconnecting...")
	if err := m.target.Reconnect(ctx); err != nil {
		log.Printf("[reconnect] manual reconnect failed: %v", err)
		m.target.SetStatus(fmt.Sprintf("Reconnect failed: %v", err))
		return err
	}
	m.succeed(0)
	return nil
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Enabled:      m.enabled,
		MaxAttempts:  m.maxAttempts,
		AttemptCount: m.attemptCount,
		Paused:       m.paused,
		Reconnecting: m.inProgress,
		NextDelay:    m.nextDelay,
	}
}

// OnEvent registers a listener for notifications.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnPropertyChange registers an observer for State properties.
func (m *Manager) OnPropertyChange(o PropertyObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// History returns the most recent notifications, oldest first.
func (m *Manager) History() []Notification {
	return m.hist.list()
}

// WatchNetwork pauses on false and resumes on true until ctx ends or
// available is closed. Run it in its own goroutine.
func (m *Manager) WatchNetwork(ctx context.Context, available <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-available:
			if !ok {
				return
			}
			if up {
				m.Resume()
			} else {
				m.Pause()
			}
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration, pauseCh <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-pauseCh:
		log.Printf("[reconnect] pending attempt aborted by pause")
		return errPaused
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) setInProgress(v bool) {
	m.mu.Lock()
	m.inProgress = v
	m.mu.Unlock()
}

// undoAttempt takes back an increment for a cycle that never ran its attempt.
func (m *Manager) undoAttempt() {
	m.mu.Lock()
	if m.attemptCount > 0 {
		m.attemptCount--
	}
	n := m.attemptCount
	m.nextDelay = 0
	m.mu.Unlock()
	m.notify(PropAttemptCount, n)
	m.notify(PropNextDelay, time.Duration(0))
}

func (m *Manager) succeed(attempt int) {
	m.mu.Lock()
	m.attemptCount = 0
	m.nextDelay = 0
	m.mu.Unlock()

	m.notify(PropAttemptCount, 0)
	m.notify(PropNextDelay, time.Duration(0))
	m.target.SetStatus("Connected")
	if attempt > 0 {
		log.Printf("[reconnect] reconnected after %d attempt(s)", attempt)
	} else {
		log.Printf("[reconnect] manual reconnect succeeded")
	}
	m.emit(EventSucceeded, attempt, "")
}

// emit records n in the history and notifies listeners outside the lock.
func (m *Manager) emit(t EventType, attempts int, details string) {
	n := Notification{Type: t, Timestamp: time.Now(), Attempts: attempts, Details: details}
	m.hist.record(n)
	metrics.ReconnectEventsTotal.WithLabelValues(string(t)).Inc()

	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(n)
	}
}

func (m *Manager) notify(p Property, value any) {
	m.mu.Lock()
	observers := make([]PropertyObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o(p, value)
	}
}

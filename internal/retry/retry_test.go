package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/backoff"
)

var fastBackoff = backoff.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Exponential: true}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"conn reset errno", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"conn refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"host unreachable", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), true},
		{"net unreachable", fmt.Errorf("dial: %w", syscall.ENETUNREACH), true},
		{"broken pipe errno", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"deadline exceeded", fmt.Errorf("connect: %w", context.DeadlineExceeded), true},
		{"eof", fmt.Errorf("ssh handshake: %w", io.EOF), true},
		{"message connection reset", errors.New("read: connection reset by peer"), true},
		{"message broken pipe", errors.New("write: broken pipe"), true},
		{"message timeout", errors.New("operation timeout"), true},
		{"message network", errors.New("network is down"), true},
		{"canceled", fmt.Errorf("connect: %w", context.Canceled), false},
		{"auth failure", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey], no supported methods remain"), false},
		{"host key rejected", errors.New("ssh: handshake failed: host key rejected for bastion:22"), false},
		{"permanent wrapping a timeout", Permanent(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)), false},
		{"protocol error", errors.New("ssh: unexpected message type 3"), false},
		{"validation", errors.New("invalid port 0"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	base := errors.New("bad password")
	if !errors.Is(Permanent(base), base) {
		t.Fatal("Permanent should unwrap to the cause")
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notes []Notification
	got, err := Do(context.Background(), Options{
		MaxAttempts: 5,
		Backoff:     fastBackoff,
		OnRetry:     func(n Notification) { notes = append(notes, n) },
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", syscall.ECONNREFUSED
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
	if len(notes) != 2 {
		t.Fatalf("got %d notifications, want 2", len(notes))
	}
	if notes[0].Attempt != 1 || notes[1].Attempt != 2 {
		t.Errorf("attempt numbers = %d, %d", notes[0].Attempt, notes[1].Attempt)
	}
	if notes[1].Delay < notes[0].Delay {
		t.Errorf("delays should not shrink: %s then %s", notes[0].Delay, notes[1].Delay)
	}
}

func TestDoNeverRetriesNonTransient(t *testing.T) {
	authErr := errors.New("ssh: unable to authenticate")
	for _, max := range []int{1, 2, 10} {
		calls := 0
		err := Run(context.Background(), Options{MaxAttempts: max, Backoff: fastBackoff}, func(ctx context.Context) error {
			calls++
			return authErr
		})
		if !errors.Is(err, authErr) {
			t.Fatalf("max=%d: err = %v, want auth error", max, err)
		}
		if errors.Is(err, ErrExhausted) {
			t.Errorf("max=%d: permanent failure reported as exhausted", max)
		}
		if calls != 1 {
			t.Errorf("max=%d: calls = %d, want 1", max, calls)
		}
	}
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Options{MaxAttempts: 3, Backoff: fastBackoff}, func(ctx context.Context) error {
		calls++
		return syscall.ECONNRESET
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("err should wrap the last failure: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = Run(context.Background(), Options{MaxAttempts: 0, Backoff: fastBackoff}, func(ctx context.Context) error {
		calls++
		return syscall.ECONNRESET
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	var mu sync.Mutex

	slow := backoff.Config{BaseDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{MaxAttempts: 5, Backoff: slow, OnRetry: func(Notification) { cancel() }}, func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return syscall.ECONNRESET
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrExhausted) {
			t.Fatal("cancellation must not be reported as exhaustion")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Run(ctx, Options{MaxAttempts: 3}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}

func TestDoCustomClassifier(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Options{
		MaxAttempts: 4,
		Backoff:     fastBackoff,
		Classifier:  func(error) bool { return true },
	}, func(ctx context.Context) error {
		calls++
		return errors.New("anything")
	})
	if !errors.Is(err, ErrExhausted) || calls != 4 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestDoUsesInjectedRand(t *testing.T) {
	var delays []time.Duration
	cfg := backoff.Config{BaseDelay: 2 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.5}
	_ = Run(context.Background(), Options{
		MaxAttempts: 2,
		Backoff:     cfg,
		Rand:        func() float64 { return 0 },
		OnRetry:     func(n Notification) { delays = append(delays, n.Delay) },
	}, func(ctx context.Context) error { return syscall.ETIMEDOUT })

	if len(delays) != 1 || delays[0] != time.Millisecond {
		t.Fatalf("delays = %v, want [1ms]", delays)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v", err)
	}
}

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// PermanentError marks a failure that must never be retried, regardless of
// what its message looks like. Authentication and host-key failures are
// wrapped in it: retrying the former risks account lockout, retrying the
// latter could mask a man-in-the-middle.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsTransient reports false for it. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// transientErrnos are socket-level failures that commonly clear on retry.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
}

// permanentMarkers identify SSH authentication failures that reach us as
// plain strings from the handshake.
var permanentMarkers = []string{
	"unable to authenticate",
	"no supported methods remain",
	"host key",
}

// transientMarkers is the curated message fallback for I/O errors that lose
// their type on the way up.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"network",
	"no route to host",
	"unreachable",
}

// IsTransient reports whether err is a network-level failure likely to
// succeed on retry. Everything else, including authentication failures,
// host-key rejections, protocol errors and cancellation, is non-transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

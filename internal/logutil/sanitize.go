package logutil

import (
	"net"
	"strconv"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings (host names, user names, key paths) so a crafted value cannot
// inject fake log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Addr formats host and port as a sanitized "host:port" string.
func Addr(host string, port int) string {
	return SanitizeForLog(net.JoinHostPort(host, strconv.Itoa(port)))
}

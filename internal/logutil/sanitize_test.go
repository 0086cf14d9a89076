package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"bastion.example.com", "bastion.example.com"},
		{"host\nFAKE ENTRY", "host FAKE ENTRY"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddr(t *testing.T) {
	if got := Addr("10.0.0.1", 22); got != "10.0.0.1:22" {
		t.Errorf("Addr() = %q", got)
	}
	if got := Addr("::1", 2222); got != "[::1]:2222" {
		t.Errorf("Addr() = %q", got)
	}
	if got := Addr("evil\nhost", 22); got != "evil host:22" {
		t.Errorf("Addr() = %q", got)
	}
}

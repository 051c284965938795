package defense

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPResolver(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		xff     string
		xri     string
		want    string
	}{
		{name: "direct", remote: "203.0.113.5:4321", want: "203.0.113.5"},
		{name: "ipv6 direct", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "untrusted peer ignores xff", remote: "203.0.113.5:1", xff: "1.1.1.1", want: "203.0.113.5"},
		{name: "no proxies configured ignores xff", trusted: nil, remote: "10.0.0.1:1", xff: "1.1.1.1", want: "10.0.0.1"},
		{name: "trusted peer uses xff", trusted: []string{"10.0.0.0/8"}, remote: "10.0.0.1:1", xff: "198.51.100.7", want: "198.51.100.7"},
		{
			name:    "spoofed leftmost entry ignored",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.0.0.1:1",
			xff:     "6.6.6.6, 198.51.100.7, 10.0.0.2",
			want:    "198.51.100.7",
		},
		{name: "all hops trusted", trusted: []string{"10.0.0.0/8"}, remote: "10.0.0.1:1", xff: "10.0.0.3, 10.0.0.2", want: "10.0.0.3"},
		{name: "x-real-ip fallback", trusted: []string{"10.0.0.1"}, remote: "10.0.0.1:1", xri: "198.51.100.9", want: "198.51.100.9"},
		{name: "garbage remote", remote: "not-an-ip", want: UnknownIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := NewClientIPResolver(tt.trusted).Resolve(r); got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetList(t *testing.T) {
	l := NewNetList([]string{"127.0.0.0/8", "::1", "192.168.1.10", "bogus", ""})
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.9.9.9:80", true},
		{"[::1]:8080", true},
		{"192.168.1.10", true},
		{"192.168.1.11", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		if got := l.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if !NewNetList(nil).Empty() {
		t.Error("empty list should report Empty")
	}
}

package main

import (
	"encoding/hex"
	"testing"
)

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestDecodeSockaddr(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		family string
		addr   string
		port   uint16
		path   string
	}{
		{
			name:   "inet 127.0.0.1:5555",
			raw:    "020015B37F0000010000000000000000",
			family: "inet",
			addr:   "127.0.0.1",
			port:   5555,
		},
		{
			name:   "unix path",
			raw:    "01002F72756E2F7465737400",
			family: "local",
			path:   "/run/test",
		},
		{
			name:   "unix abstract",
			raw:    "0100004142430000",
			family: "local",
			path:   "@ABC",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sa, err := DecodeSockaddr(decodeHex(t, tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if sa.Family != tc.family {
				t.Errorf("family = %q, want %q", sa.Family, tc.family)
			}
			if tc.addr != "" && sa.Addr.String() != tc.addr {
				t.Errorf("addr = %v, want %s", sa.Addr, tc.addr)
			}
			if tc.port != 0 && sa.Port != tc.port {
				t.Errorf("port = %d, want %d", sa.Port, tc.port)
			}
			if tc.path != "" && sa.Path != tc.path {
				t.Errorf("path = %q, want %q", sa.Path, tc.path)
			}
		})
	}
}

func TestDecodeSockaddrInet6(t *testing.T) {
	// fam=10, port 5555, flowinfo 0, ::1
	raw := decodeHex(t, "0A0015B30000000000000000000000000000000000000001")
	sa, err := DecodeSockaddr(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sa.Family != "inet6" || sa.Port != 5555 {
		t.Errorf("sa = %+v", sa)
	}
	if sa.Addr.String() != "::1" {
		t.Errorf("addr = %v", sa.Addr)
	}
}

func TestSockaddrPredicates(t *testing.T) {
	mkInet := func(a, b, c, d byte, port uint16) *Sockaddr {
		raw := []byte{2, 0, byte(port >> 8), byte(port), a, b, c, d}
		sa, err := DecodeSockaddr(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return sa
	}

	tests := []struct {
		pred  string
		sa    *Sockaddr
		match bool
	}{
		{"127.0.0.1", mkInet(127, 0, 0, 1, 5555), true},
		{"127.0.0.1", mkInet(10, 0, 0, 1, 5555), false},
		{"127.0.0.1:5555", mkInet(127, 0, 0, 1, 5555), true},
		{"127.0.0.1:5556", mkInet(127, 0, 0, 1, 5555), false},
		{"10.0.0.0/8", mkInet(10, 1, 2, 3, 80), true},
		{"10.0.0.0/8", mkInet(11, 1, 2, 3, 80), false},
		{"*:53", mkInet(8, 8, 8, 8, 53), true},
		{"*:53", mkInet(8, 8, 8, 8, 443), false},
		{"*", mkInet(1, 2, 3, 4, 9), true},
	}
	for _, tc := range tests {
		p, err := ParseSockaddrPredicate(tc.pred)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.pred, err)
		}
		if got := p.Match(tc.sa); got != tc.match {
			t.Errorf("%q vs %v:%d = %v, want %v", tc.pred, tc.sa.Addr, tc.sa.Port, got, tc.match)
		}
	}
}

func TestSockaddrPredicateFamilyAware(t *testing.T) {
	p, err := ParseSockaddrPredicate("0.0.0.0/0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	raw := make([]byte, 24)
	raw[0] = 10 // AF_INET6
	raw[23] = 1 // ::1
	sa, err := DecodeSockaddr(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Match(sa) {
		t.Error("v4 predicate matched a v6 address")
	}
}

func TestSockaddrPredicateErrors(t *testing.T) {
	for _, bad := range []string{"notanip", "10.0.0.0/99", "1.2.3.4:70000"} {
		if _, err := ParseSockaddrPredicate(bad); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}

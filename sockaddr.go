package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"auditview/types"
)

// Address families seen in SOCKADDR records.
const (
	afUnspec = 0
	afUnix   = 1
	afInet   = 2
	afInet6  = 10
	afNetlink = 16
	afPacket  = 17
)

// Sockaddr is the decoded form of a SOCKADDR record's saddr bytes.
type Sockaddr struct {
	Family string
	Addr   net.IP // inet/inet6
	Port   uint16 // inet/inet6
	Path   string // unix
	Pid    uint32 // netlink
	Groups uint32 // netlink
	FamNum uint16
}

// DecodeSockaddr interprets raw struct sockaddr bytes. The family selects
// the layout; unknown families keep the family number only.
func DecodeSockaddr(raw []byte) (*Sockaddr, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("sockaddr too short: %d bytes", len(raw))
	}
	fam := binary.LittleEndian.Uint16(raw[0:2])
	sa := &Sockaddr{FamNum: fam}
	switch fam {
	case afInet:
		if len(raw) < 8 {
			return nil, fmt.Errorf("inet sockaddr too short")
		}
		sa.Family = "inet"
		sa.Port = binary.BigEndian.Uint16(raw[2:4])
		sa.Addr = net.IPv4(raw[4], raw[5], raw[6], raw[7]).To4()
	case afInet6:
		if len(raw) < 24 {
			return nil, fmt.Errorf("inet6 sockaddr too short")
		}
		sa.Family = "inet6"
		sa.Port = binary.BigEndian.Uint16(raw[2:4])
		ip := make(net.IP, 16)
		copy(ip, raw[8:24])
		sa.Addr = ip
	case afUnix:
		sa.Family = "local"
		path := raw[2:]
		if len(path) > 0 && path[0] == 0 {
			// abstract socket namespace
			sa.Path = "@" + string(trimNul(path[1:]))
		} else {
			sa.Path = string(trimNul(path))
		}
	case afNetlink:
		sa.Family = "netlink"
		if len(raw) >= 12 {
			sa.Pid = binary.LittleEndian.Uint32(raw[4:8])
			sa.Groups = binary.LittleEndian.Uint32(raw[8:12])
		}
	case afUnspec:
		sa.Family = "unspec"
	default:
		sa.Family = "unknown"
	}
	return sa, nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// Value renders the decoded sockaddr as an ordered nested mapping for the
// event document.
func (sa *Sockaddr) Value() types.Value {
	var m []types.MapPair
	add := func(k string, v types.Value) { m = append(m, types.MapPair{Key: k, Val: v}) }

	if sa.Family == "unknown" {
		add("fam", types.NumValue(types.NumDec, int64(sa.FamNum)))
		return types.Value{Kind: types.ValMap, Map: m}
	}
	add("fam", types.LiteralValue(sa.Family))
	switch sa.Family {
	case "inet", "inet6":
		add("addr", types.LiteralValue(sa.Addr.String()))
		add("port", types.NumValue(types.NumDec, int64(sa.Port)))
	case "local":
		add("path", types.StrValue([]byte(sa.Path), types.QuoteDouble))
	case "netlink":
		add("pid", types.NumValue(types.NumDec, int64(sa.Pid)))
		add("groups", types.NumValue(types.NumHex, int64(sa.Groups)))
	}
	return types.Value{Kind: types.ValMap, Map: m}
}

// SockaddrPredicate is one compiled filter-sockaddr entry of the form
// <addr>[/bits][:port], with * allowed for any family and any port.
// Matching is family-aware: the address is compared by bit prefix, the
// port exactly.
type SockaddrPredicate struct {
	AnyAddr bool
	Net     *net.IPNet
	AnyPort bool
	Port    uint16
}

// ParseSockaddrPredicate compiles one predicate string.
func ParseSockaddrPredicate(s string) (*SockaddrPredicate, error) {
	p := &SockaddrPredicate{AnyPort: true}

	addr := s
	// split the port off; for IPv6 the address must be in brackets or
	// contain no colon ambiguity (bare v6 with no port is accepted)
	if strings.HasPrefix(addr, "[") {
		end := strings.IndexByte(addr, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated '[' in sockaddr predicate %q", s)
		}
		rest := addr[end+1:]
		addr = addr[1:end]
		if strings.HasPrefix(rest, ":") {
			if err := p.parsePort(rest[1:], s); err != nil {
				return nil, err
			}
		}
	} else if i := strings.LastIndexByte(addr, ':'); i >= 0 && strings.Count(addr, ":") == 1 {
		if err := p.parsePort(addr[i+1:], s); err != nil {
			return nil, err
		}
		addr = addr[:i]
	}

	if addr == "*" || addr == "" {
		p.AnyAddr = true
		return p, nil
	}
	if strings.ContainsRune(addr, '/') {
		_, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, fmt.Errorf("bad sockaddr predicate %q: %v", s, err)
		}
		p.Net = ipnet
		return p, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("bad address in sockaddr predicate %q", s)
	}
	bits := 8 * net.IPv6len
	if ip.To4() != nil {
		ip = ip.To4()
		bits = 8 * net.IPv4len
	}
	p.Net = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	return p, nil
}

func (p *SockaddrPredicate) parsePort(port, full string) error {
	if port == "*" {
		return nil
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("bad port in sockaddr predicate %q", full)
	}
	p.AnyPort = false
	p.Port = uint16(n)
	return nil
}

// Match reports whether a decoded sockaddr satisfies the predicate. Only
// inet and inet6 addresses can match an address predicate; the wildcard
// address matches every family.
func (p *SockaddrPredicate) Match(sa *Sockaddr) bool {
	if !p.AnyPort {
		if sa.Family != "inet" && sa.Family != "inet6" {
			return false
		}
		if sa.Port != p.Port {
			return false
		}
	}
	if p.AnyAddr {
		return true
	}
	if sa.Addr == nil {
		return false
	}
	// family-aware: a v4 predicate never matches a v6 address and vice
	// versa, except for v4-mapped forms which normalize to v4
	addr := sa.Addr
	if a4 := addr.To4(); a4 != nil {
		addr = a4
	}
	if (len(p.Net.IP) == net.IPv4len) != (len(addr) == net.IPv4len) {
		return false
	}
	return p.Net.Contains(addr)
}

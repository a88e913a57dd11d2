// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"net"
	"strconv"
	"strings"
)

// AddrKind identifies which address form an Addr holds.
type AddrKind uint8

const (
	AddrInet AddrKind = iota
	AddrInet6
	AddrUnix
)

// Addr is a parsed address string. Parsing and formatting are inverses: for
// numeric literals, ParseAddr(a.String()) round-trips to an equal Addr.
type Addr struct {
	Kind AddrKind
	Host string // AddrInet / AddrInet6
	Port uint16 // AddrInet / AddrInet6
	Path string // AddrUnix; a leading '@' denotes an abstract socket name
}

// ParseAddr parses one of "inet:HOST:PORT", "inet6:HOST:PORT", "unix:/path"
// or "unix:@abstract".
func ParseAddr(s string) (Addr, error) {
	switch {
	case strings.HasPrefix(s, "inet6:"):
		return parseInetAddr(s[len("inet6:"):], AddrInet6)
	case strings.HasPrefix(s, "inet:"):
		return parseInetAddr(s[len("inet:"):], AddrInet)
	case strings.HasPrefix(s, "unix:"):
		path := s[len("unix:"):]
		if path == "" {
			return Addr{}, wireErr("parse_addr", ErrInvalidArgument, nil)
		}
		return Addr{Kind: AddrUnix, Path: path}, nil
	default:
		return Addr{}, wireErr("parse_addr", ErrInvalidArgument, nil)
	}
}

func parseInetAddr(rest string, kind AddrKind) (Addr, error) {
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 {
		return Addr{}, wireErr("parse_addr", ErrInvalidArgument, nil)
	}
	host, portStr := rest[:idx], rest[idx+1:]
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, wireErr("parse_addr", ErrInvalidArgument, err)
	}
	if host == "" {
		return Addr{}, wireErr("parse_addr", ErrInvalidArgument, nil)
	}
	return Addr{Kind: kind, Host: host, Port: uint16(port)}, nil
}

// String formats the Addr back into one of the four wire forms, the inverse
// of ParseAddr for numeric literals.
func (a Addr) String() string {
	switch a.Kind {
	case AddrInet:
		return "inet:" + a.Host + ":" + strconv.Itoa(int(a.Port))
	case AddrInet6:
		return "inet6:" + a.Host + ":" + strconv.Itoa(int(a.Port))
	case AddrUnix:
		return "unix:" + a.Path
	default:
		return ""
	}
}

// Network returns the name to pass as the network argument to net.Dial,
// net.Listen, or net.ResolveTCPAddr/net.ResolveUnixAddr.
func (a Addr) Network() string {
	switch a.Kind {
	case AddrInet:
		return "tcp"
	case AddrInet6:
		return "tcp6"
	case AddrUnix:
		return "unix"
	default:
		return ""
	}
}

// DgramNetwork returns the connectionless variant of Network, for Bind and
// SendTo.
func (a Addr) DgramNetwork() string {
	switch a.Kind {
	case AddrInet:
		return "udp"
	case AddrInet6:
		return "udp6"
	case AddrUnix:
		return "unixgram"
	default:
		return ""
	}
}

// Address returns the value to pass as the address argument alongside
// Network() to net.Dial/net.Listen. Go's net package already treats a unix
// path beginning with '@' as a Linux abstract socket name, so unix:@name
// needs no further translation here.
func (a Addr) Address() string {
	switch a.Kind {
	case AddrInet, AddrInet6:
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	case AddrUnix:
		return a.Path
	default:
		return ""
	}
}

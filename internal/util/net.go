package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NormalizeAddr returns the provided address if it is non-empty (after trimming
// whitespace), or the fallback value if the address is empty or whitespace-only.
//
// Used to default the HTTP listen address and the inference base URL so that
// a blank value in config.yaml behaves the same as an absent one.
//
// Examples:
//
//	NormalizeAddr("",               "127.0.0.1:5000") → "127.0.0.1:5000"
//	NormalizeAddr("  ",             "127.0.0.1:5000") → "127.0.0.1:5000"
//	NormalizeAddr("0.0.0.0:8080",   "127.0.0.1:5000") → "0.0.0.0:8080"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// IsLoopbackListen reports whether a host:port listen address only binds the
// loopback interface.
//
// An empty host (":5000") binds every interface and is therefore not
// loopback. The whole 127.0.0.0/8 block counts, as does the bracketed IPv6
// form.
//
// Used by: internal/security/audit.go (the API exposure finding).
//
// Examples:
//
//	IsLoopbackListen("127.0.0.1:5000") → true
//	IsLoopbackListen("[::1]:5000")     → true
//	IsLoopbackListen("localhost:5000") → true
//	IsLoopbackListen("0.0.0.0:5000")   → false
//	IsLoopbackListen(":5000")          → false
func IsLoopbackListen(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}

// ValidPort reports whether port can be bound by a local listener. Port 0
// (let the kernel pick) is rejected because tunnel providers must be told a
// fixed port to forward to.
//
// Used by: internal/appconfig/config.go (Load, for tunnel.local_port).
func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

// ListenPort extracts and checks the port of a host:port listen address.
//
// Used by: internal/appconfig/config.go (Load, for server.listen) so a
// malformed listen address fails at startup instead of at bind time.
//
// Examples:
//
//	ListenPort("127.0.0.1:5000") → 5000, nil
//	ListenPort("[::1]:8080")     → 8080, nil
//	ListenPort("127.0.0.1")      → 0, error  // missing port
//	ListenPort("0.0.0.0:70000")  → 0, error  // out of range
func ListenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || !ValidPort(port) {
		return 0, fmt.Errorf("port %q out of range (must be 1-65535)", p)
	}
	return port, nil
}

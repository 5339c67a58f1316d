package collectors

import (
	"context"
	"fmt"
	"net"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// BindScope classifies how widely a listening socket is reachable.
type BindScope string

const (
	BindLocal  BindScope = "LOCAL"  // loopback only
	BindLAN    BindScope = "LAN"    // private/link-local range
	BindGlobal BindScope = "GLOBAL" // wildcard or public address
)

// Listener is one listening socket with its owning process.
type Listener struct {
	Proc  string
	PID   int32
	Port  uint32
	Proto string // "tcp" or "udp"
	Bind  string
	Scope BindScope
}

// Key identifies a listener independently of PID, so a service restart does
// not look like a new socket.
func (l Listener) Key() string {
	return fmt.Sprintf("%s/%d/%s/%s", l.Proc, l.Port, l.Proto, l.Bind)
}

// Listeners enumerates listening TCP sockets and bound UDP sockets with the
// process that owns each one.
func Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	names := make(map[int32]string)
	procName := func(pid int32) string {
		if pid <= 0 {
			return "?"
		}
		if n, ok := names[pid]; ok {
			return n
		}
		n := "?"
		if p, err := process.NewProcessWithContext(ctx, pid); err == nil {
			if pn, err := p.NameWithContext(ctx); err == nil {
				n = pn
			}
		}
		names[pid] = n
		return n
	}

	var out []Listener
	seen := make(map[string]struct{})
	for _, c := range conns {
		var proto string
		switch {
		case c.Type == 1 && c.Status == "LISTEN": // SOCK_STREAM
			proto = "tcp"
		case c.Type == 2: // SOCK_DGRAM, connectionless so every bind counts
			proto = "udp"
		default:
			continue
		}

		l := Listener{
			Proc:  procName(c.Pid),
			PID:   c.Pid,
			Port:  c.Laddr.Port,
			Proto: proto,
			Bind:  c.Laddr.IP,
			Scope: ClassifyBind(c.Laddr.IP),
		}
		if _, dup := seen[l.Key()]; dup {
			continue
		}
		seen[l.Key()] = struct{}{}
		out = append(out, l)
	}
	return out, nil
}

// ClassifyBind maps a bind address to its reachability scope. Unparseable
// addresses are treated as GLOBAL so odd binds surface loudly rather than
// silently.
func ClassifyBind(addr string) BindScope {
	if addr == "" || addr == "*" || addr == "0.0.0.0" || addr == "::" {
		return BindGlobal
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	if ip == nil {
		return BindGlobal
	}
	if ip.IsLoopback() {
		return BindLocal
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return BindLAN
	}
	return BindGlobal
}

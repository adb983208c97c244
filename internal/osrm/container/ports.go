package container

import (
	"context"
	"net"
	"strconv"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// PortOwner identifies the listener bound to a port. PID is 0 when the
// listener is reachable but its process cannot be resolved.
type PortOwner struct {
	PID  int32  `json:"pid"`
	Name string `json:"name,omitempty"`
}

// PortProbe reports who listens on a TCP port.
type PortProbe interface {
	// Owner returns nil when nothing listens on port.
	Owner(ctx context.Context, port int) (*PortOwner, error)
}

// SystemProbe inspects the host's socket table.
type SystemProbe struct {
	// Host is dialed when the socket table does not show the listener.
	Host string
}

func (p SystemProbe) Owner(ctx context.Context, port int) (*PortOwner, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err == nil {
		for _, c := range conns {
			if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
				continue
			}
			owner := &PortOwner{PID: c.Pid}
			if c.Pid > 0 {
				if proc, perr := process.NewProcessWithContext(ctx, c.Pid); perr == nil {
					owner.Name, _ = proc.NameWithContext(ctx)
				}
			}
			return owner, nil
		}
	}

	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, derr := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if derr != nil {
		return nil, nil
	}
	conn.Close()
	return &PortOwner{}, nil
}

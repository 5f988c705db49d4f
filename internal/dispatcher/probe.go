package dispatcher

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultSSHPort is probed when a host has no port configured.
const DefaultSSHPort = 22

// Prober checks that a host accepts connections before a job is dispatched.
type Prober func(ctx context.Context, host string, port int) error

// TCPProbe dials the ssh port of a host and closes the connection at once.
func TCPProbe(timeout time.Duration) Prober {
	return func(ctx context.Context, host string, port int) error {
		if port == 0 {
			port = DefaultSSHPort
		}
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("host %s unreachable on port %d: %w", host, port, err)
		}
		return conn.Close()
	}
}

package bridge

import (
	"net"
	"time"

	"slipstream-go/internal/proxy"
)

// Dialer abstracts how the server-side target connector opens the
// upstream TCP connection: resolve the configured target address, open
// TCP, set NODELAY. The direct path and the SOCKS5 egress path (kept as a
// supplementary upstream option) share this interface.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// DirectDialer opens a TCP connection straight to the target address and
// enables TCP_NODELAY, the primary egress path.
type DirectDialer struct {
	Timeout time.Duration
}

func (d DirectDialer) Dial(network, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// NewSOCKS5Dialer adapts the standalone SOCKS5 client into the bridge's
// Dialer interface, for deployments that egress to the target through a
// SOCKS5 proxy instead of dialing it directly.
func NewSOCKS5Dialer(proxyAddr, username, password string) Dialer {
	if username == "" {
		return proxy.NewSOCKS5Dialer(proxyAddr)
	}
	return proxy.NewSOCKS5DialerWithAuth(proxyAddr, username, password)
}

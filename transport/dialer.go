package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/proxy"
)

// Dialer opens TCP streams to onion services through the Tor SOCKS5 egress.
type Dialer struct {
	socksAddr string
}

// NewDialer creates a dialer for the given SOCKS5 endpoint.
func NewDialer(host string, port int) *Dialer {
	return &Dialer{socksAddr: net.JoinHostPort(host, strconv.Itoa(port))}
}

// Dial connects to addr ("<onion>:<port>") through the SOCKS5 proxy. The
// onion hostname is resolved by Tor, never locally.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	sd, err := proxy.SOCKS5("tcp", d.socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := sd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	c, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transient("dial "+addr, err)
	}
	return NewConn(c), nil
}

// ContextDialFunc is the dial signature the client depends on, so tests can
// substitute an in-process pipe for Tor.
type ContextDialFunc func(ctx context.Context, addr string) (*Conn, error)

// Package transport moves wake-protocol frames over Tor: outbound through a
// SOCKS5 egress to the peer's hidden service, inbound through the local
// hidden-service listener. Every operation takes a deadline; timeouts and
// connection failures surface as ErrTransient and feed the retry policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/secure-legion/legion/wire"
)

var (
	// ErrTransient marks failures the retry policy recovers: refused
	// connections, timeouts, Tor not ready.
	ErrTransient = errors.New("transport: transient failure")
	// ErrHandleStale is returned when the instant path is attempted on a
	// connection past the reuse age.
	ErrHandleStale = errors.New("transport: connection handle stale")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// transient wraps an error as retryable.
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// Conn is a framed, age-tracked connection handle. Writes are serialised so
// concurrent ACK and PONG writers cannot interleave frames.
type Conn struct {
	c       net.Conn
	created time.Time

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
}

// NewConn wraps a network connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, created: time.Now()}
}

// Age returns how long ago the connection was opened.
func (h *Conn) Age() time.Duration {
	return time.Since(h.created)
}

// WriteFrame writes one length-prefixed frame, honouring the context
// deadline.
func (h *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = h.c.SetWriteDeadline(deadline)
		defer h.c.SetWriteDeadline(time.Time{})
	}
	if err := wire.WriteFrame(h.c, frame); err != nil {
		return transient("write frame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, honouring the context deadline.
func (h *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	h.rmu.Lock()
	defer h.rmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = h.c.SetReadDeadline(deadline)
		defer h.c.SetReadDeadline(time.Time{})
	}
	frame, err := wire.ReadFrame(h.c)
	if err != nil {
		return nil, transient("read frame", err)
	}
	return frame, nil
}

// Close closes the underlying connection.
func (h *Conn) Close() error {
	var err error
	h.closeOnce.Do(func() { err = h.c.Close() })
	return err
}

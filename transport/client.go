package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
)

// Client sends wake-protocol frames to peers' hidden-service listeners. The
// dial function is injectable so tests run over in-process pipes.
type Client struct {
	dial        ContextDialFunc
	virtualPort int
	pool        *Pool
	reuseMaxAge time.Duration
	log         logger.Logger
}

// ClientConfig tunes the client.
type ClientConfig struct {
	VirtualPort int
	ReuseMaxAge time.Duration
}

// NewClient creates a client over the given dial function.
func NewClient(dial ContextDialFunc, cfg ClientConfig, log logger.Logger) *Client {
	if cfg.VirtualPort == 0 {
		cfg.VirtualPort = DefaultVirtualPort
	}
	if cfg.ReuseMaxAge <= 0 {
		cfg.ReuseMaxAge = 30 * time.Second
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Client{
		dial:        dial,
		virtualPort: cfg.VirtualPort,
		pool:        NewPool(cfg.ReuseMaxAge),
		reuseMaxAge: cfg.ReuseMaxAge,
		log:         log,
	}
}

// DefaultVirtualPort is the hidden-service virtual port peers listen on.
const DefaultVirtualPort = 7321

func (c *Client) addr(onion string) string {
	return net.JoinHostPort(onion, strconv.Itoa(c.virtualPort))
}

// SendPing opens (or reuses) a connection to the recipient's listener and
// writes the PING frame. The returned handle stays open: the instant path
// delivers the PONG and MESSAGE exchange on this same stream.
func (c *Client) SendPing(ctx context.Context, recipientOnion string, pingBytes []byte) (*Conn, error) {
	dest := c.addr(recipientOnion)

	if h := c.pool.Acquire(dest); h != nil {
		if err := h.WriteFrame(ctx, pingBytes); err == nil {
			metrics.FramesSent.WithLabelValues("ping", "reused").Inc()
			return h, nil
		}
		// The pooled handle went bad underneath us; dial fresh.
		c.pool.Discard(dest, h)
	}

	h, err := c.dial(ctx, dest)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		return nil, err
	}
	if err := h.WriteFrame(ctx, pingBytes); err != nil {
		h.Close()
		metrics.TransportErrors.WithLabelValues("write_ping").Inc()
		return nil, err
	}
	c.pool.Track(dest, h)
	metrics.FramesSent.WithLabelValues("ping", "fresh").Inc()
	return h, nil
}

// Release returns a ping handle to the pool for reuse.
func (c *Client) Release(recipientOnion string, h *Conn) {
	c.pool.Release(c.addr(recipientOnion), h)
}

// Discard drops a ping handle.
func (c *Client) Discard(recipientOnion string, h *Conn) {
	c.pool.Discard(c.addr(recipientOnion), h)
}

// SendPongReuse writes the PONG on an existing inbound handle; the MESSAGE
// answers on the same stream through the listener's reader. Only valid while
// the handle is fresh.
func (c *Client) SendPongReuse(ctx context.Context, h *Conn, pongBytes []byte) error {
	if h.Age() > c.reuseMaxAge {
		return ErrHandleStale
	}
	if err := h.WriteFrame(ctx, pongBytes); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues("pong", "reused").Inc()
	return nil
}

// SendPongListener opens a fresh connection to the ping sender's listener,
// writes the PONG there and returns the connection for the MESSAGE + ACK
// exchange. This is the authoritative fallback path.
func (c *Client) SendPongListener(ctx context.Context, senderOnion string, pongBytes []byte) (*Conn, error) {
	h, err := c.dial(ctx, c.addr(senderOnion))
	if err != nil {
		metrics.TransportErrors.WithLabelValues("dial").Inc()
		return nil, err
	}
	if err := h.WriteFrame(ctx, pongBytes); err != nil {
		h.Close()
		return nil, err
	}
	metrics.FramesSent.WithLabelValues("pong", "listener").Inc()
	return h, nil
}

// SendAck writes an ACK on an open handle.
func (c *Client) SendAck(ctx context.Context, h *Conn, ackBytes []byte) error {
	if err := h.WriteFrame(ctx, ackBytes); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues("ack", "reused").Inc()
	return nil
}

// SendAckDial opens a fresh connection to deliver an ACK when no stream is
// available.
func (c *Client) SendAckDial(ctx context.Context, onion string, ackBytes []byte) error {
	h, err := c.dial(ctx, c.addr(onion))
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.WriteFrame(ctx, ackBytes); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues("ack", "fresh").Inc()
	return nil
}

// Close drops all pooled handles.
func (c *Client) Close() {
	c.pool.Close()
}

// String describes the client for logs.
func (c *Client) String() string {
	return fmt.Sprintf("transport.Client(vport=%d)", c.virtualPort)
}

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
)

// InboundFrame is one decoded-length frame from the local hidden service,
// together with the stream it arrived on so replies can reuse the circuit.
type InboundFrame struct {
	Payload    []byte
	Conn       *Conn
	ReceivedAt time.Time
}

// Listener accepts streams on the local hidden-service port and yields their
// frames. Tor forwards the onion virtual port here, so the bind address is
// loopback.
type Listener struct {
	bind   string
	log    logger.Logger
	frames chan InboundFrame

	ln         net.Listener
	lastAccept atomic.Int64

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewListener creates a listener for the given loopback bind address.
func NewListener(bind string, log logger.Logger) *Listener {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Listener{
		bind:   bind,
		log:    log,
		frames: make(chan InboundFrame, 64),
	}
}

// Start binds the port and runs the accept loop until the context ends or
// Close is called.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.bind)
	if err != nil {
		return transient("listen "+l.bind, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	l.ln = ln
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.log.Info("listener started", logger.String("bind", l.bind))
	go l.acceptLoop(ctx)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	defer func() {
		_ = g.Wait()
		close(l.frames)
	}()

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("accept failed", logger.Error(err))
			continue
		}
		l.lastAccept.Store(time.Now().Unix())
		metrics.ListenerHeartbeat.SetToCurrentTime()

		conn := NewConn(c)
		g.Go(func() error {
			l.serveConn(ctx, conn)
			return nil
		})
	}
}

// serveConn reads frames off one inbound stream until it fails or the
// listener stops. Each frame carries the stream handle so the orchestrator
// can answer on the same circuit.
func (l *Listener) serveConn(ctx context.Context, conn *Conn) {
	metrics.ListenerConnections.Inc()
	defer metrics.ListenerConnections.Dec()
	defer conn.Close()

	// Unblock the pending read when the listener shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		select {
		case l.frames <- InboundFrame{Payload: frame, Conn: conn, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// Frames yields inbound frames until the listener closes.
func (l *Listener) Frames() <-chan InboundFrame {
	return l.frames
}

// LastAccept returns the time of the most recent accepted stream, or the zero
// time before the first accept.
func (l *Listener) LastAccept() time.Time {
	ts := l.lastAccept.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Addr returns the bound address, or empty before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Close stops the accept loop and drops open streams.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

package core

import (
	"sync"
	"time"

	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/wire"
)

// session is the short-lived receive-side state for one pending ping: who
// sent it, and the inbound stream it arrived on while that stream is fresh
// enough for the instant PONG path.
type session struct {
	senderPub []byte
	conn      *transport.Conn
	createdAt time.Time
}

// sessionTable holds pending sessions with a bounded TTL. Entries are evicted
// when the message is stored or when the TTL lapses.
type sessionTable struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session
}

func newSessionTable(ttl time.Duration) *sessionTable {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &sessionTable{
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

func (t *sessionTable) put(pingID string, s *session) {
	s.createdAt = time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[pingID] = s
}

func (t *sessionTable) get(pingID string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[pingID]
	if !ok {
		return nil, false
	}
	if time.Since(s.createdAt) > t.ttl {
		delete(t.sessions, pingID)
		return nil, false
	}
	return s, true
}

func (t *sessionTable) evict(pingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, pingID)
}

func (t *sessionTable) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if time.Since(s.createdAt) > t.ttl {
			delete(t.sessions, id)
		}
	}
}

// pongArrival is a PONG correlated back to a waiting sender, together with
// the stream it arrived on so the MESSAGE can answer on the same circuit.
type pongArrival struct {
	pong *wire.Pong
	conn *transport.Conn
}

// msgArrival is a MESSAGE correlated back to a waiting download.
type msgArrival struct {
	msg  *wire.Message
	conn *transport.Conn
}

// waiters is the process-scoped registry of pending correlation channels
// keyed by ping id. It replaces shared mutable callback state with explicit
// ownership: register, wait, unregister.
type waiters struct {
	mu    sync.Mutex
	pongs map[string]chan pongArrival
	msgs  map[string]chan msgArrival
	acks  map[string]chan *wire.Ack
}

func newWaiters() *waiters {
	return &waiters{
		pongs: make(map[string]chan pongArrival),
		msgs:  make(map[string]chan msgArrival),
		acks:  make(map[string]chan *wire.Ack),
	}
}

func (w *waiters) registerPong(pingID string) chan pongArrival {
	ch := make(chan pongArrival, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pongs[pingID] = ch
	return ch
}

func (w *waiters) registerMsg(pingID string) chan msgArrival {
	ch := make(chan msgArrival, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs[pingID] = ch
	return ch
}

func (w *waiters) registerAck(pingID string) chan *wire.Ack {
	ch := make(chan *wire.Ack, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acks[pingID] = ch
	return ch
}

func (w *waiters) deliverPong(pingID string, a pongArrival) bool {
	w.mu.Lock()
	ch, ok := w.pongs[pingID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
		return true
	default:
		return false
	}
}

func (w *waiters) deliverMsg(pingID string, a msgArrival) bool {
	w.mu.Lock()
	ch, ok := w.msgs[pingID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
		return true
	default:
		return false
	}
}

func (w *waiters) deliverAck(pingID string, a *wire.Ack) bool {
	w.mu.Lock()
	ch, ok := w.acks[pingID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
		return true
	default:
		return false
	}
}

func (w *waiters) unregister(pingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pongs, pingID)
	delete(w.msgs, pingID)
	delete(w.acks, pingID)
}

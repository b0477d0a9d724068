package transport

import (
	"sync"
	"time"
)

// Pool tracks at most one live outbound connection per destination, with a
// bounded age. A fresh handle makes the instant PONG path possible; a stale
// or busy destination falls back to a new connection.
type Pool struct {
	mu      sync.Mutex
	maxAge  time.Duration
	entries map[string]*poolEntry
}

type poolEntry struct {
	conn     *Conn
	inflight bool
}

// NewPool creates a pool with the given reuse age.
func NewPool(maxAge time.Duration) *Pool {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &Pool{
		maxAge:  maxAge,
		entries: make(map[string]*poolEntry),
	}
}

// Acquire returns the live handle for a destination if it is fresh and not in
// use, marking it inflight. Returns nil when the caller must dial.
func (p *Pool) Acquire(dest string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[dest]
	if !ok || e.inflight {
		return nil
	}
	if e.conn.Age() > p.maxAge {
		e.conn.Close()
		delete(p.entries, dest)
		return nil
	}
	e.inflight = true
	return e.conn
}

// Track registers a freshly dialled handle for a destination, replacing any
// previous one. The handle starts inflight.
func (p *Pool) Track(dest string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[dest]; ok {
		e.conn.Close()
	}
	p.entries[dest] = &poolEntry{conn: conn, inflight: true}
}

// Release marks the destination's handle reusable again.
func (p *Pool) Release(dest string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[dest]
	if !ok || e.conn != conn {
		return
	}
	e.inflight = false
}

// Discard drops the destination's handle, closing it.
func (p *Pool) Discard(dest string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[dest]
	if !ok || e.conn != conn {
		conn.Close()
		return
	}
	e.conn.Close()
	delete(p.entries, dest)
}

// Close drops every handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dest, e := range p.entries {
		e.conn.Close()
		delete(p.entries, dest)
	}
}

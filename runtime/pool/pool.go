// Package pool manages bounded sets of reusable connections keyed by backend
// address. The pool never exceeds its per-address bound: callers that cannot
// be served fail fast with ErrExhausted instead of queueing.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxPerAddress bounds concurrent connections per backend address.
const DefaultMaxPerAddress = 5

// Sentinel errors returned by Acquire and Release.
var (
	ErrExhausted = errors.New("connection pool exhausted")
	ErrClosed    = errors.New("connection pool closed")
)

// Conn is an opaque pooled connection. The pool only needs to tear it down.
type Conn interface {
	Close() error
}

// Factory dials a new connection for an address.
type Factory func(ctx context.Context, address string) (Conn, error)

type entry struct {
	idle     []Conn
	inUse    map[Conn]struct{}
	creating int
}

func (e *entry) total() int {
	return len(e.idle) + len(e.inUse) + e.creating
}

// Pool hands out connections per address, reusing idle ones and creating new
// ones while under the bound.
type Pool struct {
	factory Factory
	max     int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxPerAddress sets the per-address connection bound.
func WithMaxPerAddress(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.max = n
		}
	}
}

// New constructs a Pool using factory to dial connections.
func New(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory: factory,
		max:     DefaultMaxPerAddress,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns an idle connection for address or dials a new one while
// under the bound. At the bound it fails fast with ErrExhausted.
func (p *Pool) Acquire(ctx context.Context, address string) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := p.entries[address]
	if !ok {
		e = &entry{inUse: make(map[Conn]struct{})}
		p.entries[address] = e
	}
	if n := len(e.idle); n > 0 {
		conn := e.idle[n-1]
		e.idle = e.idle[:n-1]
		e.inUse[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}
	if e.total() >= p.max {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: address %s at %d connections", ErrExhausted, address, p.max)
	}
	// Reserve the slot while dialing outside the lock.
	e.creating++
	p.mu.Unlock()

	conn, err := p.factory(ctx, address)

	p.mu.Lock()
	e.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	e.inUse[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

// Release returns conn to the idle set. Releasing a connection that was not
// acquired from this pool (or releasing twice) is an error, not a corruption.
func (p *Pool) Release(address string, conn Conn) error {
	p.mu.Lock()
	e, ok := p.entries[address]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("release: unknown address %s", address)
	}
	if _, held := e.inUse[conn]; !held {
		p.mu.Unlock()
		return fmt.Errorf("release: connection not checked out for %s", address)
	}
	delete(e.inUse, conn)
	if p.closed {
		p.mu.Unlock()
		return conn.Close()
	}
	e.idle = append(e.idle, conn)
	p.mu.Unlock()
	return nil
}

// Discard removes a broken connection from the pool and tears it down,
// freeing its slot for a fresh dial.
func (p *Pool) Discard(address string, conn Conn) error {
	p.mu.Lock()
	e, ok := p.entries[address]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("discard: unknown address %s", address)
	}
	if _, held := e.inUse[conn]; !held {
		p.mu.Unlock()
		return fmt.Errorf("discard: connection not checked out for %s", address)
	}
	delete(e.inUse, conn)
	p.mu.Unlock()
	return conn.Close()
}

// Close tears down every idle and checked-out connection. Subsequent Acquire
// calls fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []Conn
	for _, e := range p.entries {
		conns = append(conns, e.idle...)
		for conn := range e.inUse {
			conns = append(conns, conn)
		}
		e.idle = nil
		e.inUse = make(map[Conn]struct{})
	}
	p.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddressStats describes the state of one address's entry.
type AddressStats struct {
	Idle  int
	InUse int
}

// Stats returns per-address connection counts.
func (p *Pool) Stats() map[string]AddressStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]AddressStats, len(p.entries))
	for addr, e := range p.entries {
		out[addr] = AddressStats{Idle: len(e.idle), InUse: len(e.inUse) + e.creating}
	}
	return out
}

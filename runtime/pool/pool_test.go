package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func newFakeFactory() (Factory, *atomic.Int32) {
	var dials atomic.Int32
	return func(ctx context.Context, address string) (Conn, error) {
		n := dials.Add(1)
		return &fakeConn{id: int(n)}, nil
	}, &dials
}

func TestAcquireReusesIdle(t *testing.T) {
	factory, dials := newFakeFactory()
	p := New(factory)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release("jenkins:8080", conn); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again != conn {
		t.Fatal("expected idle connection to be reused")
	}
	if dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", dials.Load())
	}
}

func TestAcquireFailsFastAtBound(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, WithMaxPerAddress(2))
	ctx := context.Background()

	a, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := p.Acquire(ctx, "jenkins:8080"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if _, err := p.Acquire(ctx, "jenkins:8080"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	// Another address has its own bound.
	if _, err := p.Acquire(ctx, "staging:8080"); err != nil {
		t.Fatalf("acquire other address: %v", err)
	}
	// Releasing frees a slot.
	if err := p.Release("jenkins:8080", a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := p.Acquire(ctx, "jenkins:8080"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestDoubleReleaseIsError(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory)
	conn, err := p.Acquire(context.Background(), "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release("jenkins:8080", conn); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := p.Release("jenkins:8080", conn); err == nil {
		t.Fatal("expected error on double release")
	}
	if err := p.Release("unknown:1", conn); err == nil {
		t.Fatal("expected error for unknown address")
	}
}

func TestDiscardFreesSlot(t *testing.T) {
	factory, dials := newFakeFactory()
	p := New(factory, WithMaxPerAddress(1))
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Discard("jenkins:8080", conn); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if !conn.(*fakeConn).closed.Load() {
		t.Fatal("discarded connection not closed")
	}
	fresh, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if fresh == conn {
		t.Fatal("expected a fresh dial after discard")
	}
	if dials.Load() != 2 {
		t.Fatalf("expected two dials, got %d", dials.Load())
	}
}

func TestCloseTearsDownConnections(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory)
	ctx := context.Background()

	held, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	idle, err := p.Acquire(ctx, "jenkins:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release("jenkins:8080", idle); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !held.(*fakeConn).closed.Load() || !idle.(*fakeConn).closed.Load() {
		t.Fatal("expected all connections to be torn down")
	}
	if _, err := p.Acquire(ctx, "jenkins:8080"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentAcquireNeverExceedsBound(t *testing.T) {
	factory, _ := newFakeFactory()
	const bound = 2
	p := New(factory, WithMaxPerAddress(bound))
	ctx := context.Background()

	var inUse atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx, "jenkins:8080")
			if err != nil {
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			inUse.Add(-1)
			_ = p.Release("jenkins:8080", conn)
		}()
	}
	wg.Wait()
	if peak.Load() > bound {
		t.Fatalf("bound exceeded: %d connections in use", peak.Load())
	}
}

func TestPoolBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("in-use never exceeds bound under mixed traffic", prop.ForAll(
		func(ops []bool, maxConns uint8) bool {
			bound := int(maxConns%4) + 1
			factory, _ := newFakeFactory()
			p := New(factory, WithMaxPerAddress(bound))
			ctx := context.Background()
			var held []Conn
			for _, acquire := range ops {
				if acquire {
					conn, err := p.Acquire(ctx, "addr")
					if err == nil {
						held = append(held, conn)
					}
				} else if len(held) > 0 {
					conn := held[len(held)-1]
					held = held[:len(held)-1]
					if err := p.Release("addr", conn); err != nil {
						return false
					}
				}
				if len(held) > bound {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

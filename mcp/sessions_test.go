package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp/internal/clock"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	pingErr error

	closeOnce sync.Once
	closes    atomic.Int32
	waitCh    chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, waitCh: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Ping(context.Context, *mcpsdk.PingParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.waitCh) })
	return nil
}

func (c *fakeConn) Wait() error {
	<-c.waitCh
	return nil
}

// endConnection simulates the client side going away.
func (c *fakeConn) endConnection() {
	c.closeOnce.Do(func() { close(c.waitCh) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestSessionRegistryAddGetRemove(t *testing.T) {
	t.Parallel()
	reg := newSessionRegistry(sessionRegistryOptions{Clock: clock.NewManual(time.Now())})
	conn := newFakeConn("s1")

	if !reg.Add(conn) {
		t.Fatalf("expected add to succeed")
	}
	if reg.Add(conn) {
		t.Fatalf("duplicate add must report false")
	}
	got, ok := reg.Get("s1")
	if !ok || got.ID() != "s1" {
		t.Fatalf("expected to retrieve live session")
	}
	if _, ok := reg.Get("absent"); ok {
		t.Fatalf("absent session must not resolve")
	}
	if !reg.Remove("s1") {
		t.Fatalf("first remove must report true")
	}
	if reg.Remove("s1") {
		t.Fatalf("second remove must be a no-op")
	}
	if reg.Remove("never-added") {
		t.Fatalf("unknown remove must be a no-op")
	}
	if conn.closes.Load() != 1 {
		t.Fatalf("expected exactly one close, got %d", conn.closes.Load())
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("removed session must not resolve")
	}
}

func TestSessionRegistryWaiterRemovesEndedConnections(t *testing.T) {
	t.Parallel()
	reg := newSessionRegistry(sessionRegistryOptions{Clock: clock.NewManual(time.Now())})
	conn := newFakeConn("s1")
	reg.Add(conn)

	conn.endConnection()
	waitFor(t, func() bool { return reg.Len() == 0 })
}

func TestSessionRegistryKeepaliveRemovesFailingSessions(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	reg := newSessionRegistry(sessionRegistryOptions{
		KeepAliveInterval: 25 * time.Second,
		Clock:             clk,
	})
	healthy := newFakeConn("healthy")
	failing := newFakeConn("failing")
	reg.Add(healthy)
	reg.Add(failing)
	failing.setPingErr(context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	waitFor(t, func() bool { return clk.Pending() > 0 })
	clk.Advance(25 * time.Second)

	waitFor(t, func() bool { return reg.Len() == 1 })
	if _, ok := reg.Get("healthy"); !ok {
		t.Fatalf("healthy session must survive the sweep")
	}
	if _, ok := reg.Get("failing"); ok {
		t.Fatalf("failing session must be removed by the sweep")
	}
}

func TestSessionRegistryShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	var counts []int
	var mu sync.Mutex
	reg := newSessionRegistry(sessionRegistryOptions{
		Clock: clock.NewManual(time.Now()),
		OnCount: func(n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})
	a, b := newFakeConn("a"), newFakeConn("b")
	reg.Add(a)
	reg.Add(b)

	reg.Shutdown()
	reg.Shutdown()

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after shutdown")
	}
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Fatalf("each session must be closed exactly once: a=%d b=%d", a.closes.Load(), b.closes.Load())
	}
	if reg.Add(newFakeConn("late")) {
		t.Fatalf("add after shutdown must be rejected")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(counts) == 0 || counts[len(counts)-1] != 0 {
		t.Fatalf("count callback must end at zero, got %v", counts)
	}
}

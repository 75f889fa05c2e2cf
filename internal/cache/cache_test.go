package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/docmcp/internal/clock"
)

func testClock() *clock.Manual {
	return clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestGetReturnsValueBeforeExpiry(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[string](Options{Clock: clk})

	if !c.Set("k", "v", time.Second) {
		t.Fatalf("expected Set to store the entry")
	}
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Fatalf("expected hit with %q, got %q ok=%v", "v", got, ok)
	}
}

func TestGetAfterExpiryReturnsAbsentAndDeletes(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[string](Options{Clock: clk})

	c.Set("k", "v", time.Second)
	clk.Advance(1100 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry to be absent")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be deleted on access, len=%d", c.Len())
	}
}

func TestGetDoesNotExtendTTL(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[string](Options{Clock: clk})

	c.Set("k", "v", 2*time.Second)
	clk.Advance(1500 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected entry still live at 1.5s")
	}
	clk.Advance(600 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry expired at 2.1s despite the earlier read")
	}
}

func TestCapacityEvictsOldestByCreation(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[int](Options{Capacity: 2, Clock: clk})

	c.Set("a", 1, time.Hour)
	clk.Advance(time.Second)
	c.Set("b", 2, time.Hour)
	clk.Advance(time.Second)
	c.Set("c", 3, time.Hour)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected oldest entry a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected b to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestDisabledCacheIsPassThrough(t *testing.T) {
	t.Parallel()
	c := New[string](Options{Disabled: true, Clock: testClock()})

	if c.Set("k", "v", time.Hour) {
		t.Fatalf("expected Set to report false when disabled")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected Get to miss when disabled")
	}
}

func TestNonPositiveTTLNotStored(t *testing.T) {
	t.Parallel()
	c := New[string](Options{Clock: testClock()})
	if c.Set("k", "v", 0) {
		t.Fatalf("expected zero TTL to be rejected")
	}
	if c.Len() != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestClearPrefix(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[int](Options{Clock: clk})

	c.Set("user.a", 1, time.Hour)
	c.Set("user.b", 2, time.Hour)
	c.Set("tenant.a", 3, time.Hour)

	if n := c.ClearPrefix("user."); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := c.Get("tenant.a"); !ok {
		t.Fatalf("expected tenant entry untouched")
	}
}

func TestSweepRemovesExpiredWithoutAccess(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[int](Options{Clock: clk, SweepInterval: time.Minute})

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitStart := time.Now()
	for clk.Pending() == 0 {
		if time.Since(waitStart) > 2*time.Second {
			t.Fatalf("sweep loop never armed its timer")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(61 * time.Second)
	deadline := time.After(2 * time.Second)
	for c.Len() != 1 {
		select {
		case <-deadline:
			t.Fatalf("expected sweep to remove expired entry, len=%d", c.Len())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	<-done
}

func TestMutationHooksFireForPrefixAndSwallowErrors(t *testing.T) {
	t.Parallel()
	clk := testClock()
	c := New[string](Options{Clock: clk})

	var mu sync.Mutex
	var calls []string
	c.OnMutate("user.", func(key string) error {
		mu.Lock()
		calls = append(calls, key)
		mu.Unlock()
		return errors.New("disk full")
	})

	if !c.Set("user.k", "v", time.Hour) {
		t.Fatalf("expected Set to succeed despite failing hook")
	}
	c.Set("tenant.k", "v", time.Hour)
	c.Delete("user.k")

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected 2 hook calls, got %v", calls)
	}
}

func TestConcurrentSetGetDelete(t *testing.T) {
	t.Parallel()
	c := New[int](Options{Capacity: 64, Clock: testClock()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%32)
				c.Set(key, n, time.Hour)
				c.Get(key)
				if j%7 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
}

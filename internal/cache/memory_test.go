package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

func TestMemory_SetGet(t *testing.T) {
	c := newTestMemory()

	c.Set("key1", "value1", time.Minute)
	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("Get('key1') should return true")
	}
	if got != "value1" {
		t.Errorf("Get('key1') = %v, want 'value1'", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get('missing') should return false")
	}
}

func TestMemory_Expiry(t *testing.T) {
	c := newTestMemory()
	c.Set("key", "value", 30*time.Millisecond)

	if _, ok := c.Get("key"); !ok {
		t.Fatal("key should be present immediately after Set")
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get("key"); ok {
		t.Error("key should be expired after TTL")
	}
}

func TestMemory_GetOrPopulate(t *testing.T) {
	c := newTestMemory()
	calls := 0

	for i := 0; i < 3; i++ {
		v, err := c.GetOrPopulate(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
			calls++
			return "v", nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if v != "v" {
			t.Errorf("v = %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("populate ran %d times, want 1", calls)
	}
}

func TestMemory_GetOrPopulateError(t *testing.T) {
	c := newTestMemory()
	boom := errors.New("nope")

	if _, err := c.GetOrPopulate(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("failed population must not cache")
	}
}

func TestMemory_Cleanup(t *testing.T) {
	c := newTestMemory()
	c.Set("a", 1, 10*time.Millisecond)
	c.Set("b", 2, time.Minute)

	time.Sleep(20 * time.Millisecond)
	c.cleanup()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.entries["a"]; ok {
		t.Error("expired entry 'a' should be swept")
	}
	if _, ok := c.entries["b"]; !ok {
		t.Error("fresh entry 'b' should remain")
	}
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	c := newTestMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Set("key", n, time.Second)
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get("key")
		}()
	}
	wg.Wait()

	if _, ok := c.Get("key"); !ok {
		t.Error("key should exist after concurrent writes")
	}
}

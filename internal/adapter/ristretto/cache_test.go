package ristretto

import (
	"context"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSetAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "mission:m-1", []byte(`{"id":"m-1"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.Wait()

	val, found, err := c.Get(ctx, "mission:m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected hit after set")
	}
	if string(val) != `{"id":"m-1"}` {
		t.Fatalf("unexpected value %s", val)
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)

	_, found, err := c.Get(context.Background(), "mission:nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected miss for unknown key")
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "agent:1", []byte("idle"), time.Minute)
	c.Wait()

	if err := c.Delete(ctx, "agent:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	c.Wait()

	if _, found, _ := c.Get(ctx, "agent:1"); found {
		t.Fatal("expected miss after delete")
	}
}

func TestDeleteNonexistent(t *testing.T) {
	c := newTestCache(t)
	if err := c.Delete(context.Background(), "never-set"); err != nil {
		t.Fatalf("delete of unknown key should not error: %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v1"), time.Minute)
	c.Wait()
	_ = c.Set(ctx, "k", []byte("v2"), time.Minute)
	c.Wait()

	val, found, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected hit after overwrite")
	}
	if string(val) != "v2" {
		t.Fatalf("expected v2, got %s", val)
	}
}

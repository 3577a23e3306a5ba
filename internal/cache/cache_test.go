package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/voyagen/epgvault/internal/models"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := Dial(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestLookupAndPut(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	want := models.Scope{AccountID: "u1", ServerID: 3}
	if err := r.Put(ctx, "scope", want, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got models.Scope
	hit, err := r.Lookup(ctx, "scope", &got)
	if err != nil || !hit || got != want {
		t.Fatalf("Lookup: hit=%v %+v, %v", hit, got, err)
	}
	if ttl := mr.TTL("scope"); ttl != time.Minute {
		t.Errorf("ttl: got %v", ttl)
	}
	if hit, err := r.Lookup(ctx, "missing", &got); hit || err != nil {
		t.Errorf("missing key: hit=%v err=%v", hit, err)
	}
	mr.Set("garbage", "{not json")
	if hit, err := r.Lookup(ctx, "garbage", &got); hit || err == nil {
		t.Errorf("garbage entry: hit=%v err=%v", hit, err)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	for _, k := range []string{"epg:programmes:1:a", "epg:programmes:2:b", "epg:channels:u1:1", "epg:stats:u1:1"} {
		mr.Set(k, "x")
	}
	if err := r.Invalidate(ctx, []string{"epg:stats:u1:1", "epg:absent"}, "epg:programmes:*"); err != nil {
		t.Fatal(err)
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != "epg:channels:u1:1" {
		t.Errorf("remaining keys: %v", keys)
	}
	if err := r.Invalidate(ctx, nil); err != nil {
		t.Errorf("Invalidate with nothing to do: %v", err)
	}
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	key := RefreshLockKey(models.Scope{AccountID: "u1", ServerID: 1})
	if key != "epgvault:lock:refresh:u1:1" {
		t.Fatalf("lock key: %q", key)
	}

	unlock, err := TryLock(ctx, r, key, RefreshLockTTL)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if !IsLocked(ctx, r, key) {
		t.Error("lock not visible")
	}
	if _, err := TryLock(ctx, r, key, RefreshLockTTL); !errors.Is(err, ErrLocked) {
		t.Errorf("second TryLock: expected ErrLocked, got %v", err)
	}
	unlock()
	if IsLocked(ctx, r, key) {
		t.Error("lock still held after unlock")
	}

	// An expired lock taken over by someone else must not be released by
	// the original holder.
	unlock, err = TryLock(ctx, r, key, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	unlock2, err := TryLock(ctx, r, key, time.Minute)
	if err != nil {
		t.Fatalf("TryLock after expiry: %v", err)
	}
	defer unlock2()
	unlock()
	if !IsLocked(ctx, r, key) {
		t.Error("stale holder released a lock it no longer owns")
	}
}

func TestRefreshQueue(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	jobs := []RefreshJob{
		{AccountID: "u1", ServerID: 1, RequestID: "a"},
		{AccountID: "u2", ServerID: 7, RequestID: "b"},
	}
	for _, j := range jobs {
		if err := Enqueue(ctx, r, RefreshQueue, j); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := QueueLen(ctx, r, RefreshQueue); err != nil || n != 2 {
		t.Fatalf("QueueLen: %d, %v", n, err)
	}
	for _, want := range jobs {
		got, err := Dequeue(ctx, r, RefreshQueue, time.Second)
		if err != nil || got == nil {
			t.Fatalf("Dequeue: %+v, %v", got, err)
		}
		if got.Scope() != want.Scope() || got.RequestID != want.RequestID {
			t.Errorf("FIFO order broken: got %+v, want %+v", got, want)
		}
	}
	got, err := Dequeue(ctx, r, RefreshQueue, 100*time.Millisecond)
	if err != nil || got != nil {
		t.Errorf("empty queue: expected (nil, nil), got %+v, %v", got, err)
	}
}

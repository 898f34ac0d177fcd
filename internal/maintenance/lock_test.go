package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryStore struct {
	values map[string]string
	getErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func TestRedisLockExclusiveAndOwnerChecked(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	first, err := NewRedisLock(store, "cmp:lock:test:maintenance", 0)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	second, _ := NewRedisLock(store, "cmp:lock:test:maintenance", time.Minute)

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	if !strings.Contains(first.owner, "/") {
		t.Fatalf("owner should carry a host prefix, got %q", first.owner)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("second acquire should fail while held")
	}

	// Simulate the lease expiring and a peer taking over.
	store.values["cmp:lock:test:maintenance"] = "peer"
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if store.values["cmp:lock:test:maintenance"] != "peer" {
		t.Fatal("release must not delete a lease owned by a peer")
	}

	delete(store.values, "cmp:lock:test:maintenance")
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("expected acquire after key cleared")
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, held := store.values["cmp:lock:test:maintenance"]; held {
		t.Fatal("owner release should delete the key")
	}
}

func TestRedisLockReleaseErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	lock, _ := NewRedisLock(store, "k", time.Minute)
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release without acquire should be a no-op, got %v", err)
	}
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("expected acquire")
	}
	store.getErr = errors.New("connection reset")
	if err := lock.Release(ctx); err == nil {
		t.Fatal("expected read error to surface")
	}
}

func TestNewRedisLockValidates(t *testing.T) {
	if _, err := NewRedisLock(nil, "k", time.Minute); err == nil {
		t.Fatal("expected nil client to fail")
	}
	if _, err := NewRedisLock(newMemoryStore(), "", time.Minute); err == nil {
		t.Fatal("expected empty key to fail")
	}
}

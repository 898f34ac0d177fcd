// Package idempotency guards message consumers against Pub/Sub redelivery.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/compositor-backend/pkg/redis"
)

// Manager records processed message keys per consumer using Redis SETNX with a TTL.
// Keys follow the `cmp:idempotency:msg:<consumer>:<key>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// Claim marks key as processed for consumer. It returns false when another
// delivery already claimed the key.
func (m *Manager) Claim(ctx context.Context, consumer, key string) (bool, error) {
	full, err := m.key(consumer, key)
	if err != nil {
		return false, err
	}
	return m.store.SetNX(ctx, full, "1", m.ttl)
}

// Release drops a claim so a failed delivery can be processed again.
func (m *Manager) Release(ctx context.Context, consumer, key string) error {
	full, err := m.key(consumer, key)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, full)
}

func (m *Manager) key(consumer, key string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	key = strings.TrimSpace(key)
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if key == "" {
		return "", errors.New("message key is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("msg:%s", consumer), key), nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedValue is the marker stored under every revocation key.
const RevokedValue = "revoked"

// RevocationRepository stores denylist markers in Redis with a per-key expiry.
type RevocationRepository struct {
	client *redis.Client
}

// NewRevocationRepository constructs a revocation repository.
func NewRevocationRepository(client *redis.Client) *RevocationRepository {
	return &RevocationRepository{client: client}
}

// Mark stores the revoked marker at key for ttl. Writing an existing key only refreshes its expiry.
func (r *RevocationRepository) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, RevokedValue, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// FirstRevoked returns the index of the first key holding the revoked marker, or -1.
// All keys are fetched in a single round trip.
func (r *RevocationRepository) FirstRevoked(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return -1, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return -1, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok && s == RevokedValue {
			return i, nil
		}
	}
	return -1, nil
}

// Ping checks connectivity for readiness probes.
func (r *RevocationRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

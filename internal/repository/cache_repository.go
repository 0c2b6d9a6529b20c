package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
)

const admissionKeyPrefix = "coi:admitted:"

// AdmissionCache remembers recently admitted source event keys in Redis so a
// redelivered notification can be answered without touching the store. It is an
// accelerator only; the store's conditional create stays authoritative.
type AdmissionCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewAdmissionCache constructs the cache. A nil client disables it.
func NewAdmissionCache(client *redis.Client, logger *zap.Logger) *AdmissionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionCache{client: client, logger: logger}
}

// Lookup returns the request id previously admitted for key.
func (c *AdmissionCache) Lookup(ctx context.Context, key string) (string, error) {
	if c == nil || c.client == nil {
		return "", appErrors.ErrCacheMiss
	}

	id, err := c.client.Get(ctx, admissionKeyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", appErrors.ErrCacheMiss
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return id, nil
}

// Remember records that key was admitted as requestID for ttl.
func (c *AdmissionCache) Remember(ctx context.Context, key, requestID string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, admissionKeyPrefix+key, requestID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

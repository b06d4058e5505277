package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSeenTTL = 24 * time.Hour

// TransactionCache remembers which transaction states were already recorded so
// that feed redeliveries after a reconnect are skipped.
type TransactionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTransactionCache(rdb *redis.Client, ttl time.Duration) *TransactionCache {
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &TransactionCache{rdb: rdb, ttl: ttl}
}

func seenKey(transactionID, state string) string {
	return fmt.Sprintf("purchase:txn:%s:%s", transactionID, state)
}

// MarkSeen returns true the first time a transaction state is marked.
func (c *TransactionCache) MarkSeen(ctx context.Context, transactionID, state string) (bool, error) {
	return c.rdb.SetNX(ctx, seenKey(transactionID, state), time.Now().Unix(), c.ttl).Result()
}

// Forget removes the marker so the next delivery is recorded again.
func (c *TransactionCache) Forget(ctx context.Context, transactionID, state string) error {
	return c.rdb.Del(ctx, seenKey(transactionID, state)).Err()
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/copyarena-server/internal/middleware"
	"github.com/redis/go-redis/v9"
)

// SnapshotHashCache remembers the content hash of each account's last
// reconciled snapshot so an unchanged push can skip the whole cycle.
// With redis the hash survives restarts and is shared across instances;
// without it a process-local map serves single-instance deployments.
// Redis failures degrade to "no match": the cycle runs, correctness is
// unaffected, only the skip optimization is lost.
type SnapshotHashCache struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.Mutex
	local map[uint]localHash
}

type localHash struct {
	hash     string
	storedAt time.Time
}

// NewSnapshotHashCache creates a new SnapshotHashCache. rdb may be nil.
func NewSnapshotHashCache(rdb *redis.Client, ttl time.Duration) *SnapshotHashCache {
	return &SnapshotHashCache{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[uint]localHash),
	}
}

func hashKey(accountID uint) string {
	return fmt.Sprintf("sync:hash:%d", accountID)
}

// Matches reports whether the stored hash for the account equals the given one
func (c *SnapshotHashCache) Matches(ctx context.Context, accountID uint, hash string) bool {
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry, ok := c.local[accountID]
		if !ok {
			return false
		}
		if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
			delete(c.local, accountID)
			return false
		}
		return entry.hash == hash
	}

	stored, err := c.rdb.Get(ctx, hashKey(accountID)).Result()
	if err != nil {
		if err != redis.Nil {
			middleware.LogError("hash cache read failed for account %d: %v", accountID, err)
		}
		return false
	}
	return stored == hash
}

// Store records the hash of the just-reconciled snapshot
func (c *SnapshotHashCache) Store(ctx context.Context, accountID uint, hash string) {
	if c.rdb == nil {
		c.mu.Lock()
		c.local[accountID] = localHash{hash: hash, storedAt: time.Now()}
		c.mu.Unlock()
		return
	}
	if err := c.rdb.Set(ctx, hashKey(accountID), hash, c.ttl).Err(); err != nil {
		middleware.LogError("hash cache write failed for account %d: %v", accountID, err)
	}
}

// Invalidate drops the stored hash, forcing the next push to reconcile
func (c *SnapshotHashCache) Invalidate(ctx context.Context, accountID uint) {
	if c.rdb == nil {
		c.mu.Lock()
		delete(c.local, accountID)
		c.mu.Unlock()
		return
	}
	if err := c.rdb.Del(ctx, hashKey(accountID)).Err(); err != nil {
		middleware.LogError("hash cache invalidate failed for account %d: %v", accountID, err)
	}
}

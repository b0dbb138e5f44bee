package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLayoutTTL bounds how long a computed layout is reused for exports.
const DefaultLayoutTTL = 24 * time.Hour

const layoutUpdateAttempts = 3

// LayoutCache keeps the last layout of each report in Redis.
type LayoutCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLayoutCache constructs a cache. A non-positive ttl uses DefaultLayoutTTL.
func NewLayoutCache(client *redis.Client, ttl time.Duration) *LayoutCache {
	if ttl <= 0 {
		ttl = DefaultLayoutTTL
	}
	return &LayoutCache{client: client, ttl: ttl}
}

func (c *LayoutCache) key(reportID int64) string {
	return fmt.Sprintf("nexus:layout:%d", reportID)
}

// Get returns the cached entry and whether one existed.
func (c *LayoutCache) Get(ctx context.Context, reportID int64) (LayoutEntry, bool, error) {
	var entry LayoutEntry
	if c == nil || c.client == nil {
		return entry, false, nil
	}
	data, err := c.client.Get(ctx, c.key(reportID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, fmt.Errorf("reports: layout cache get: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false, fmt.Errorf("reports: layout cache decode: %w", err)
	}
	return entry, true, nil
}

// Put stores entry, replacing any previous layout of the report.
func (c *LayoutCache) Put(ctx context.Context, entry LayoutEntry) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(entry.ReportID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("reports: layout cache put: %w", err)
	}
	return nil
}

// Update rewrites the cached layout of a report through fn under WATCH. fn
// sees the current entry and reports whether its result should be stored; a
// concurrent write reruns fn on the newer entry. Nothing happens when no
// layout is cached.
func (c *LayoutCache) Update(ctx context.Context, reportID int64, fn func(cur LayoutEntry) (LayoutEntry, bool, error)) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := c.key(reportID)
	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur LayoutEntry
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("reports: layout cache decode: %w", err)
		}
		next, write, err := fn(cur)
		if err != nil || !write {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, c.ttl)
			return nil
		})
		return err
	}
	for range layoutUpdateAttempts {
		err := c.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reports: layout cache update: %w", err)
		}
		return nil
	}
	return fmt.Errorf("reports: layout cache update: %w", redis.TxFailedErr)
}

// Delete drops the cached layout of a report.
func (c *LayoutCache) Delete(ctx context.Context, reportID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(reportID)).Err()
}

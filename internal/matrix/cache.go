package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "matrix:version"
	bumpChannel     = "matrix.bump"
)

// SnapshotCache wraps Redis based caching of built snapshots with
// versioning controls. Committed mutations bump the version, which
// implicitly drops every cached snapshot.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache instantiates the cache helper.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *SnapshotCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates all cached snapshots and notifies listeners.
func (c *SnapshotCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Incr(ctx, cacheVersionKey).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, "bump").Err()
}

// Get returns the cached snapshot for the filter, or nil on miss.
func (c *SnapshotCache) Get(ctx context.Context, filter Filter) (*Snapshot, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	key, err := c.buildKey(ctx, filter)
	if err != nil {
		return nil, err
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Corrupt payloads are treated as misses so a rebuild can heal them.
		return nil, nil
	}
	return &snap, nil
}

// Set stores the snapshot under the current version.
func (c *SnapshotCache) Set(ctx context.Context, filter Filter, snap *Snapshot) error {
	if c == nil || c.client == nil || snap == nil {
		return nil
	}
	key, err := c.buildKey(ctx, filter)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

func (c *SnapshotCache) buildKey(ctx context.Context, filter Filter) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("matrix:snap:v%d:%s", ver, FilterKey(filter)), nil
}

// FilterKey derives a stable cache key fragment from a filter.
func FilterKey(filter Filter) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(filter.Query)),
		strconv.FormatBool(filter.HideInactive),
		strconv.FormatBool(filter.CustomOnly),
		filter.Preset,
		strings.Join(filter.Modules, ","),
	}
	return strings.Join(parts, "|")
}

// Subscribe listens for bump notifications until ctx is done. Each bump
// invokes fn; used by long-lived processes holding warm snapshots.
func (c *SnapshotCache) Subscribe(ctx context.Context, fn func()) error {
	if c == nil || c.client == nil {
		return errors.New("matrix: cache not configured")
	}
	sub := c.client.Subscribe(ctx, bumpChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			fn()
		}
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "warden:"

// RedisBlacklist is a Redis implementation of ports.BlacklistStore. Every
// entry lives under its own key with a TTL; a sorted set scored by expiry
// indexes them for listing and pruning.
type RedisBlacklist struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBlacklist creates a new Redis blacklist store
func NewRedisBlacklist(client redis.UniversalClient, prefix string) *RedisBlacklist {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisBlacklist{client: client, prefix: prefix + "blacklist:"}
}

func (s *RedisBlacklist) key(tokenID string) string { return s.prefix + "token:" + tokenID }
func (s *RedisBlacklist) index() string            { return s.prefix + "index" }

// Add blacklists a token id until entry.ExpiresAt
func (s *RedisBlacklist) Add(ctx context.Context, entry core.BlacklistEntry) (bool, error) {
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl <= 0 {
		return false, nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	added, err := s.client.SetNX(ctx, s.key(entry.TokenID), data, ttl).Result()
	if err != nil {
		return false, storeErr("blacklist token", err)
	}
	if !added {
		return false, nil
	}
	if err := s.client.ZAdd(ctx, s.index(), redis.Z{
		Score:  float64(entry.ExpiresAt.UnixMilli()),
		Member: entry.TokenID,
	}).Err(); err != nil {
		return true, storeErr("index blacklist entry", err)
	}
	return true, nil
}

// Contains checks if a token is blacklisted
func (s *RedisBlacklist) Contains(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	data, err := s.client.Get(ctx, s.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, storeErr("check blacklist", err)
	}
	var entry core.BlacklistEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// An unreadable entry still marks the id as revoked.
		return true, nil
	}
	return entry.ExpiresAt.After(now), nil
}

// Entries lists live entries ordered by creation time
func (s *RedisBlacklist) Entries(ctx context.Context, now time.Time) ([]core.BlacklistEntry, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.index(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, storeErr("list blacklist", err)
	}
	if len(ids) == 0 {
		return []core.BlacklistEntry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load blacklist", err)
	}

	out := make([]core.BlacklistEntry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry core.BlacklistEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || !entry.ExpiresAt.After(now) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Prune drops index members that expired at or before now
func (s *RedisBlacklist) Prune(ctx context.Context, now time.Time) (int, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.index(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, storeErr("scan blacklist", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRemRangeByScore(ctx, s.index(), "-inf", max)
		return nil
	})
	if err != nil {
		return 0, storeErr("prune blacklist", err)
	}
	return len(ids), nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w", op, errors.Join(core.ErrStoreUnavailable, err))
}

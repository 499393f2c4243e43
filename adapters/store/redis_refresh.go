package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/redis/go-redis/v9"
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusRevoked  int64 = 1
	consumeStatusConsumed int64 = 2
	consumeStatusOK       int64 = 3
)

// KEYS: record, consumed marker, family revocation, replacement, next record,
// family members, session families.
// ARGV: consumed at (unix nanos), next token id, next record json,
// next ttl ms, replacement json, grace ms, family id.
const consumeRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end

redis.call("HSET", KEYS[2], "at", ARGV[1], "next", ARGV[2])
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[2], ttl)
end

local grace = tonumber(ARGV[6])
if grace > 0 then
  redis.call("SET", KEYS[4], ARGV[5], "PX", grace)
end

local nextTTL = tonumber(ARGV[4])
redis.call("SET", KEYS[5], ARGV[3], "PX", nextTTL)
redis.call("SADD", KEYS[6], ARGV[2])
redis.call("PEXPIRE", KEYS[6], nextTTL)
redis.call("SADD", KEYS[7], ARGV[7])
redis.call("PEXPIRE", KEYS[7], nextTTL)
return 3
`

var consumeRefreshLua = redis.NewScript(consumeRefreshScript)

// RedisRefreshStore is a Redis implementation of ports.RefreshStore. The
// immutable part of a record is stored as JSON; consumption and revocation
// are separate keys so the consume script never has to decode JSON.
type RedisRefreshStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRefreshStore creates a new Redis refresh store
func NewRedisRefreshStore(client redis.UniversalClient, prefix string) *RedisRefreshStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRefreshStore{client: client, prefix: prefix + "refresh:"}
}

func (s *RedisRefreshStore) recordKey(id string) string      { return s.prefix + "rec:" + id }
func (s *RedisRefreshStore) consumedKey(id string) string    { return s.prefix + "consumed:" + id }
func (s *RedisRefreshStore) replacementKey(id string) string { return s.prefix + "replacement:" + id }
func (s *RedisRefreshStore) familyKey(id string) string      { return s.prefix + "family:" + id }
func (s *RedisRefreshStore) revokedKey(id string) string     { return s.prefix + "revoked:" + id }
func (s *RedisRefreshStore) sessionKey(id string) string     { return s.prefix + "session:" + id }

// Save stores a freshly issued record
func (s *RedisRefreshStore) Save(ctx context.Context, rec *core.RefreshRecord) error {
	data, ttl, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.TokenID), data, ttl)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), rec.TokenID)
		pipe.PExpire(ctx, s.familyKey(rec.FamilyID), ttl)
		pipe.SAdd(ctx, s.sessionKey(rec.SessionID), rec.FamilyID)
		pipe.PExpire(ctx, s.sessionKey(rec.SessionID), ttl)
		return nil
	})
	if err != nil {
		return storeErr("save refresh record", err)
	}
	return nil
}

// Get loads a record together with its consumption and revocation state
func (s *RedisRefreshStore) Get(ctx context.Context, tokenID string) (*core.RefreshRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, storeErr("load refresh record", err)
	}
	var rec core.RefreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storeErr("decode refresh record", err)
	}

	var (
		consumed    *redis.MapStringStringCmd
		revoked     *redis.StringCmd
		replacement *redis.StringCmd
	)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		consumed = pipe.HGetAll(ctx, s.consumedKey(tokenID))
		revoked = pipe.Get(ctx, s.revokedKey(rec.FamilyID))
		replacement = pipe.Get(ctx, s.replacementKey(tokenID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("load refresh state", err)
	}

	if fields := consumed.Val(); len(fields) > 0 {
		rec.ConsumedAt = parseNanos(fields["at"])
		rec.ReplacedByTokenID = fields["next"]
	}
	if v, err := revoked.Result(); err == nil {
		rec.RevokedAt = parseNanos(v)
	}
	if rec.RevokedAt == nil {
		if v, err := replacement.Bytes(); err == nil {
			var pair core.TokenPair
			if json.Unmarshal(v, &pair) == nil {
				rec.Replacement = &pair
			}
		}
	}
	return &rec, nil
}

// MarkConsumed retires tokenID and stores its successor in one script call
func (s *RedisRefreshStore) MarkConsumed(ctx context.Context, tokenID string, c core.Consumption) (*core.RefreshRecord, error) {
	current, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	next, nextTTL, err := encodeRecord(c.Next)
	if err != nil {
		return nil, err
	}
	replacement, err := json.Marshal(c.Replacement)
	if err != nil {
		return nil, err
	}

	keys := []string{
		s.recordKey(tokenID),
		s.consumedKey(tokenID),
		s.revokedKey(current.FamilyID),
		s.replacementKey(tokenID),
		s.recordKey(c.Next.TokenID),
		s.familyKey(c.Next.FamilyID),
		s.sessionKey(c.Next.SessionID),
	}
	status, err := consumeRefreshLua.Run(ctx, s.client, keys,
		strconv.FormatInt(c.At.UnixNano(), 10),
		c.Next.TokenID,
		next,
		nextTTL.Milliseconds(),
		replacement,
		c.GraceWindow.Milliseconds(),
		c.Next.FamilyID,
	).Int64()
	if err != nil {
		return nil, storeErr("consume refresh token", err)
	}

	switch status {
	case consumeStatusNotFound:
		return nil, core.ErrNotFound
	case consumeStatusRevoked, consumeStatusConsumed:
		rec, err := s.Get(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if status == consumeStatusRevoked {
			return rec, core.ErrFamilyRevoked
		}
		return rec, core.ErrTokenConsumed
	case consumeStatusOK:
		at := c.At
		current.ConsumedAt = &at
		current.ReplacedByTokenID = c.Next.TokenID
		pair := c.Replacement
		current.Replacement = &pair
		return current, nil
	default:
		return nil, storeErr("consume refresh token", errors.New("unexpected script status"))
	}
}

// RevokeFamily marks a whole family revoked and drops cached replacements
func (s *RedisRefreshStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) ([]*core.RefreshRecord, error) {
	ids, err := s.client.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		return nil, storeErr("list refresh family", err)
	}
	ttl, err := s.client.PTTL(ctx, s.familyKey(familyID)).Result()
	if err != nil || ttl <= 0 {
		ttl = 0
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.revokedKey(familyID), strconv.FormatInt(at.UnixNano(), 10), ttl)
		for _, id := range ids {
			pipe.Del(ctx, s.replacementKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("revoke refresh family", err)
	}

	out := make([]*core.RefreshRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RevokeSession revokes every family issued for sessionID
func (s *RedisRefreshStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) ([]*core.RefreshRecord, error) {
	families, err := s.client.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, storeErr("list session families", err)
	}
	var out []*core.RefreshRecord
	for _, familyID := range families {
		recs, err := s.RevokeFamily(ctx, familyID, at)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// PruneExpired is a no-op: every key is written with the TTL of its record.
func (s *RedisRefreshStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// encodeRecord serializes the immutable part of rec and derives its key TTL.
func encodeRecord(rec *core.RefreshRecord) ([]byte, time.Duration, error) {
	stored := *rec
	stored.ConsumedAt = nil
	stored.ReplacedByTokenID = ""
	stored.RevokedAt = nil
	stored.Replacement = nil

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, 0, err
	}
	ttl := rec.ExpiresAt.Sub(rec.IssuedAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return data, ttl, nil
}

func parseNanos(v string) *time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

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
	maxStateTxRetries = 8

	// challenges outlive their expiry so a late answer reads as expired, not unknown
	challengeRetention   = 10 * time.Minute
	fallbackChallengeTTL = 5 * time.Minute
)

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisMFAStore is a Redis implementation of ports.MFAStore. State updates
// run in WATCH transactions and a challenge is consumed by whoever wins SETNX
// on its used marker.
type RedisMFAStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisMFAStore creates a new Redis MFA store
func NewRedisMFAStore(client redis.UniversalClient, prefix string) *RedisMFAStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisMFAStore{client: client, prefix: prefix + "mfa:"}
}

func (s *RedisMFAStore) stateKey(userID string) string { return s.prefix + "state:" + userID }
func (s *RedisMFAStore) challengeKey(id string) string { return s.prefix + "challenge:" + id }
func (s *RedisMFAStore) usedKey(id string) string      { return s.prefix + "challenge:" + id + ":used" }
func (s *RedisMFAStore) indexKey() string              { return s.prefix + "challenges" }

// GetState returns the user's MFA state
func (s *RedisMFAStore) GetState(ctx context.Context, userID string) (*core.MFAState, error) {
	return s.getState(ctx, s.client, userID)
}

func (s *RedisMFAStore) getState(ctx context.Context, c stringGetter, userID string) (*core.MFAState, error) {
	data, err := c.Get(ctx, s.stateKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("load mfa state", err)
	}
	var state core.MFAState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateState applies fn inside an optimistic transaction on the state key
func (s *RedisMFAStore) UpdateState(ctx context.Context, userID string, fn func(*core.MFAState) error) (*core.MFAState, error) {
	key := s.stateKey(userID)

	for i := 0; i < maxStateTxRetries; i++ {
		var out *core.MFAState
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			state, err := s.getState(ctx, tx, userID)
			if errors.Is(err, core.ErrNotFound) {
				state = &core.MFAState{UserID: userID}
			} else if err != nil {
				return err
			}
			if err := fn(state); err != nil {
				return err
			}
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err == nil {
				out = state
			}
			return err
		}, key)

		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}
	return nil, storeErr("update mfa state", redis.TxFailedErr)
}

// DeleteState forgets a user's enrollment
func (s *RedisMFAStore) DeleteState(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.stateKey(userID)).Err(); err != nil {
		return storeErr("delete mfa state", err)
	}
	return nil
}

// SaveChallenge stores a challenge and indexes it by expiry
func (s *RedisMFAStore) SaveChallenge(ctx context.Context, ch *core.Challenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	ttl := fallbackChallengeTTL
	if !ch.CreatedAt.IsZero() && ch.ExpiresAt.After(ch.CreatedAt) {
		ttl = ch.ExpiresAt.Sub(ch.CreatedAt)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.challengeKey(ch.ID), data, ttl+challengeRetention)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(ch.ExpiresAt.UnixMilli()), Member: ch.ID})
		return nil
	})
	if err != nil {
		return storeErr("save challenge", err)
	}
	return nil
}

// ConsumeChallenge marks a challenge consumed exactly once
func (s *RedisMFAStore) ConsumeChallenge(ctx context.Context, id string) (*core.Challenge, error) {
	key := s.challengeKey(id)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrChallengeNotFound
	}
	if err != nil {
		return nil, storeErr("load challenge", err)
	}
	var ch core.Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, err
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, storeErr("load challenge ttl", err)
	}
	if ttl <= 0 {
		ttl = challengeRetention
	}
	won, err := s.client.SetNX(ctx, s.usedKey(id), strconv.FormatInt(time.Now().UnixNano(), 10), ttl).Result()
	if err != nil {
		return nil, storeErr("consume challenge", err)
	}
	if !won {
		ch.Consumed = true
		return &ch, core.ErrChallengeConsumed
	}
	return &ch, nil
}

// PruneChallenges drops challenges that expired at or before now
func (s *RedisMFAStore) PruneChallenges(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, storeErr("list expired challenges", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, 2*len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.challengeKey(id), s.usedKey(id))
		members = append(members, id)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, storeErr("prune challenges", err)
	}
	return len(ids), nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/redis/go-redis/v9"
)

const maxSessionTxRetries = 8

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// RedisSessionStore is a Redis implementation of ports.SessionStore. The
// per-user index is watched while creating so concurrent logins of one user
// serialize through optimistic transactions.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix + "session:"}
}

func (s *RedisSessionStore) key(id string) string         { return s.prefix + "id:" + id }
func (s *RedisSessionStore) userKey(userID string) string { return s.prefix + "user:" + userID }
func (s *RedisSessionStore) allKey() string               { return s.prefix + "all" }

// Create stores sess and evicts the least recently active sessions over the cap
func (s *RedisSessionStore) Create(ctx context.Context, sess *core.Session, maxPerUser int) ([]*core.Session, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	ttl := sessionTTL(sess)
	userKey := s.userKey(sess.UserID)

	for i := 0; i < maxSessionTxRetries; i++ {
		var evicted []*core.Session
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.SMembers(ctx, userKey).Result()
			if err != nil {
				return err
			}
			existing, err := s.load(ctx, tx, ids)
			if err != nil {
				return err
			}

			if maxPerUser > 0 {
				evicted = oldestFirst(existing, len(existing)+1-maxPerUser)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, victim := range evicted {
					pipe.Del(ctx, s.key(victim.ID))
					pipe.SRem(ctx, userKey, victim.ID)
					pipe.SRem(ctx, s.allKey(), victim.ID)
				}
				// ids whose session key already expired
				for _, id := range ids {
					if !containsSession(existing, id) {
						pipe.SRem(ctx, userKey, id)
						pipe.SRem(ctx, s.allKey(), id)
					}
				}
				pipe.Set(ctx, s.key(sess.ID), data, ttl)
				pipe.SAdd(ctx, userKey, sess.ID)
				pipe.SAdd(ctx, s.allKey(), sess.ID)
				return nil
			})
			return err
		}, userKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, storeErr("create session", err)
		}
		return evicted, nil
	}
	return nil, storeErr("create session", redis.TxFailedErr)
}

// Get returns the session stored under id
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*core.Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionNotFound
		}
		return nil, storeErr("load session", err)
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, storeErr("decode session", err)
	}
	return &sess, nil
}

// Update overwrites an existing session without touching its TTL
func (s *RedisSessionStore) Update(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.key(sess.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return storeErr("update session", err)
	}
	if !ok {
		return core.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session and returns it
func (s *RedisSessionStore) Delete(ctx context.Context, id string) (*core.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.remove(ctx, []*core.Session{sess}); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteByUser removes every session of userID
func (s *RedisSessionStore) DeleteByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	sessions, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.remove(ctx, sessions); err != nil {
		return nil, err
	}
	if err := s.client.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return nil, storeErr("delete user sessions", err)
	}
	return sessions, nil
}

// ListByUser returns the sessions of userID, most recently active first
func (s *RedisSessionStore) ListByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	out, err := s.load(ctx, s.client, ids)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// DeleteStale removes idle or expired sessions
func (s *RedisSessionStore) DeleteStale(ctx context.Context, idleBefore, now time.Time) ([]*core.Session, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, storeErr("scan sessions", err)
	}
	sessions, err := s.load(ctx, s.client, ids)
	if err != nil {
		return nil, storeErr("scan sessions", err)
	}

	var stale []*core.Session
	for _, sess := range sessions {
		if sess.LastActivity.Before(idleBefore) || !now.Before(sess.ExpiresAt) {
			stale = append(stale, sess)
		}
	}
	if err := s.remove(ctx, stale); err != nil {
		return nil, err
	}
	return stale, nil
}

func (s *RedisSessionStore) remove(ctx context.Context, sessions []*core.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range sessions {
			pipe.Del(ctx, s.key(sess.ID))
			pipe.SRem(ctx, s.userKey(sess.UserID), sess.ID)
			pipe.SRem(ctx, s.allKey(), sess.ID)
		}
		return nil
	})
	if err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

func (s *RedisSessionStore) load(ctx context.Context, c multiGetter, ids []string) ([]*core.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sess core.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		out = append(out, &sess)
	}
	return out, nil
}

func sessionTTL(sess *core.Session) time.Duration {
	ttl := sess.ExpiresAt.Sub(sess.CreatedAt)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func containsSession(sessions []*core.Session, id string) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func blacklistStores(t *testing.T) map[string]ports.BlacklistStore {
	return map[string]ports.BlacklistStore{
		"memory": NewMemoryBlacklist(),
		"redis":  NewRedisBlacklist(newTestRedis(t), "test:"),
	}
}

func refreshStores(t *testing.T) map[string]ports.RefreshStore {
	return map[string]ports.RefreshStore{
		"memory": NewMemoryRefreshStore(),
		"redis":  NewRedisRefreshStore(newTestRedis(t), "test:"),
	}
}

func sessionStores(t *testing.T) map[string]ports.SessionStore {
	return map[string]ports.SessionStore{
		"memory": NewMemorySessionStore(),
		"redis":  NewRedisSessionStore(newTestRedis(t), "test:"),
	}
}

func TestBlacklistAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range blacklistStores(t) {
		t.Run(name, func(t *testing.T) {
			entry := core.BlacklistEntry{TokenID: "t1", UserID: "u1", Reason: core.ReasonLogout, CreatedAt: t0, ExpiresAt: t0.Add(15 * time.Minute)}

			added, err := s.Add(ctx, entry)
			require.NoError(t, err)
			assert.True(t, added)

			added, err = s.Add(ctx, entry)
			require.NoError(t, err)
			assert.False(t, added)

			ok, err := s.Contains(ctx, "t1", t0.Add(time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Contains(ctx, "unknown", t0)
			require.NoError(t, err)
			assert.False(t, ok)

			entries, err := s.Entries(ctx, t0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "t1", entries[0].TokenID)
			assert.Equal(t, core.ReasonLogout, entries[0].Reason)
		})
	}
}

func TestBlacklistPrune(t *testing.T) {
	ctx := context.Background()
	for name, s := range blacklistStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, ttl := range []time.Duration{time.Minute, 2 * time.Minute, time.Hour} {
				_, err := s.Add(ctx, core.BlacklistEntry{
					TokenID:   fmt.Sprintf("t%d", i),
					Reason:    core.ReasonManual,
					CreatedAt: t0,
					ExpiresAt: t0.Add(ttl),
				})
				require.NoError(t, err)
			}

			later := t0.Add(5 * time.Minute)
			ok, err := s.Contains(ctx, "t0", later)
			require.NoError(t, err)
			assert.False(t, ok)

			removed, err := s.Prune(ctx, later)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			entries, err := s.Entries(ctx, later)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "t2", entries[0].TokenID)
		})
	}
}

func refreshRecord(id, family string) *core.RefreshRecord {
	return &core.RefreshRecord{
		TokenID:         id,
		UserID:          "u1",
		SessionID:       "s1",
		FamilyID:        family,
		IssuedAt:        t0,
		ExpiresAt:       t0.Add(7 * 24 * time.Hour),
		AccessTokenID:   "a-" + id,
		AccessExpiresAt: t0.Add(15 * time.Minute),
	}
}

func TestRefreshConsumeAndRevoke(t *testing.T) {
	ctx := context.Background()
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, refreshRecord("r1", "f1")))

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "f1", got.FamilyID)
			assert.True(t, got.Active(t0))

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrNotFound)

			pair := core.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", AccessTokenID: "a-r2", RefreshTokenID: "r2"}
			consumption := core.Consumption{At: t0.Add(time.Minute), Next: refreshRecord("r2", "f1"), Replacement: pair, GraceWindow: 5 * time.Second}

			rec, err := s.MarkConsumed(ctx, "r1", consumption)
			require.NoError(t, err)
			require.NotNil(t, rec.ConsumedAt)
			assert.True(t, rec.ConsumedAt.Equal(t0.Add(time.Minute)))
			assert.Equal(t, "r2", rec.ReplacedByTokenID)

			next, err := s.Get(ctx, "r2")
			require.NoError(t, err)
			assert.True(t, next.Active(t0))

			consumption.At = t0.Add(time.Minute + time.Second)
			consumption.Next = refreshRecord("r3", "f1")
			rec, err = s.MarkConsumed(ctx, "r1", consumption)
			assert.ErrorIs(t, err, core.ErrTokenConsumed)
			require.NotNil(t, rec)
			require.NotNil(t, rec.Replacement)
			assert.Equal(t, "refresh-2", rec.Replacement.RefreshToken)

			revoked, err := s.RevokeFamily(ctx, "f1", t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Len(t, revoked, 2)
			for _, r := range revoked {
				assert.NotNil(t, r.RevokedAt)
				assert.Nil(t, r.Replacement)
			}

			_, err = s.MarkConsumed(ctx, "r2", core.Consumption{At: t0.Add(3 * time.Minute), Next: refreshRecord("r4", "f1")})
			assert.ErrorIs(t, err, core.ErrFamilyRevoked)
		})
	}
}

func TestRefreshRevokeSession(t *testing.T) {
	ctx := context.Background()
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, refreshRecord("r1", "f1")))
			require.NoError(t, s.Save(ctx, refreshRecord("r2", "f2")))
			other := refreshRecord("r3", "f3")
			other.SessionID = "s2"
			require.NoError(t, s.Save(ctx, other))

			revoked, err := s.RevokeSession(ctx, "s1", t0)
			require.NoError(t, err)
			assert.Len(t, revoked, 2)

			rec, err := s.Get(ctx, "r3")
			require.NoError(t, err)
			assert.True(t, rec.Active(t0))
		})
	}
}

func TestMemoryRefreshPruneExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRefreshStore()

	require.NoError(t, s.Save(ctx, refreshRecord("r1", "f1")))
	longer := refreshRecord("r2", "f2")
	longer.ExpiresAt = t0.Add(14 * 24 * time.Hour)
	require.NoError(t, s.Save(ctx, longer))

	n, err := s.PruneExpired(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PruneExpired(ctx, t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NotContains(t, s.families, "f1")
	assert.Equal(t, map[string]struct{}{"f2": {}}, s.bySession["s1"])

	revoked, err := s.RevokeSession(ctx, "s1", t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "r2", revoked[0].TokenID)

	n, err = s.PruneExpired(ctx, t0.Add(15*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.records)
	assert.Empty(t, s.families)
	assert.Empty(t, s.bySession)
}

func TestRedisRefreshRecordsExpireByTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisRefreshStore(client, "test:")

	require.NoError(t, s.Save(ctx, refreshRecord("r1", "f1")))
	mr.FastForward(7*24*time.Hour + time.Second)

	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, mr.Keys())

	n, err := s.PruneExpired(ctx, t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefreshConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(ctx, refreshRecord("r1", "f1")))

			const workers = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				winners  int
				consumed int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.MarkConsumed(ctx, "r1", core.Consumption{
						At:          t0,
						Next:        refreshRecord(fmt.Sprintf("next-%d", i), "f1"),
						GraceWindow: time.Second,
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners++
					case assert.ErrorIs(t, err, core.ErrTokenConsumed):
						consumed++
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, winners)
			assert.Equal(t, workers-1, consumed)
		})
	}
}

func session(id, user string, lastActivity time.Time) *core.Session {
	return &core.Session{
		ID:           id,
		UserID:       user,
		Role:         "ops_manager",
		Permissions:  []string{"drivers:read"},
		CreatedAt:    t0,
		LastActivity: lastActivity,
		ExpiresAt:    t0.Add(24 * time.Hour),
	}
}

func TestSessionCreateEvictsLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	for name, s := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
				evicted, err := s.Create(ctx, session(fmt.Sprintf("s%d", i), "u1", t0.Add(offset)), 3)
				require.NoError(t, err)
				assert.Empty(t, evicted)
			}

			evicted, err := s.Create(ctx, session("s3", "u1", t0.Add(4*time.Minute)), 3)
			require.NoError(t, err)
			require.Len(t, evicted, 1)
			assert.Equal(t, "s1", evicted[0].ID)

			list, err := s.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "s3", list[0].ID)
			assert.Equal(t, "s2", list[2].ID)

			_, err = s.Get(ctx, "s1")
			assert.ErrorIs(t, err, core.ErrSessionNotFound)
		})
	}
}

func TestSessionConcurrentCreateRespectsCap(t *testing.T) {
	ctx := context.Background()
	for name, s := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			const logins = 5
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				evicted int
			)
			for i := 0; i < logins; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := s.Create(ctx, session(fmt.Sprintf("s%d", i), "u1", t0.Add(time.Duration(i)*time.Second)), 3)
					assert.NoError(t, err)
					mu.Lock()
					evicted += len(out)
					mu.Unlock()
				}(i)
			}
			wg.Wait()

			list, err := s.ListByUser(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, list, 3)
			assert.Equal(t, logins-3, evicted)
		})
	}
}

func TestSessionUpdateDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	for name, s := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			sess := session("s1", "u1", t0)
			_, err := s.Create(ctx, sess, 0)
			require.NoError(t, err)

			sess.LastActivity = t0.Add(time.Minute)
			require.NoError(t, s.Update(ctx, sess))
			got, err := s.Get(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, got.LastActivity.Equal(t0.Add(time.Minute)))

			deleted, err := s.Delete(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "s1", deleted.ID)

			assert.ErrorIs(t, s.Update(ctx, sess), core.ErrSessionNotFound)
			_, err = s.Delete(ctx, "s1")
			assert.ErrorIs(t, err, core.ErrSessionNotFound)
		})
	}
}

func TestSessionDeleteByUserAndStale(t *testing.T) {
	ctx := context.Background()
	for name, s := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Create(ctx, session("a1", "alice", t0), 0)
			require.NoError(t, err)
			_, err = s.Create(ctx, session("a2", "alice", t0), 0)
			require.NoError(t, err)
			_, err = s.Create(ctx, session("b1", "bob", t0), 0)
			require.NoError(t, err)
			_, err = s.Create(ctx, session("b2", "bob", t0.Add(time.Hour)), 0)
			require.NoError(t, err)

			removed, err := s.DeleteByUser(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, removed, 2)

			list, err := s.ListByUser(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, list)

			stale, err := s.DeleteStale(ctx, t0.Add(30*time.Minute), t0.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, "b1", stale[0].ID)

			_, err = s.Get(ctx, "b2")
			assert.NoError(t, err)
		})
	}
}

func mfaStores(t *testing.T) map[string]ports.MFAStore {
	return map[string]ports.MFAStore{
		"memory": NewMemoryMFAStore(),
		"redis":  NewRedisMFAStore(newTestRedis(t), "test:"),
	}
}

func TestMFAStoreState(t *testing.T) {
	ctx := context.Background()
	for name, s := range mfaStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetState(ctx, "u1")
			assert.ErrorIs(t, err, core.ErrNotFound)

			state, err := s.UpdateState(ctx, "u1", func(st *core.MFAState) error {
				st.Methods = append(st.Methods, core.MFAMethod{Type: core.MFAMethodTOTP, CreatedAt: t0})
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "u1", state.UserID)

			// an error from fn leaves the stored state untouched
			_, err = s.UpdateState(ctx, "u1", func(st *core.MFAState) error {
				st.Enabled = true
				return core.ErrInvalidCode
			})
			assert.ErrorIs(t, err, core.ErrInvalidCode)

			got, err := s.GetState(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.Len(t, got.Methods, 1)

			require.NoError(t, s.DeleteState(ctx, "u1"))
			_, err = s.GetState(ctx, "u1")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestMFAStoreConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	for name, s := range mfaStores(t) {
		t.Run(name, func(t *testing.T) {
			const workers = 5
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.UpdateState(ctx, "u1", func(st *core.MFAState) error {
						st.BackupCodes = append(st.BackupCodes, core.BackupCode{CodeHash: "h"})
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.GetState(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, got.BackupCodes, workers)
		})
	}
}

func TestMFAStoreChallenges(t *testing.T) {
	ctx := context.Background()
	for name, s := range mfaStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveChallenge(ctx, &core.Challenge{ID: "c1", UserID: "u1", CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}))
			require.NoError(t, s.SaveChallenge(ctx, &core.Challenge{ID: "c2", UserID: "u1", CreatedAt: t0, ExpiresAt: t0.Add(time.Minute)}))

			ch, err := s.ConsumeChallenge(ctx, "c1")
			require.NoError(t, err)
			assert.False(t, ch.Consumed)
			assert.Equal(t, "u1", ch.UserID)

			_, err = s.ConsumeChallenge(ctx, "c1")
			assert.ErrorIs(t, err, core.ErrChallengeConsumed)
			_, err = s.ConsumeChallenge(ctx, "nope")
			assert.ErrorIs(t, err, core.ErrChallengeNotFound)

			removed, err := s.PruneChallenges(ctx, t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
			_, err = s.ConsumeChallenge(ctx, "c2")
			assert.ErrorIs(t, err, core.ErrChallengeNotFound)
		})
	}
}

func TestMFAStoreConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range mfaStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveChallenge(ctx, &core.Challenge{ID: "c1", UserID: "u1", CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.ConsumeChallenge(ctx, "c1"); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func credentialStores(t *testing.T) map[string]ports.CredentialStore {
	return map[string]ports.CredentialStore{
		"memory": NewMemoryCredentialStore(),
		"redis":  NewRedisCredentialStore(newTestRedis(t), "test:"),
	}
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range credentialStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetPasswordHash(ctx, "u1")
			assert.ErrorIs(t, err, core.ErrNotFound)

			require.NoError(t, s.SetPasswordHash(ctx, "u1", "$argon2id$old"))
			require.NoError(t, s.SetPasswordHash(ctx, "u1", "$argon2id$new"))
			require.NoError(t, s.SetPasswordHash(ctx, "u2", "$argon2id$other"))

			hash, err := s.GetPasswordHash(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, "$argon2id$new", hash)

			require.NoError(t, s.DeletePasswordHash(ctx, "u1"))
			_, err = s.GetPasswordHash(ctx, "u1")
			assert.ErrorIs(t, err, core.ErrNotFound)

			hash, err = s.GetPasswordHash(ctx, "u2")
			require.NoError(t, err)
			assert.Equal(t, "$argon2id$other", hash)
		})
	}
}

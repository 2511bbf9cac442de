// Copyright 2021 UCL CS Diamant
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucl-cs-diamant/arena/internal/config"
	"github.com/ucl-cs-diamant/arena/internal/telemetry"
	"github.com/ucl-cs-diamant/arena/pkg/skill"
)

func TestStatestoreSetup(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	assert.NotNil(service)
	defer service.Close()
}

func TestMatchLifecycle(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	id := xid.New().String()

	// A match that was never created is not found.
	_, err := service.GetMatch(ctx, id)
	assert.Equal(ErrMatchNotFound, errors.Cause(err))

	// Deleting an absent match is not an error, but claims nothing.
	deleted, err := service.DeleteMatch(ctx, id)
	assert.NoError(err)
	assert.False(deleted)

	match := &Match{
		ID:      id,
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	}
	err = service.CreateMatch(ctx, match)
	require.NoError(t, err)

	stored, err := service.GetMatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(match.Players, stored.Players)
	assert.Nil(stored.Allocated)
	assert.False(stored.InProgress)

	allocated, err := service.AllocateMatch(ctx)
	require.NoError(t, err)
	assert.Equal(id, allocated.ID)
	assert.NotNil(allocated.Allocated)
	assert.True(allocated.InProgress)

	// The allocation is persisted, not just returned.
	stored, err = service.GetMatch(ctx, id)
	require.NoError(t, err)
	assert.NotNil(stored.Allocated)
	assert.True(stored.InProgress)

	// The allocated match is no longer visible.
	_, err = service.AllocateMatch(ctx)
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))

	deleted, err = service.DeleteMatch(ctx, id)
	require.NoError(t, err)
	assert.True(deleted)

	// A second delete finds nothing left to claim.
	deleted, err = service.DeleteMatch(ctx, id)
	require.NoError(t, err)
	assert.False(deleted)

	_, err = service.GetMatch(ctx, id)
	assert.Equal(ErrMatchNotFound, errors.Cause(err))

	// The deleted match never becomes visible again.
	_, err = service.AllocateMatch(ctx)
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))
}

func TestAllocateMatchNoneAvailable(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()

	_, err := service.AllocateMatch(context.Background())
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))
}

// At most one concurrent caller can claim any given match: with M eligible
// matches and N > M concurrent callers there are exactly M distinct
// allocations and N-M empty results.
func TestAllocateMatchAtMostOnce(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	const numMatches = 20
	const numWorkers = 100

	for i := 0; i < numMatches; i++ {
		err := service.CreateMatch(ctx, &Match{
			ID:      xid.New().String(),
			Players: []string{xid.New().String(), xid.New().String()},
			Created: time.Now(),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	allocated := map[string]int{}
	empty := 0

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			match, err := service.AllocateMatch(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Cause(err) == ErrNoMatchAvailable {
					empty++
				}
				return
			}
			allocated[match.ID]++
		}()
	}
	wg.Wait()

	assert.Equal(numMatches, len(allocated))
	assert.Equal(numWorkers-numMatches, empty)
	for id, count := range allocated {
		assert.Equal(1, count, "match %s was allocated %d times", id, count)
	}
}

// A pending index entry can outlive its match record when an external
// retention job purges the record directly. The allocator must skip such
// entries without leasing them.
func TestAllocateMatchDropsStaleIndexEntries(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	staleID := xid.New().String()
	err := service.CreateMatch(ctx, &Match{
		ID:      staleID,
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	})
	require.NoError(t, err)

	liveID := xid.New().String()
	err = service.CreateMatch(ctx, &Match{
		ID:      liveID,
		Players: []string{"carol", "dave"},
		Created: time.Now(),
	})
	require.NoError(t, err)

	conn, err := redis.Dial("tcp", cfg.GetString("redis.hostname")+":"+cfg.GetString("redis.port"))
	require.NoError(t, err)
	defer conn.Close()

	// Purge the record out from under the index.
	_, err = conn.Do("DEL", matchKey(staleID))
	require.NoError(t, err)

	match, err := service.AllocateMatch(ctx)
	require.NoError(t, err)
	assert.Equal(liveID, match.ID)

	_, err = service.AllocateMatch(ctx)
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))

	// The live match holds a lease; the stale id was dropped, not leased.
	_, err = redis.Float64(conn.Do("ZSCORE", allocatedMatchesKey, liveID))
	assert.NoError(err)
	_, err = redis.Float64(conn.Do("ZSCORE", allocatedMatchesKey, staleID))
	assert.Equal(redis.ErrNil, errors.Cause(err))
	exists, err := redis.Int(conn.Do("SCARD", pendingMatchesKey))
	require.NoError(t, err)
	assert.Equal(0, exists)
}

func TestFinalizeMatch(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	id := xid.New().String()
	err := service.CreateMatch(ctx, &Match{
		ID:      id,
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	})
	require.NoError(t, err)
	_, err = service.AllocateMatch(ctx)
	require.NoError(t, err)

	result := &MatchResult{
		ID:           xid.New().String(),
		MatchID:      id,
		Players:      []string{"alice", "bob"},
		Winners:      []string{"alice"},
		TimeStarted:  time.Now().Add(-time.Minute),
		TimeFinished: time.Now(),
		SkillDeltas:  map[string]float64{"alice": 4.4, "bob": -4.4},
	}
	claimed, err := service.FinalizeMatch(ctx, id, result)
	require.NoError(t, err)
	assert.True(claimed)

	// The match is gone, the result and its per-player index are written.
	_, err = service.GetMatch(ctx, id)
	assert.Equal(ErrMatchNotFound, errors.Cause(err))
	_, err = service.AllocateMatch(ctx)
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))

	stored, err := service.GetMatchResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(result.Winners, stored.Winners)

	results, err := service.GetPlayerResults(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, results, 1)

	// The loser of a concurrent finalization race writes nothing.
	duplicate := &MatchResult{
		ID:      xid.New().String(),
		MatchID: id,
		Players: []string{"alice", "bob"},
		Winners: []string{"bob"},
	}
	claimed, err = service.FinalizeMatch(ctx, id, duplicate)
	require.NoError(t, err)
	assert.False(claimed)

	_, err = service.GetMatchResult(ctx, duplicate.ID)
	assert.Equal(ErrMatchResultNotFound, errors.Cause(err))
	results, err = service.GetPlayerResults(ctx, "alice")
	require.NoError(t, err)
	assert.Len(results, 1)
}

func TestReleaseExpiredAllocations(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	cfg.Set("allocation.leaseTTL", 50*time.Millisecond)
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	id := xid.New().String()
	err := service.CreateMatch(ctx, &Match{
		ID:      id,
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	})
	require.NoError(t, err)

	_, err = service.AllocateMatch(ctx)
	require.NoError(t, err)

	// The lease has not lapsed yet.
	released, err := service.ReleaseExpiredAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(0, released)

	time.Sleep(60 * time.Millisecond)

	released, err = service.ReleaseExpiredAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(1, released)

	stored, err := service.GetMatch(ctx, id)
	require.NoError(t, err)
	assert.Nil(stored.Allocated)
	assert.False(stored.InProgress)

	// The released match is visible to the allocator again.
	match, err := service.AllocateMatch(ctx)
	require.NoError(t, err)
	assert.Equal(id, match.ID)
}

func TestReleaseExpiredAllocationsDisabled(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	cfg.Set("allocation.leaseTTL", 0)
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	err := service.CreateMatch(ctx, &Match{
		ID:      xid.New().String(),
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	})
	require.NoError(t, err)
	_, err = service.AllocateMatch(ctx)
	require.NoError(t, err)

	released, err := service.ReleaseExpiredAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(0, released)

	_, err = service.AllocateMatch(ctx)
	assert.Equal(ErrNoMatchAvailable, errors.Cause(err))
}

func TestMatchResultLifecycle(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	_, err := service.GetMatchResult(ctx, "nope")
	assert.Equal(ErrMatchResultNotFound, errors.Cause(err))

	firstMatch := xid.New().String()
	require.NoError(t, service.CreateMatch(ctx, &Match{
		ID:      firstMatch,
		Players: []string{"alice", "bob"},
		Created: time.Now(),
	}))
	first := &MatchResult{
		ID:           xid.New().String(),
		MatchID:      firstMatch,
		Players:      []string{"alice", "bob"},
		Winners:      []string{"alice"},
		TimeStarted:  time.Now().Add(-time.Minute),
		TimeFinished: time.Now().Add(-30 * time.Second),
		MatchEvents:  []json.RawMessage{json.RawMessage(`{"turn":1}`)},
		SkillDeltas:  map[string]float64{"alice": 4.4, "bob": -4.4},
	}
	claimed, err := service.FinalizeMatch(ctx, firstMatch, first)
	require.NoError(t, err)
	require.True(t, claimed)

	secondMatch := xid.New().String()
	require.NoError(t, service.CreateMatch(ctx, &Match{
		ID:      secondMatch,
		Players: []string{"alice", "carol"},
		Created: time.Now(),
	}))
	second := &MatchResult{
		ID:           xid.New().String(),
		MatchID:      secondMatch,
		Players:      []string{"alice", "carol"},
		Winners:      []string{"carol"},
		TimeStarted:  time.Now().Add(-20 * time.Second),
		TimeFinished: time.Now(),
	}
	claimed, err = service.FinalizeMatch(ctx, secondMatch, second)
	require.NoError(t, err)
	require.True(t, claimed)

	stored, err := service.GetMatchResult(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(first.Winners, stored.Winners)
	assert.Equal(first.SkillDeltas, stored.SkillDeltas)
	require.Len(t, stored.MatchEvents, 1)
	assert.JSONEq(`{"turn":1}`, string(stored.MatchEvents[0]))

	// Most recently finished first.
	results, err := service.GetPlayerResults(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(second.ID, results[0].ID)
	assert.Equal(first.ID, results[1].ID)

	results, err = service.GetPlayerResults(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(first.ID, results[0].ID)

	results, err = service.GetPlayerResults(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(results)
}

func TestPerformanceRoundTrip(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	// A player that has never played gets the default prior.
	performance, err := service.GetPerformance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal("alice", performance.PlayerID)
	assert.Equal(skill.DefaultMu, performance.MMR)
	assert.Equal(skill.DefaultSigma, performance.Confidence)
	assert.Equal(int64(0), performance.GamesPlayed)

	performance.MMR = 29.4
	performance.Confidence = 7.2
	performance.GamesPlayed = 3
	require.NoError(t, service.SetPerformance(ctx, performance))

	stored, err := service.GetPerformance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(29.4, stored.MMR)
	assert.Equal(7.2, stored.Confidence)
	assert.Equal(int64(3), stored.GamesPlayed)
}

func TestLockRatings(t *testing.T) {
	assert := assert.New(t)
	cfg, closer := createRedis(t)
	defer closer()
	service := New(cfg)
	defer service.Close()
	ctx := context.Background()

	unlock, err := service.LockRatings(ctx)
	require.NoError(t, err)

	// A second holder cannot take the lock while it is held.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = service.LockRatings(shortCtx)
	assert.Error(err)

	unlock()

	unlock, err = service.LockRatings(ctx)
	require.NoError(t, err)
	unlock()
}

func createRedis(t *testing.T) (config.Mutable, func()) {
	cfg := viper.New()
	mredis, err := miniredis.Run()
	if err != nil {
		t.Fatalf("cannot create redis %s", err)
	}

	cfg.Set("redis.hostname", mredis.Host())
	cfg.Set("redis.port", mredis.Port())
	cfg.Set("redis.pool.maxIdle", 1000)
	cfg.Set("redis.pool.idleTimeout", time.Second)
	cfg.Set("redis.pool.healthCheckTimeout", 100*time.Millisecond)
	cfg.Set("redis.pool.maxActive", 1000)
	cfg.Set("allocation.leaseTTL", time.Minute)
	cfg.Set("ratings.lockTTL", 5*time.Second)
	cfg.Set(telemetry.ConfigNameEnableMetrics, true)

	return cfg, func() { mredis.Close() }
}

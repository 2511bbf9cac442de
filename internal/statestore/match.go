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
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// pendingMatchesKey indexes the ids of matches visible to the
	// allocator: unallocated, not in progress, not over.
	pendingMatchesKey = "pendingMatches"

	// allocatedMatchesKey is a sorted set of allocated match ids scored by
	// allocation time, used to find lapsed allocation leases.
	allocatedMatchesKey = "allocatedMatches"

	allocationSweepLockName = "lock:allocationSweep"
)

func matchKey(id string) string {
	return "match:" + id
}

// CreateMatch stores a new unallocated match and indexes it for allocation.
func (rb *redisBackend) CreateMatch(ctx context.Context, match *Match) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	value, err := json.Marshal(match)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal the match, id: %s", match.ID)
	}

	err = redisConn.Send("MULTI")
	if err == nil {
		err = redisConn.Send("SET", matchKey(match.ID), value)
	}
	if err == nil {
		err = redisConn.Send("SADD", pendingMatchesKey, match.ID)
	}
	if err == nil {
		_, err = redisConn.Do("EXEC")
	}
	if err != nil {
		return errors.Wrapf(err, "failed to store match, id: %s", match.ID)
	}

	return nil
}

// GetMatch returns the live match with the specified id.
func (rb *redisBackend) GetMatch(ctx context.Context, id string) (*Match, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	return rb.getMatch(redisConn, id)
}

func (rb *redisBackend) getMatch(redisConn redis.Conn, id string) (*Match, error) {
	value, err := redis.Bytes(redisConn.Do("GET", matchKey(id)))
	if err != nil {
		if err == redis.ErrNil {
			return nil, ErrMatchNotFound
		}
		return nil, errors.Wrapf(err, "failed to get the match from state storage, id: %s", id)
	}

	match := &Match{}
	err = json.Unmarshal(value, match)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal the match, id: %s", id)
	}

	return match, nil
}

// allocateScript pops a uniformly random pending match and leases it in the
// allocated zset in one atomic step. Moving the id between the two indexes
// together means a crash before the record is stamped still leaves the match
// leased, so the sweep recovers it instead of losing it.
var allocateScript = redis.NewScript(2, `
local id = redis.call("SPOP", KEYS[1])
if not id then
	return false
end
redis.call("ZADD", KEYS[2], ARGV[1], id)
return id
`)

// AllocateMatch atomically claims one visible match. The pop is a single
// atomic step, so two concurrent callers can never claim the same match;
// everything after it operates on an id only this caller holds.
func (rb *redisBackend) AllocateMatch(ctx context.Context) (*Match, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	for {
		now := time.Now()
		id, err := redis.String(allocateScript.Do(redisConn, pendingMatchesKey, allocatedMatchesKey, now.UnixNano()))
		if err != nil {
			if err == redis.ErrNil {
				return nil, ErrNoMatchAvailable
			}
			return nil, errors.Wrap(err, "failed to pop a pending match")
		}

		match, err := rb.getMatch(redisConn, id)
		if err != nil {
			if err == ErrMatchNotFound {
				// Stale index entry left by an external expiry, drop
				// the lease and try the next candidate.
				redisLogger.WithField("id", id).Debug("dropping stale pending match index entry")
				if _, err := redisConn.Do("ZREM", allocatedMatchesKey, id); err != nil {
					return nil, errors.Wrapf(err, "failed to deindex the stale match, id: %s", id)
				}
				continue
			}
			return nil, err
		}

		match.Allocated = &now
		match.InProgress = true

		value, err := json.Marshal(match)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal the match, id: %s", id)
		}
		if _, err := redisConn.Do("SET", matchKey(id), value); err != nil {
			return nil, errors.Wrapf(err, "failed to mark match allocated, id: %s", id)
		}

		return match, nil
	}
}

// DeleteMatch removes a match and its allocation indexes from the live store.
// The returned bool reports whether this call removed the match record.
func (rb *redisBackend) DeleteMatch(ctx context.Context, id string) (bool, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return false, err
	}
	defer handleConnectionClose(&redisConn)

	err = redisConn.Send("MULTI")
	if err == nil {
		err = redisConn.Send("DEL", matchKey(id))
	}
	if err == nil {
		err = redisConn.Send("SREM", pendingMatchesKey, id)
	}
	if err == nil {
		err = redisConn.Send("ZREM", allocatedMatchesKey, id)
	}
	var replies []interface{}
	if err == nil {
		replies, err = redis.Values(redisConn.Do("EXEC"))
	}
	var deleted int
	if err == nil {
		deleted, err = redis.Int(replies[0], nil)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete the match from state storage, id: %s", id)
	}

	return deleted > 0, nil
}

// ReleaseExpiredAllocations returns matches whose allocation lease has lapsed
// to the pending set. The sweep is guarded by a distributed mutex so that
// concurrent engine replicas do not release the same allocation twice.
func (rb *redisBackend) ReleaseExpiredAllocations(ctx context.Context) (int, error) {
	ttl := rb.cfg.GetDuration("allocation.leaseTTL")
	if ttl <= 0 {
		// Leases disabled: an abandoned allocation stays claimed until
		// external cleanup removes the match.
		return 0, nil
	}

	mutex := rb.locker.NewMutex(allocationSweepLockName, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		// Another replica is sweeping.
		redisLogger.WithError(err).Debug("allocation sweep lock is held elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			redisLogger.WithError(err).Debug("failed to release the allocation sweep lock")
		}
	}()

	redisConn, err := rb.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer handleConnectionClose(&redisConn)

	expiredBefore := time.Now().Add(-ttl).UnixNano()
	ids, err := redis.Strings(redisConn.Do("ZRANGEBYSCORE", allocatedMatchesKey, "-inf", expiredBefore))
	if err != nil {
		return 0, errors.Wrap(err, "failed to look up expired allocations")
	}

	released := 0
	for _, id := range ids {
		match, err := rb.getMatch(redisConn, id)
		if err != nil {
			if err == ErrMatchNotFound {
				// Finalized or externally purged since the range read.
				if _, err := redisConn.Do("ZREM", allocatedMatchesKey, id); err != nil {
					return released, errors.Wrapf(err, "failed to deindex the vanished match, id: %s", id)
				}
				continue
			}
			return released, err
		}

		match.Allocated = nil
		match.InProgress = false

		value, err := json.Marshal(match)
		if err != nil {
			return released, errors.Wrapf(err, "failed to marshal the match, id: %s", id)
		}

		err = redisConn.Send("MULTI")
		if err == nil {
			err = redisConn.Send("SET", matchKey(id), value)
		}
		if err == nil {
			err = redisConn.Send("ZREM", allocatedMatchesKey, id)
		}
		if err == nil {
			err = redisConn.Send("SADD", pendingMatchesKey, id)
		}
		if err == nil {
			_, err = redisConn.Do("EXEC")
		}
		if err != nil {
			return released, errors.Wrapf(err, "failed to release the expired allocation, id: %s", id)
		}

		released++
		redisLogger.WithFields(logrus.Fields{
			"id":    id,
			"lease": ttl,
		}).Info("released an expired match allocation")
	}

	return released, nil
}

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
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/ucl-cs-diamant/arena/pkg/skill"
)

const ratingsLockName = "lock:ratings"

func performanceKey(playerID string) string {
	return "performance:" + playerID
}

// GetPerformance returns the player's rating snapshot. A player that has
// never completed a match gets the default prior; the seeded snapshot is not
// persisted until SetPerformance writes it back.
func (rb *redisBackend) GetPerformance(ctx context.Context, playerID string) (*PlayerPerformance, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	values, err := redis.Values(redisConn.Do("HGETALL", performanceKey(playerID)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get the performance from state storage, player: %s", playerID)
	}

	performance := &PlayerPerformance{
		PlayerID:   playerID,
		MMR:        skill.DefaultMu,
		Confidence: skill.DefaultSigma,
	}
	if len(values) == 0 {
		return performance, nil
	}

	var stored struct {
		MMR         float64 `redis:"mmr"`
		Confidence  float64 `redis:"confidence"`
		GamesPlayed int64   `redis:"gamesPlayed"`
	}
	err = redis.ScanStruct(values, &stored)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal the performance, player: %s", playerID)
	}

	performance.MMR = stored.MMR
	performance.Confidence = stored.Confidence
	performance.GamesPlayed = stored.GamesPlayed
	return performance, nil
}

// SetPerformance overwrites the player's rating snapshot.
func (rb *redisBackend) SetPerformance(ctx context.Context, performance *PlayerPerformance) error {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return err
	}
	defer handleConnectionClose(&redisConn)

	_, err = redisConn.Do("HSET", performanceKey(performance.PlayerID),
		"mmr", performance.MMR,
		"confidence", performance.Confidence,
		"gamesPlayed", performance.GamesPlayed,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set the performance, player: %s", performance.PlayerID)
	}

	return nil
}

// LockRatings serializes rating read-modify-write sequences across all
// reporters. A player may take part in two matches finalized concurrently;
// without the lock the second writer would overwrite the first one's update.
func (rb *redisBackend) LockRatings(ctx context.Context) (func(), error) {
	expiry := rb.cfg.GetDuration("ratings.lockTTL")
	if expiry <= 0 {
		expiry = 10 * time.Second
	}

	mutex := rb.locker.NewMutex(ratingsLockName, redsync.WithExpiry(expiry))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to acquire the ratings lock")
	}

	return func() {
		if _, err := mutex.Unlock(); err != nil {
			redisLogger.WithError(err).Debug("failed to release the ratings lock")
		}
	}, nil
}

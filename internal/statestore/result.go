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

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

func matchResultKey(id string) string {
	return "matchResult:" + id
}

func playerResultsKey(playerID string) string {
	return "playerResults:" + playerID
}

// finalizeScript claims the live match and persists its result in one atomic
// step. The DEL of the match record is the claim: if another reporter got
// there first the script writes nothing, and a crash can never leave a
// claimed match without its stored result.
//
// KEYS: match record, pending set, allocated zset, result record, then one
// result-index list per participant. ARGV: match id, result value, result id.
var finalizeScript = redis.NewScript(-1, `
if redis.call("DEL", KEYS[1]) == 0 then
	return 0
end
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("SET", KEYS[4], ARGV[2])
for i = 5, #KEYS do
	redis.call("LPUSH", KEYS[i], ARGV[3])
end
return 1
`)

// FinalizeMatch atomically removes the live match and stores its immutable
// result, indexed per participant. Result ids are prepended so each player's
// list stays ordered most recently finished first. It reports whether this
// call performed the finalization; a false return means the match was
// already finalized or externally purged, and nothing was written.
func (rb *redisBackend) FinalizeMatch(ctx context.Context, matchID string, result *MatchResult) (bool, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return false, err
	}
	defer handleConnectionClose(&redisConn)

	value, err := json.Marshal(result)
	if err != nil {
		return false, errors.Wrapf(err, "failed to marshal the match result, id: %s", result.ID)
	}

	args := []interface{}{
		4 + len(result.Players),
		matchKey(matchID),
		pendingMatchesKey,
		allocatedMatchesKey,
		matchResultKey(result.ID),
	}
	for _, playerID := range result.Players {
		args = append(args, playerResultsKey(playerID))
	}
	args = append(args, matchID, value, result.ID)

	claimed, err := redis.Int(finalizeScript.Do(redisConn, args...))
	if err != nil {
		return false, errors.Wrapf(err, "failed to finalize the match, id: %s", matchID)
	}

	return claimed == 1, nil
}

// GetMatchResult returns the result with the specified id.
func (rb *redisBackend) GetMatchResult(ctx context.Context, id string) (*MatchResult, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	value, err := redis.Bytes(redisConn.Do("GET", matchResultKey(id)))
	if err != nil {
		if err == redis.ErrNil {
			return nil, ErrMatchResultNotFound
		}
		return nil, errors.Wrapf(err, "failed to get the match result from state storage, id: %s", id)
	}

	result := &MatchResult{}
	err = json.Unmarshal(value, result)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal the match result, id: %s", id)
	}

	return result, nil
}

// GetPlayerResults returns the results of all finalized matches the player
// took part in, most recently finished first.
func (rb *redisBackend) GetPlayerResults(ctx context.Context, playerID string) ([]*MatchResult, error) {
	redisConn, err := rb.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer handleConnectionClose(&redisConn)

	ids, err := redis.Strings(redisConn.Do("LRANGE", playerResultsKey(playerID), 0, -1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up results for player %s", playerID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	queryParams := make([]interface{}, len(ids))
	for i, id := range ids {
		queryParams[i] = matchResultKey(id)
	}

	resultBytes, err := redis.ByteSlices(redisConn.Do("MGET", queryParams...))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get results for player %s", playerID)
	}

	results := make([]*MatchResult, 0, len(resultBytes))
	for i, b := range resultBytes {
		// Results may be purged by retention jobs between the index read
		// and the fetch.
		if b == nil {
			continue
		}
		result := &MatchResult{}
		err = json.Unmarshal(b, result)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal the match result, id: %s", ids[i])
		}
		results = append(results, result)
	}

	return results, nil
}

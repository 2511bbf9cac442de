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

package gameengine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/ucl-cs-diamant/arena/internal/set"
	"github.com/ucl-cs-diamant/arena/internal/statestore"
	"github.com/ucl-cs-diamant/arena/pkg/skill"
)

type reportRequest struct {
	Winners      []string          `json:"winners"`
	MatchHistory []json.RawMessage `json:"match_history"`
}

// reportMatch finalizes a finished match: it validates the report, claims the
// match so no other reporter can finalize it again, folds the outcome into
// the participants' ratings, stores the immutable result and signals each
// participant's code as available again. A match that was already finalized,
// or whose allocation lease lapsed and was cleaned up, is gone and reported
// as timed out.
func (s *gameEngineService) reportMatch(w http.ResponseWriter, r *http.Request, matchID string) {
	ctx := r.Context()

	match, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		if errors.Cause(err) == statestore.ErrMatchNotFound {
			writeRejection(w, http.StatusGone, "Match has been timed out")
			return
		}
		logger.WithError(err).Error("failed to look up the reported match")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}

	var req reportRequest
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Winners) == 0 {
		writeRejection(w, http.StatusBadRequest, "No winners provided")
		return
	}
	if len(set.Difference(req.Winners, match.Players)) > 0 {
		writeRejection(w, http.StatusBadRequest, "One or more winner not part of match")
		return
	}
	// A worker may legitimately report a game with no recorded events; the
	// rejection is for reports that omit the log entirely.
	if req.MatchHistory == nil {
		writeRejection(w, http.StatusBadRequest, "Missing match history")
		return
	}

	result, err := s.finalizeMatch(ctx, match, &req)
	if err != nil {
		if errors.Cause(err) == statestore.ErrMatchNotFound {
			writeRejection(w, http.StatusGone, "Match has been timed out")
			return
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"matchId": matchID,
		}).Error("failed to finalize the reported match")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// The availability signal is advisory: the match is finalized either
	// way, so notifier failures are logged and the report still succeeds.
	for _, playerID := range match.Players {
		if err := s.notifier.MarkCodeAvailable(ctx, playerID); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"playerId": playerID,
			}).Warning("failed to mark the player's code available")
		}
	}

	logger.WithFields(logrus.Fields{
		"matchId":  matchID,
		"resultId": result.ID,
		"winners":  req.Winners,
	}).Info("match finalized")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok": true,
		"id": result.ID,
	})
}

// finalizeMatch turns a validated report into durable state. Under the
// store's ratings lock it computes the participants' posterior ratings, then
// claims the match and persists the result in one atomic store operation,
// and only then writes the ratings back. Ordering matters twice over:
//   - The atomic claim-and-store means a crash mid-report never leaves a
//     finalized match without its result; the stored skill deltas are enough
//     to replay any rating write that was cut off.
//   - Rating writes happen only after a successful claim, so the loser of a
//     concurrent duplicate report mutates nothing.
//
// Returns statestore.ErrMatchNotFound when another reporter won the claim.
func (s *gameEngineService) finalizeMatch(ctx context.Context, match *statestore.Match, req *reportRequest) (*statestore.MatchResult, error) {
	unlock, err := s.store.LockRatings(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	performances, deltas, err := s.rateOutcome(ctx, match, req.Winners)
	if err != nil {
		return nil, err
	}

	started := match.Created
	if match.Allocated != nil {
		started = *match.Allocated
	}
	result := &statestore.MatchResult{
		ID:           xid.New().String(),
		MatchID:      match.ID,
		Players:      match.Players,
		Winners:      req.Winners,
		TimeStarted:  started,
		TimeFinished: time.Now().UTC(),
		MatchEvents:  req.MatchHistory,
		SkillDeltas:  deltas,
	}

	claimed, err := s.store.FinalizeMatch(ctx, match.ID, result)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, statestore.ErrMatchNotFound
	}

	for _, performance := range performances {
		if err := s.store.SetPerformance(ctx, performance); err != nil {
			return nil, errors.Wrapf(err, "match %s is finalized as result %s but the rating write failed", match.ID, result.ID)
		}
	}

	return result, nil
}

// rateOutcome computes the participants' posterior ratings for the reported
// outcome, in memory only. The caller decides whether the updates are
// persisted. Must run under the store's ratings lock so two matches
// finalized concurrently cannot drop each other's update for a shared
// player.
func (s *gameEngineService) rateOutcome(ctx context.Context, match *statestore.Match, winners []string) ([]*statestore.PlayerPerformance, map[string]float64, error) {
	won := make(map[string]bool, len(winners))
	for _, w := range winners {
		won[w] = true
	}

	performances := make([]*statestore.PlayerPerformance, len(match.Players))
	groups := make([][]skill.Rating, len(match.Players))
	ranks := make([]int, len(match.Players))
	for i, playerID := range match.Players {
		performance, err := s.store.GetPerformance(ctx, playerID)
		if err != nil {
			return nil, nil, err
		}
		performances[i] = performance
		groups[i] = []skill.Rating{{Mu: performance.MMR, Sigma: performance.Confidence}}
		if !won[playerID] {
			ranks[i] = 1
		}
	}

	rated, err := s.model.Rate(groups, ranks)
	if err != nil {
		return nil, nil, err
	}

	deltas := make(map[string]float64, len(match.Players))
	for i, performance := range performances {
		deltas[performance.PlayerID] = rated[i][0].Mu - performance.MMR
		performance.MMR = rated[i][0].Mu
		performance.Confidence = rated[i][0].Sigma
		performance.GamesPlayed++
	}

	return performances, deltas, nil
}

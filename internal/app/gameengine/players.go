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
	"net/http"
)

// getPerformance returns the player's current rating snapshot. A player who
// has never finished a match has no snapshot yet, which is a 204 rather
// than a default-prior body, so callers can tell "unrated" from "rated at
// the prior".
func (s *gameEngineService) getPerformance(w http.ResponseWriter, r *http.Request, playerID string) {
	performance, err := s.store.GetPerformance(r.Context(), playerID)
	if err != nil {
		logger.WithError(err).Error("failed to get the player performance")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if performance.GamesPlayed == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mmr":         performance.MMR,
		"confidence":  performance.Confidence,
		"gamesPlayed": performance.GamesPlayed,
	})
}

// getPlayerResults returns the player's finalized match results, most
// recently finished first.
func (s *gameEngineService) getPlayerResults(w http.ResponseWriter, r *http.Request, playerID string) {
	results, err := s.store.GetPlayerResults(r.Context(), playerID)
	if err != nil {
		logger.WithError(err).Error("failed to get the player results")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if len(results) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

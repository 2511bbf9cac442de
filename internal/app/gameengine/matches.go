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
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/ucl-cs-diamant/arena/internal/statestore"
)

// createMatch registers a new match for the given players. It is called by
// the external match-maker, so unlike the worker endpoints it requires the
// configured bearer token.
func (s *gameEngineService) createMatch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeRejection(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	var req struct {
		Players []string `json:"players"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeRejection(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Players) < 2 {
		writeRejection(w, http.StatusBadRequest, "A match requires at least two players")
		return
	}
	for _, p := range req.Players {
		if p == "" {
			writeRejection(w, http.StatusBadRequest, "A match requires at least two players")
			return
		}
	}

	match := &statestore.Match{
		ID:      xid.New().String(),
		Players: req.Players,
		Created: time.Now().UTC(),
	}
	if err := s.store.CreateMatch(r.Context(), match); err != nil {
		logger.WithError(err).Error("failed to create the match")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}

	logger.WithFields(logrus.Fields{
		"matchId": match.ID,
		"players": match.Players,
	}).Info("match created")

	writeJSON(w, http.StatusCreated, map[string]string{"id": match.ID})
}

// deleteMatch withdraws a live match that will never be played, for example
// because a participant left the classroom. Like creation it is a match-maker
// operation and requires the configured token. The match's allocation state
// does not matter; a worker still running it gets the timed-out rejection
// when it reports.
func (s *gameEngineService) deleteMatch(w http.ResponseWriter, r *http.Request, matchID string) {
	if !s.authorized(r) {
		writeRejection(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	deleted, err := s.store.DeleteMatch(r.Context(), matchID)
	if err != nil {
		logger.WithError(err).Error("failed to delete the match")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if !deleted {
		writeRejection(w, http.StatusNotFound, "Match not found")
		return
	}

	logger.WithFields(logrus.Fields{
		"matchId": matchID,
	}).Info("match withdrawn")

	w.WriteHeader(http.StatusNoContent)
}

func (s *gameEngineService) authorized(r *http.Request) bool {
	token := s.cfg.GetString("api.gameengine.authToken")
	if token == "" {
		// No token configured means the deployment gates the endpoint
		// elsewhere, such as a cluster-internal network policy.
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	return errors.Wrap(json.NewDecoder(r.Body).Decode(v), "failed to decode the request body")
}

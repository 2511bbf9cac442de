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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ucl-cs-diamant/arena/internal/config"
	"github.com/ucl-cs-diamant/arena/internal/ingestion"
	"github.com/ucl-cs-diamant/arena/internal/statestore"
	"github.com/ucl-cs-diamant/arena/pkg/skill"
)

// gameEngineService implements the match allocation and rating engine.
type gameEngineService struct {
	cfg      config.View
	store    statestore.Service
	model    *skill.Model
	notifier ingestion.Notifier
}

// rejection is the body of every non-2xx response, mirroring the shape the
// game runner workers already parse.
type rejection struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// handleMatches routes the /v1/matches tree:
//
//	POST   /v1/matches              create a match (match-maker, authenticated)
//	GET    /v1/matches/allocate     claim one pending match
//	POST   /v1/matches/{id}/results report a finished match
//	DELETE /v1/matches/{id}         withdraw a match (match-maker, authenticated)
func (s *gameEngineService) handleMatches(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/matches")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.createMatch(w, r)
	case rest == "allocate":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.allocateMatch(w, r)
	case strings.HasSuffix(rest, "/results"):
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.reportMatch(w, r, strings.TrimSuffix(rest, "/results"))
	case !strings.Contains(rest, "/"):
		if !requireMethod(w, r, http.MethodDelete) {
			return
		}
		s.deleteMatch(w, r, rest)
	default:
		http.NotFound(w, r)
	}
}

// handlePlayers routes the /v1/players tree:
//
//	GET /v1/players/{id}/performance current rating snapshot
//	GET /v1/players/{id}/results     finalized results, newest first
func (s *gameEngineService) handlePlayers(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/players"), "/")
	playerID, resource, ok := strings.Cut(rest, "/")
	if !ok || playerID == "" {
		http.NotFound(w, r)
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	switch resource {
	case "performance":
		s.getPerformance(w, r, playerID)
	case "results":
		s.getPlayerResults(w, r, playerID)
	default:
		http.NotFound(w, r)
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeRejection(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Debug("failed to write response body")
	}
}

func writeRejection(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, rejection{OK: false, Message: message})
}

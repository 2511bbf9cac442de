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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ucl-cs-diamant/arena/internal/statestore"
)

// allocateMatch hands one pending match to the calling worker. The claim is
// atomic in the store, so two workers polling at the same time never receive
// the same match. An empty pending set is a 204, which workers treat as
// "sleep and poll again".
func (s *gameEngineService) allocateMatch(w http.ResponseWriter, r *http.Request) {
	match, err := s.store.AllocateMatch(r.Context())
	if err != nil {
		if errors.Cause(err) == statestore.ErrNoMatchAvailable {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.WithError(err).Error("failed to allocate a match")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}

	logger.WithFields(logrus.Fields{
		"matchId": match.ID,
		"players": match.Players,
	}).Debug("match allocated")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      match.ID,
		"players": match.Players,
	})
}

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
	"strings"

	"github.com/pkg/errors"

	"github.com/ucl-cs-diamant/arena/internal/statestore"
)

// handleResults serves GET /v1/results/{id}: the immutable record of a
// finalized match, looked up by result id.
func (s *gameEngineService) handleResults(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/results"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	result, err := s.store.GetMatchResult(r.Context(), id)
	if err != nil {
		if errors.Cause(err) == statestore.ErrMatchResultNotFound {
			writeRejection(w, http.StatusNotFound, "Result not found")
			return
		}
		logger.WithError(err).Error("failed to get the match result")
		writeRejection(w, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

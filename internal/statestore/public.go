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

// Package statestore is the durable store for matches, match results and the
// player performance ledger. All allocation and rating state lives here so it
// survives process restarts.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/ucl-cs-diamant/arena/internal/config"
	"github.com/ucl-cs-diamant/arena/internal/telemetry"
)

var (
	// ErrMatchNotFound is returned when the referenced match is not in the
	// live store: it was never created, already finalized, or expired.
	ErrMatchNotFound = errors.New("match not found")

	// ErrNoMatchAvailable is returned by AllocateMatch when no match
	// satisfies the visibility invariant. It is an expected outcome, not a
	// failure; callers should try again later.
	ErrNoMatchAvailable = errors.New("no match available")

	// ErrMatchResultNotFound is returned when the referenced match result
	// does not exist.
	ErrMatchResultNotFound = errors.New("match result not found")
)

// Match is a live match record. A match is visible to the allocator iff it
// has no allocation timestamp, is not in progress, and is not over.
type Match struct {
	ID         string     `json:"id"`
	Players    []string   `json:"players"`
	Created    time.Time  `json:"created"`
	Allocated  *time.Time `json:"allocated,omitempty"`
	InProgress bool       `json:"inProgress"`
	Over       bool       `json:"over"`
}

// MatchResult is the immutable record of a finalized match. It is written
// exactly once and never mutated.
type MatchResult struct {
	ID           string             `json:"id"`
	MatchID      string             `json:"matchId"`
	Players      []string           `json:"players"`
	Winners      []string           `json:"winners"`
	TimeStarted  time.Time          `json:"timeStarted"`
	TimeFinished time.Time          `json:"timeFinished"`
	MatchEvents  []json.RawMessage  `json:"matchEvents"`
	SkillDeltas  map[string]float64 `json:"skillDeltas"`
}

// PlayerPerformance is the current rating snapshot for a player. It is
// overwritten in place on every finalized match involving that player.
type PlayerPerformance struct {
	PlayerID    string  `json:"playerId"`
	MMR         float64 `json:"mmr"`
	Confidence  float64 `json:"confidence"`
	GamesPlayed int64   `json:"gamesPlayed"`
}

// Service is a generic interface for talking to the storage backend.
type Service interface {
	// HealthCheck indicates if the database is reachable.
	HealthCheck(ctx context.Context) error

	// CreateMatch stores a new unallocated match and indexes it for
	// allocation.
	CreateMatch(ctx context.Context, match *Match) error

	// GetMatch returns the live match with the specified id. Returns
	// ErrMatchNotFound if the match is not in the live store.
	GetMatch(ctx context.Context, id string) (*Match, error)

	// AllocateMatch atomically claims one visible match for the caller and
	// marks it allocated. No two concurrent calls can claim the same
	// match. Returns ErrNoMatchAvailable if no match is visible.
	AllocateMatch(ctx context.Context) (*Match, error)

	// DeleteMatch removes a match and its allocation indexes from the live
	// store. It reports whether this call removed the match, so concurrent
	// finalizers can decide which of them claimed it. Deleting an absent
	// match is not an error.
	DeleteMatch(ctx context.Context, id string) (bool, error)

	// ReleaseExpiredAllocations returns matches whose allocation lease has
	// lapsed back to the allocator's visible set, and reports how many
	// were released.
	ReleaseExpiredAllocations(ctx context.Context) (int, error)

	// FinalizeMatch atomically removes the live match and stores its
	// immutable result, indexed per participant. It reports whether this
	// call performed the finalization; false means the match was already
	// finalized or externally purged and nothing was written.
	FinalizeMatch(ctx context.Context, matchID string, result *MatchResult) (bool, error)

	// GetMatchResult returns the result with the specified id.
	GetMatchResult(ctx context.Context, id string) (*MatchResult, error)

	// GetPlayerResults returns the results of all finalized matches the
	// player took part in, most recently finished first.
	GetPlayerResults(ctx context.Context, playerID string) ([]*MatchResult, error)

	// GetPerformance returns the player's rating snapshot, seeded with the
	// default prior if the player has never completed a match. The seeded
	// snapshot is not persisted until SetPerformance is called.
	GetPerformance(ctx context.Context, playerID string) (*PlayerPerformance, error)

	// SetPerformance overwrites the player's rating snapshot.
	SetPerformance(ctx context.Context, performance *PlayerPerformance) error

	// LockRatings serializes rating read-modify-write sequences across all
	// reporters. The returned function releases the lock.
	LockRatings(ctx context.Context) (func(), error)

	// Close the connection to the underlying storage.
	Close() error
}

// New creates a Service based on the configuration.
func New(cfg config.View) Service {
	s := newRedis(cfg)
	if cfg.GetBool(telemetry.ConfigNameEnableMetrics) {
		return &instrumentedService{
			s: s,
		}
	}
	return s
}

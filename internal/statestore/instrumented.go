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

	"go.opencensus.io/trace"

	"github.com/ucl-cs-diamant/arena/internal/telemetry"
)

var (
	mStateStoreCreateMatchCount        = telemetry.Counter("statestore/creatematchcount", "matches created")
	mStateStoreGetMatchCount           = telemetry.Counter("statestore/getmatchcount", "matches retrieved")
	mStateStoreAllocateMatchCount      = telemetry.Counter("statestore/allocatematchcount", "matches allocated")
	mStateStoreDeleteMatchCount        = telemetry.Counter("statestore/deletematchcount", "matches deleted")
	mStateStoreReleasedAllocationCount = telemetry.Counter("statestore/releasedallocationcount", "expired allocations released")
	mStateStoreFinalizeMatchCount      = telemetry.Counter("statestore/finalizematchcount", "matches finalized")
	mStateStoreGetResultCount          = telemetry.Counter("statestore/getresultcount", "match results retrieved")
	mStateStoreGetPerformanceCount     = telemetry.Counter("statestore/getperformancecount", "performances retrieved")
	mStateStoreSetPerformanceCount     = telemetry.Counter("statestore/setperformancecount", "performances written")
)

// instrumentedService is a wrapper for a statestore service that provides
// instrumentation (metrics and tracing) of the database.
type instrumentedService struct {
	s Service
}

// Close the connection to the database.
func (is *instrumentedService) Close() error {
	return is.s.Close()
}

// HealthCheck indicates if the database is reachable.
func (is *instrumentedService) HealthCheck(ctx context.Context) error {
	return is.s.HealthCheck(ctx)
}

func (is *instrumentedService) CreateMatch(ctx context.Context, match *Match) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.CreateMatch")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreCreateMatchCount)
	return is.s.CreateMatch(ctx, match)
}

func (is *instrumentedService) GetMatch(ctx context.Context, id string) (*Match, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetMatch")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetMatchCount)
	return is.s.GetMatch(ctx, id)
}

func (is *instrumentedService) AllocateMatch(ctx context.Context) (*Match, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.AllocateMatch")
	defer span.End()
	match, err := is.s.AllocateMatch(ctx)
	if err == nil {
		telemetry.RecordUnitMeasurement(ctx, mStateStoreAllocateMatchCount)
	}
	return match, err
}

func (is *instrumentedService) DeleteMatch(ctx context.Context, id string) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.DeleteMatch")
	defer span.End()
	deleted, err := is.s.DeleteMatch(ctx, id)
	if deleted {
		telemetry.RecordUnitMeasurement(ctx, mStateStoreDeleteMatchCount)
	}
	return deleted, err
}

func (is *instrumentedService) FinalizeMatch(ctx context.Context, matchID string, result *MatchResult) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.FinalizeMatch")
	defer span.End()
	claimed, err := is.s.FinalizeMatch(ctx, matchID, result)
	if claimed {
		telemetry.RecordUnitMeasurement(ctx, mStateStoreFinalizeMatchCount)
	}
	return claimed, err
}

func (is *instrumentedService) ReleaseExpiredAllocations(ctx context.Context) (int, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.ReleaseExpiredAllocations")
	defer span.End()
	released, err := is.s.ReleaseExpiredAllocations(ctx)
	if released > 0 {
		telemetry.RecordNUnitMeasurement(ctx, mStateStoreReleasedAllocationCount, int64(released))
	}
	return released, err
}

func (is *instrumentedService) GetMatchResult(ctx context.Context, id string) (*MatchResult, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetMatchResult")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetResultCount)
	return is.s.GetMatchResult(ctx, id)
}

func (is *instrumentedService) GetPlayerResults(ctx context.Context, playerID string) ([]*MatchResult, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetPlayerResults")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetResultCount)
	return is.s.GetPlayerResults(ctx, playerID)
}

func (is *instrumentedService) GetPerformance(ctx context.Context, playerID string) (*PlayerPerformance, error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.GetPerformance")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreGetPerformanceCount)
	return is.s.GetPerformance(ctx, playerID)
}

func (is *instrumentedService) SetPerformance(ctx context.Context, performance *PlayerPerformance) error {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.SetPerformance")
	defer span.End()
	defer telemetry.RecordUnitMeasurement(ctx, mStateStoreSetPerformanceCount)
	return is.s.SetPerformance(ctx, performance)
}

func (is *instrumentedService) LockRatings(ctx context.Context) (func(), error) {
	ctx, span := trace.StartSpan(ctx, "statestore/instrumented.LockRatings")
	defer span.End()
	return is.s.LockRatings(ctx)
}

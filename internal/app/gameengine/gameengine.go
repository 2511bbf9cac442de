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

// Package gameengine is the match allocation and rating service. It hands
// pending matches to game runner workers, accepts their reported results,
// folds the outcomes into persistent player ratings and publishes the
// finalized results for the rest of the platform to read.
package gameengine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ucl-cs-diamant/arena/internal/appmain"
	"github.com/ucl-cs-diamant/arena/internal/ingestion"
	"github.com/ucl-cs-diamant/arena/internal/statestore"
	"github.com/ucl-cs-diamant/arena/pkg/skill"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "arena",
		"component": "app.gameengine",
	})
)

// BindService creates the game engine service and binds it to the serving
// harness.
func BindService(p *appmain.Params, b *appmain.Bindings) error {
	service := &gameEngineService{
		cfg:      p.Config(),
		store:    statestore.New(p.Config()),
		model:    skill.NewModel(),
		notifier: ingestion.New(p.Config()),
	}

	b.AddHealthCheckFunc(service.store.HealthCheck)
	b.AddCloserErr(service.store.Close)

	b.AddHandleFunc("/v1/matches", service.handleMatches)
	b.AddHandleFunc("/v1/matches/", service.handleMatches)
	b.AddHandleFunc("/v1/players/", service.handlePlayers)
	b.AddHandleFunc("/v1/results/", service.handleResults)

	if interval := p.Config().GetDuration("allocation.sweepInterval"); interval > 0 {
		b.AddDaemon(func(ctx context.Context) {
			service.sweepAllocations(ctx, interval)
		})
	}

	return nil
}

// sweepAllocations periodically returns matches whose allocation lease has
// lapsed to the pending set, so that matches claimed by a worker that died
// are eventually played.
func (s *gameEngineService) sweepAllocations(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.store.ReleaseExpiredAllocations(ctx)
			if err != nil {
				logger.WithError(err).Error("failed to release expired allocations")
				continue
			}
			if released > 0 {
				logger.WithFields(logrus.Fields{
					"released": released,
				}).Info("returned expired allocations to the pending set")
			}
		}
	}
}

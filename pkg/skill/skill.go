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

// Package skill implements a TrueSkill-style Bayesian rating update over
// ranked groups of players. It is pure: no state, no I/O, safe for any
// number of concurrent callers.
package skill

import (
	"math"

	"github.com/pkg/errors"
)

// Default model parameters, matching the conventional TrueSkill prior.
const (
	DefaultMu    = 25.0
	DefaultSigma = DefaultMu / 3

	defaultBeta            = DefaultSigma / 2
	defaultTau             = DefaultSigma / 100
	defaultDrawProbability = 0.10
)

// Rating is a player's Bayesian skill estimate: mean skill and the model's
// uncertainty about it.
type Rating struct {
	Mu    float64
	Sigma float64
}

// NewRating returns the default prior assigned to players that have never
// completed a match.
func NewRating() Rating {
	return Rating{Mu: DefaultMu, Sigma: DefaultSigma}
}

// Model holds the fixed parameters of the rating update.
type Model struct {
	// Beta is the skill distance interpreted as ~76% win probability.
	Beta float64
	// Tau is the additive dynamics factor applied before every update.
	Tau float64
	// DrawProbability is the prior probability of a draw between two
	// evenly matched opponents.
	DrawProbability float64
}

// NewModel returns a Model with the conventional default parameters.
func NewModel() *Model {
	return &Model{
		Beta:            defaultBeta,
		Tau:             defaultTau,
		DrawProbability: defaultDrawProbability,
	}
}

// Rate computes posterior ratings for the given rank groups. groups[i] holds
// the prior ratings of the players sharing rank ranks[i]; a lower rank is a
// better placement and equal ranks are a draw between those groups. The
// returned slice preserves group and player order.
//
// Rate validates its contract strictly: a malformed call is a programming
// error that would corrupt ratings, so it fails instead of guessing.
func (m *Model) Rate(groups [][]Rating, ranks []int) ([][]Rating, error) {
	if len(groups) != len(ranks) {
		return nil, errors.Errorf("rating groups and ranks must have equal length, got %d groups and %d ranks", len(groups), len(ranks))
	}
	if len(groups) < 2 {
		return nil, errors.Errorf("need at least 2 rating groups, got %d", len(groups))
	}
	for i, g := range groups {
		if len(g) == 0 {
			return nil, errors.Errorf("rating group %d is empty", i)
		}
		for k, r := range g {
			if r.Sigma <= 0 {
				return nil, errors.Errorf("rating group %d player %d has non-positive sigma %v", i, k, r.Sigma)
			}
		}
	}

	// Team-level priors. The dynamics factor tau is folded into each
	// player's variance up front.
	tau2 := m.Tau * m.Tau
	teamMu := make([]float64, len(groups))
	teamVar := make([]float64, len(groups))
	for i, g := range groups {
		for _, r := range g {
			teamMu[i] += r.Mu
			teamVar[i] += r.Sigma*r.Sigma + tau2
		}
	}

	drawZ := normPpf((1 + m.DrawProbability) / 2)

	// Pairwise truncated-Gaussian updates, every group against every
	// other, averaged over the number of opponents so that the two-group
	// case reduces to the exact two-team update.
	weight := float64(len(groups) - 1)
	muDelta := make([][]float64, len(groups))
	varFactor := make([][]float64, len(groups))
	for i, g := range groups {
		muDelta[i] = make([]float64, len(g))
		varFactor[i] = make([]float64, len(g))
		for k := range g {
			varFactor[i][k] = 1
		}
	}

	for i := range groups {
		for j := range groups {
			if i == j {
				continue
			}

			n := float64(len(groups[i]) + len(groups[j]))
			c := math.Sqrt(teamVar[i] + teamVar[j] + n*m.Beta*m.Beta)
			eps := drawZ * math.Sqrt(n) * m.Beta / c
			t := (teamMu[i] - teamMu[j]) / c

			var v, w, sign float64
			switch {
			case ranks[i] < ranks[j]:
				v, w, sign = vWin(t, eps), wWin(t, eps), 1
			case ranks[i] > ranks[j]:
				v, w, sign = vWin(-t, eps), wWin(-t, eps), -1
			default:
				v, w, sign = vDraw(t, eps), wDraw(t, eps), 1
			}

			for k, r := range groups[i] {
				s2 := r.Sigma*r.Sigma + tau2
				muDelta[i][k] += sign * s2 / c * v / weight
				varFactor[i][k] *= 1 - s2/(c*c)*w/weight
			}
		}
	}

	out := make([][]Rating, len(groups))
	for i, g := range groups {
		out[i] = make([]Rating, len(g))
		for k, r := range g {
			s2 := r.Sigma*r.Sigma + tau2
			sigma := math.Sqrt(s2 * varFactor[i][k])
			// A completed, validated match never increases uncertainty.
			if sigma > r.Sigma {
				sigma = r.Sigma
			}
			out[i][k] = Rating{
				Mu:    r.Mu + muDelta[i][k],
				Sigma: sigma,
			}
		}
	}
	return out, nil
}

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

// Package ingestion is the boundary to the code ingestion subsystem. The
// engine never reaches into ingestion state directly; it signals the code
// manager that a participant's submitted code is out of game again and the
// code manager owns the bookkeeping.
package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ucl-cs-diamant/arena/internal/config"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "arena",
		"component": "ingestion",
	})
)

// Notifier signals the code manager that a player's submitted code is
// available for matchmaking again.
type Notifier interface {
	MarkCodeAvailable(ctx context.Context, playerID string) error
}

// New returns a Notifier based on the configuration. Without a configured
// callback URL the signal is a no-op.
func New(cfg config.View) Notifier {
	url := cfg.GetString("ingestion.callbackURL")
	if url == "" {
		logger.Info("no ingestion callback configured, code availability signals are dropped")
		return &nopNotifier{}
	}
	return &httpNotifier{
		url:    url,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.GetDuration("ingestion.requestTimeout")},
	}
}

type nopNotifier struct{}

func (n *nopNotifier) MarkCodeAvailable(ctx context.Context, playerID string) error {
	return nil
}

// httpNotifier POSTs availability signals to the code manager, retrying with
// exponential backoff. The signal is advisory: the caller decides whether a
// failure matters.
type httpNotifier struct {
	url    string
	cfg    config.View
	client *http.Client
}

func (n *httpNotifier) MarkCodeAvailable(ctx context.Context, playerID string) error {
	body, err := json.Marshal(map[string]string{"player_id": playerID})
	if err != nil {
		return errors.Wrap(err, "failed to marshal the availability signal")
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("code manager returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("code manager rejected the signal with status %d", resp.StatusCode))
		}
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(n.newBackoffStrategy(), ctx))
	if err != nil {
		return errors.Wrapf(err, "failed to mark code available, player: %s", playerID)
	}
	return nil
}

func (n *httpNotifier) newBackoffStrategy() backoff.BackOff {
	strategy := backoff.NewExponentialBackOff()
	if v := n.cfg.GetDuration("backoff.initialInterval"); v > 0 {
		strategy.InitialInterval = v
	}
	if v := n.cfg.GetFloat64("backoff.randFactor"); v > 0 {
		strategy.RandomizationFactor = v
	}
	if v := n.cfg.GetFloat64("backoff.multiplier"); v > 0 {
		strategy.Multiplier = v
	}
	if v := n.cfg.GetDuration("backoff.maxInterval"); v > 0 {
		strategy.MaxInterval = v
	}
	if v := n.cfg.GetDuration("backoff.maxElapsedTime"); v > 0 {
		strategy.MaxElapsedTime = v
	}
	return strategy
}

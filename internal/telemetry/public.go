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

// Package telemetry exposes the engine's metrics through OpenCensus and the
// Prometheus exporter.
package telemetry

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/zpages"

	"github.com/ucl-cs-diamant/arena/internal/config"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "arena",
		"component": "telemetry",
	})
)

// Setup configures the telemetry for the server. The returned closer must be
// called on shutdown.
func Setup(mux *http.ServeMux, cfg config.View) func() {
	reportingPeriod := cfg.GetDuration("telemetry.reportingPeriod")
	if reportingPeriod <= 0 {
		logger.WithFields(logrus.Fields{
			"reportingPeriod": reportingPeriod,
		}).Info("telemetry.reportingPeriod not set, defaulting to 1m")
		reportingPeriod = time.Minute * 1
	}

	closer := func() {}
	if err := bindPrometheus(mux, cfg); err != nil {
		logger.WithError(err).Error("cannot bind the Prometheus exporter, metrics will not be reported")
	}
	bindZpages(mux, cfg)

	// Change the frequency of updates to the metrics endpoint.
	view.SetReportingPeriod(reportingPeriod)

	logger.WithFields(logrus.Fields{
		"reportingPeriod": reportingPeriod,
	}).Info("telemetry has been configured.")
	return closer
}

func bindZpages(mux *http.ServeMux, cfg config.View) {
	if !cfg.GetBool("telemetry.zpages.enable") {
		logger.Info("zPages: Disabled")
		return
	}
	endpoint := "/debug"
	zpages.Handle(mux, endpoint)
	logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
	}).Info("zPages: ENABLED")
}

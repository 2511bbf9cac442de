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

// Package appmain contains the common application initialization code for
// the engine's servers.
package appmain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ucl-cs-diamant/arena/internal/config"
	"github.com/ucl-cs-diamant/arena/internal/logging"
	"github.com/ucl-cs-diamant/arena/internal/telemetry"
)

var (
	logger = logrus.WithFields(logrus.Fields{
		"app":       "arena",
		"component": "app.main",
	})
)

// RunApplication starts and runs the given application forever. For use in
// main functions to run the full application.
func RunApplication(serverName string, bindService Bind) {
	c := make(chan os.Signal, 1)
	// SIGTERM is signaled by k8s when it wants a pod to stop.
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	a, err := StartApplication(serverName, bindService, config.Read, net.Listen)
	if err != nil {
		logger.Fatal(err)
	}

	<-c
	err = a.Stop()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("Application stopped successfully.")
}

// Bind is a function which starts an application, and binds it to serving.
type Bind func(p *Params, b *Bindings) error

// Params are inputs to starting an application.
type Params struct {
	config      config.View
	serviceName string
}

// Config provides the configuration for the application.
func (p *Params) Config() config.View {
	return p.config
}

// ServiceName is a name for the currently running binary.
func (p *Params) ServiceName() string {
	return p.serviceName
}

// Bindings allows applications to bind various functions to the running server.
type Bindings struct {
	a            *App
	mux          *http.ServeMux
	healthChecks []func(context.Context) error
}

// AddHealthCheckFunc allows an application to check if it is healthy, and
// contribute to the overall server health.
func (b *Bindings) AddHealthCheckFunc(f func(context.Context) error) {
	b.healthChecks = append(b.healthChecks, f)
}

// AddHandleFunc binds an HTTP handler function to the server's mux.
func (b *Bindings) AddHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	b.mux.HandleFunc(pattern, handler)
}

// AddHandle binds an HTTP handler to the server's mux.
func (b *Bindings) AddHandle(pattern string, handler http.Handler) {
	b.mux.Handle(pattern, handler)
}

// AddDaemon starts a background task which runs until the application stops.
// The context is canceled on shutdown.
func (b *Bindings) AddDaemon(f func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.a.closers = append(b.a.closers, func() error {
		cancel()
		return nil
	})
	b.a.eg.Go(func() error {
		f(ctx)
		return nil
	})
}

// AddCloser registers a function to be called on shutdown.
func (b *Bindings) AddCloser(c func()) {
	b.a.closers = append(b.a.closers, func() error {
		c()
		return nil
	})
}

// AddCloserErr registers a function to be called on shutdown.
func (b *Bindings) AddCloserErr(c func() error) {
	b.a.closers = append(b.a.closers, c)
}

// App is a running application, returned for use in in-memory tests.
type App struct {
	closers []func() error
	eg      errgroup.Group
}

// StartApplication provides more control over an application than
// RunApplication. It is for running in-memory tests against your app.
func StartApplication(serverName string, bindService Bind, getCfg func() (config.View, error), listen func(network, address string) (net.Listener, error)) (*App, error) {
	a := &App{}

	cfg, err := getCfg()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Fatalf("cannot read configuration.")
	}
	logging.ConfigureLogging(cfg)

	p := &Params{
		config:      cfg,
		serviceName: serverName,
	}
	b := &Bindings{
		a:   a,
		mux: http.NewServeMux(),
	}

	closeTelemetry := telemetry.Setup(b.mux, cfg)
	b.AddCloser(closeTelemetry)

	err = bindService(p, b)
	if err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			logger.WithError(stopErr).Warning("error stopping after failed bind")
		}
		return nil, err
	}

	b.mux.HandleFunc("/healthz", healthCheckHandler(b.healthChecks))

	address := fmt.Sprintf(":%d", cfg.GetInt("api."+serverName+".httpport"))
	ln, err := listen("tcp", address)
	if err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			logger.WithError(stopErr).Warning("error stopping after failed listen")
		}
		return nil, err
	}

	server := &http.Server{Handler: b.mux}
	a.eg.Go(func() error {
		serveErr := server.Serve(ln)
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	})
	b.AddCloserErr(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})

	logger.WithFields(logrus.Fields{
		"address": address,
	}).Infof("serving %s", serverName)

	return a, nil
}

// Stop shuts the application down.
func (a *App) Stop() error {
	// Use closers in reverse order: Since dependencies are created before
	// their dependants, this helps ensure no dependencies are closed
	// unexpectedly.
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err := a.closers[i]()
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := a.eg.Wait(); firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func healthCheckHandler(checks []func(context.Context) error) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.WithError(err).Debug("health check failure")
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprint(w, "ok")
	}
}

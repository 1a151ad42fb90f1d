// Copyright 2022 The stagybee Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/stagybee/extractor/apis"
	"github.com/stagybee/extractor/common"
	"github.com/stagybee/extractor/core"
	"github.com/stagybee/extractor/extractor"
	"github.com/stagybee/extractor/session"
	"github.com/stagybee/extractor/webhook"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerCLIArgs arguments overriding the config file
type ServerCLIArgs struct {
	ServerPort    int    `validate:"gte=0,lt=65536"`
	ExtractorMode string `validate:"omitempty,oneof=live simulation"`
	ProxyURL      string `validate:"omitempty,url"`
}

// GetServerCLIFlags retreive the set of CMD flags for the extractor server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "server-port",
			Usage:       "Server port. Overrides the config file.",
			Aliases:     []string{"p"},
			EnvVars:     []string{"SERVER_PORT"},
			Value:       0,
			DefaultText: "config file value",
			Destination: &args.ServerPort,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "extractor-mode",
			Usage:       "Extractor backend: [live simulation]. Overrides the config file.",
			Aliases:     []string{"m"},
			EnvVars:     []string{"EXTRACTOR_MODE"},
			Value:       "",
			DefaultText: "config file value",
			Destination: &args.ExtractorMode,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "proxy-url",
			Usage:       "HTTP proxy for all outbound calls. Overrides the config file.",
			EnvVars:     []string{"PROXY_URL"},
			Value:       "",
			DefaultText: "",
			Destination: &args.ProxyURL,
			Required:    false,
		},
	}
}

// ApplyServerCLIArgs override config file values with the CMD args which were set
func ApplyServerCLIArgs(params ServerCLIArgs, config *common.SystemConfig) error {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return err
	}
	if params.ServerPort != 0 {
		config.APIServer.Server.Port = uint16(params.ServerPort)
	}
	if params.ExtractorMode != "" {
		config.Extractor.Mode = params.ExtractorMode
	}
	if params.ProxyURL != "" {
		config.Webhook.ProxyURL = params.ProxyURL
	}
	return validate.Struct(config)
}

// defineRouter register all the extractor routes
func defineRouter(pathPrefix string, httpHandler apis.APIRestExtractorHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/subscribe", map[string]http.HandlerFunc{
		"post": httpHandler.SubscribeHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/unsubscribe/{sessionId}", map[string]http.HandlerFunc{
		"delete": httpHandler.UnsubscribeHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/status/{sessionId}", map[string]http.HandlerFunc{
		"get": httpHandler.StatusHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/meta", map[string]http.HandlerFunc{
		"get": httpHandler.MetaHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}

/*
RunServer run the extractor server until the runtime context is done

 @param runtimeContext context.Context - runtime context
 @param config *common.SystemConfig - system config, with CMD args applied
 @param instance string - instance name
 @param natsClient *core.NatsClient - optional NATS client for the event mirror
*/
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Define the components

	registry := webhook.GetRegistry()

	httpClient, err := webhook.NewHTTPClient(config.Webhook)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define webhook HTTP client")
		return err
	}

	var mirror webhook.EventMirror
	readiness := apis.ReadinessCheck(nil)
	if natsClient != nil {
		mirror, err = webhook.GetNATSEventMirror(*natsClient, config.NATS.SubjectPrefix)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS event mirror")
			return err
		}
		readiness = func() error {
			if !natsClient.Conn().IsConnected() {
				return fmt.Errorf("NATS client is not connected")
			}
			return nil
		}
	}

	dispatcher := webhook.GetDispatcher(registry, httpClient, mirror)

	factory, err := extractor.GetFactory(config.Extractor, config.Webhook.ProxyURL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define extractor factory")
		return err
	}

	// Sessions outlive the runtime context so the final status reaches subscribers
	wg := sync.WaitGroup{}
	defer wg.Wait()
	sessionCtxt, sessionCancel := context.WithCancel(context.Background())
	defer sessionCancel()

	manager, err := session.GetManager(
		sessionCtxt, &wg, config.Session, factory, registry, dispatcher,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	httpHandler, err := apis.GetAPIRestExtractorHandler(
		manager, &config.Endpoints, &config.APIServer, readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := defineRouter(config.Endpoints.PathPrefix, httpHandler)

	serverCfg := config.APIServer.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof(
		"Started HTTP server on http://%s with %s extractors", serverListen, config.Extractor.Mode,
	)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the sessions
	{
		ctx, cancel := context.WithTimeout(
			context.Background(), time.Second*time.Duration(config.Session.StopTimeout*2),
		)
		defer cancel()
		if err := manager.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during session shutdown")
		}
	}

	return nil
}

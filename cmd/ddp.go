// Copyright 2021-2022 The httpmq Authors
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
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/ddpserver/apis"
	"github.com/alwitt/ddpserver/changefeed"
	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/core"
	"github.com/alwitt/ddpserver/ddp"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/ddpserver/metrics"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DDPServerCLIArgs command line overrides of the config file
type DDPServerCLIArgs struct {
	// ServerPort overrides the HTTP server port when non-zero
	ServerPort int `validate:"gte=0,lt=65536"`
	// StorageBackend overrides the document store backend when set
	StorageBackend string `validate:"omitempty,oneof=memory sqlite"`
}

// GetDDPServerCLIFlags retrieve the set of CMD flags for the DDP server
func GetDDPServerCLIFlags(args *DDPServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "server-port",
			Usage:       "DDP server port. Overrides the config file if set.",
			Aliases:     []string{"p"},
			EnvVars:     []string{"DDP_SERVER_PORT"},
			Value:       0,
			DefaultText: "from config",
			Destination: &args.ServerPort,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "storage-backend",
			Usage:       "Document store backend: [memory sqlite]. Overrides the config file if set.",
			Aliases:     []string{"sb"},
			EnvVars:     []string{"DDP_STORAGE_BACKEND"},
			Value:       "",
			DefaultText: "from config",
			Destination: &args.StorageBackend,
			Required:    false,
		},
	}
}

// ApplyOverrides apply the command line overrides to the config
func (a DDPServerCLIArgs) ApplyOverrides(config *common.SystemConfig) error {
	if err := validator.New().Struct(&a); err != nil {
		return err
	}
	if a.ServerPort > 0 {
		config.DDP.HTTPSetting.Server.Port = uint16(a.ServerPort)
	}
	if a.StorageBackend != "" {
		config.Storage.Backend = a.StorageBackend
	}
	return nil
}

// defineStorage define the document store selected by the config
func defineStorage(config common.StorageConfig) (storage.Storage, error) {
	schemas, err := storage.LoadSchemas(config.Schemas)
	if err != nil {
		return nil, err
	}
	switch config.Backend {
	case "memory":
		return storage.NewInMemoryStorage(config.Collections, schemas), nil
	case "sqlite":
		return storage.NewSQLiteStorage(config.SQLitePath, config.Collections, schemas)
	}
	return nil, fmt.Errorf("unknown storage backend '%s'", config.Backend)
}

// defineChangeFeed define the change feed, and the stream holding its events
func defineChangeFeed(
	runTimeContext context.Context,
	config common.ChangeFeedConfig,
	natsClient *core.NatsClient,
	pool common.WorkerPool,
	instance string,
) (*changefeed.Feed, error) {
	publisher, err := changefeed.GetJetStreamPublisher(natsClient, instance)
	if err != nil {
		return nil, err
	}
	feed, err := changefeed.NewFeed(
		runTimeContext,
		publisher,
		pool,
		config.SubjectPrefix,
		time.Second*time.Duration(config.PublishTimeout),
	)
	if err != nil {
		return nil, err
	}
	streams, err := changefeed.GetStreamController(natsClient, instance)
	if err != nil {
		return nil, err
	}
	if _, err := streams.EnsureStream(changefeed.StreamParam{
		Name: config.Stream, Subjects: feed.StreamSubjects(),
	}); err != nil {
		return nil, err
	}
	return feed, nil
}

// RunDDPServer run the DDP server until runTimeContext is cancelled.
// natsClient is only needed when the change feed is enabled.
func RunDDPServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "ddp-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	if config.ChangeFeed.Enabled && natsClient == nil {
		err := fmt.Errorf("change feed enabled without a NATS client")
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	pool, err := common.GetNewWorkerPoolInstance(instance, config.DDP.Workers.Size)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define worker pool")
		return err
	}
	defer func() {
		if err := pool.Release(time.Second * 10); err != nil {
			log.WithError(err).WithFields(logTags).Error("Worker pool release failed")
		}
	}()

	store, err := defineStorage(config.Storage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define document store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Document store close failed")
		}
	}()

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	var listener ddp.MutationListener
	if config.ChangeFeed.Enabled {
		feed, err := defineChangeFeed(localCtxt, config.ChangeFeed, natsClient, pool, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define change feed")
			return err
		}
		defer feed.Wait()
		listener = feed
	}

	system := invalidation.NewInMemorySystem(pool)
	collections := ddp.NewTriggerDataSource(store, system, pool, listener)
	dataSource := ddp.NewSimpleDataSource(pool, collections)
	ddp.RegisterBuiltins(dataSource, store)

	wsHandler, err := apis.GetDDPWebsocketHandler(
		localCtxt,
		dataSource,
		pool,
		config.DDP.Session,
		config.DDP.Endpoints,
		&config.DDP.HTTPSetting,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}

	listening := atomic.Bool{}
	readinessChecks := map[string]apis.ReadinessCheck{
		"listener": func() (bool, error) { return listening.Load(), nil },
	}
	if natsClient != nil {
		readinessChecks["nats"] = func() (bool, error) { return natsClient.Connected(), nil }
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(&config.DDP.HTTPSetting, readinessChecks)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.DDP.Endpoints.PathPrefix, nil)

	// DDP sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, config.DDP.Endpoints.WebsocketPath, apis.MethodHandlers{
			"get": wsHandler.ConnectHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": healthHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
		"get": metrics.Handler().ServeHTTP,
	})

	// Add logging
	accessLog := apis.NewAccessLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverCfg := config.DDP.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	socket, err := net.Listen("tcp", serverListen)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", serverListen)
		return err
	}

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Serve(socket); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()
	listening.Store(true)

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()
	listening.Store(false)

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package controlapi exposes the boot manager over a local HTTP API.

The API is a second front end next to the console: it drives the same
App, so the lifecycle rules (one operation at a time, rejections instead
of queueing) hold for both. It binds to 127.0.0.1 by default and has no
authentication; it is meant for local tooling.

	GET  /health              liveness
	GET  /v1/state            lifecycle status
	POST /v1/stack/start      202 accepted, 409 busy or already running
	POST /v1/stack/stop       202 accepted, 409 busy or not running
	GET  /v1/config           deployment settings
	PUT  /v1/config           save deployment settings
	POST /v1/config/reset     restore defaults
	GET  /v1/update           check the release feed
	POST /v1/update/apply     {"confirm":true,"tag":"..."}
	GET  /v1/logs             recent output
	GET  /v1/logs/stream      websocket of output lines
	GET  /metrics             Prometheus exposition
*/
package controlapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/composefile"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/lifecycle"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/logstream"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/update"
	"github.com/dpt-tools/bootmgr/cmd/bootmgr/internal/util"
	"github.com/dpt-tools/bootmgr/pkg/logging"
)

// DefaultListen is the default bind address.
const DefaultListen = "127.0.0.1:7878"

// Backend is the command surface the API drives.
type Backend interface {
	Status() lifecycle.Status

	// StartAsync and StopAsync return as soon as the operation is
	// accepted; rejections (busy, already running) come back as error.
	StartAsync(ctx context.Context) (<-chan error, error)
	StopAsync(ctx context.Context) (<-chan error, error)

	LoadConfig() (composefile.DeploymentConfig, error)
	SaveConfig(cfg composefile.DeploymentConfig) (composefile.DeploymentConfig, error)
	ResetConfig() (composefile.DeploymentConfig, error)

	CheckForUpdate(ctx context.Context) (*update.Decision, error)
	ApplyUpdate(ctx context.Context, rel *update.ReleaseInfo) (*update.ApplyResult, error)
}

// Config configures the server.
type Config struct {
	// Listen is the bind address. Default: 127.0.0.1:7878
	Listen string

	// ServiceName names the server in traces. Default: "bootmgr"
	ServiceName string

	// Hub feeds /v1/logs and /v1/logs/stream. Nil disables both.
	Hub *logstream.Hub

	// Gatherer feeds /metrics. Nil disables it.
	Gatherer prometheus.Gatherer

	// AfterUpdate runs once an applied update's response is written;
	// serve uses it to exit so the relaunched process can take over.
	AfterUpdate func(*update.ApplyResult)

	Logger *logging.Logger
}

// Server is the control API.
//
// # Lifecycle
//
// Operations started through the API run on a context owned by the
// server, not the request, so a client disconnect does not cancel a
// start. Run cancels that context when it returns.
type Server struct {
	config  Config
	backend Backend
	router  *gin.Engine
	logger  *logging.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// checkLimiter bounds release feed queries; the feed is rate limited
	// per token upstream.
	checkLimiter *rate.Limiter

	mu   sync.Mutex
	addr net.Addr
}

const (
	updateCheckInterval = 5 * time.Second
	updateCheckBurst    = 5
)

// New builds the router.
func New(cfg Config, backend Backend) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bootmgr"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		backend:    backend,
		logger:     logging.OrDiscard(cfg.Logger),
		baseCtx:    ctx,
		cancelBase: cancel,

		checkLimiter: rate.NewLimiter(rate.Every(updateCheckInterval), updateCheckBurst),
	}
	s.initRouter()
	return s
}

// Router returns the gin engine (tests use it with httptest).
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr returns the bound address once Run is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.ServiceName))
	s.router.Use(s.requestLogger())

	s.router.GET("/health", handleHealth)
	if s.config.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	{
		v1.GET("/state", s.handleState)

		stack := v1.Group("/stack")
		{
			stack.POST("/start", s.handleStart)
			stack.POST("/stop", s.handleStop)
		}

		cfg := v1.Group("/config")
		{
			cfg.GET("", s.handleGetConfig)
			cfg.PUT("", s.handlePutConfig)
			cfg.POST("/reset", s.handleResetConfig)
		}

		upd := v1.Group("/update")
		{
			upd.GET("", s.handleCheckUpdate)
			upd.POST("/apply", s.handleApplyUpdate)
		}

		if s.config.Hub != nil {
			v1.GET("/logs", s.handleLogs)
			v1.GET("/logs/stream", s.handleLogStream)
		}
	}
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		s.logger.Debug("control api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(began).Milliseconds(),
		)
	}
}

// Run listens and serves until ctx is canceled.
//
// # Outputs
//
//   - error: nil after a clean shutdown, otherwise the listen or serve error
func (s *Server) Run(ctx context.Context) error {
	defer s.cancelBase()

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("control api listen on %s: %w", s.config.Listen, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && !tcp.IP.IsLoopback() {
		s.logger.Warn("control api is reachable from other hosts and has no authentication", "addr", ln.Addr().String())
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	util.SafeGo(func() {
		errCh <- srv.Serve(ln)
	}, func(r util.SafeGoResult) {
		errCh <- r.Err()
	})
	s.logger.Info("control api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control api shutdown", "error", err)
	}
	<-errCh
	return nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api exposes the collector over HTTP: OTLP span ingestion on
// /v1/traces, the three query endpoints, health and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DataDog/hikari/pkg/collector/buffer"
	"github.com/DataDog/hikari/pkg/collector/config"
	"github.com/DataDog/hikari/pkg/collector/model"
	"github.com/DataDog/hikari/pkg/collector/query"
)

// requestTimeout bounds every request served, ingest included.
const requestTimeout = 30 * time.Second

// QueryEngine is the read side consumed by the handlers. *query.Engine
// implements it; tests substitute a stub.
type QueryEngine interface {
	PipelineCost(ctx context.Context, pipelineID string) (*model.PipelineCost, error)
	ListPipelines(ctx context.Context, start, end *time.Time, limit, offset int) (*model.PipelineList, error)
	Trending(ctx context.Context, start, end time.Time, interval query.Interval, groupBy query.GroupBy) (*model.TrendingResponse, error)
}

// StatusSource reports database reachability for health checks and for
// fast-failing queries while the database is down.
type StatusSource interface {
	Connected() bool
}

// Server is the collector's HTTP surface.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	buf     *buffer.Buffer
	status  StatusSource
	engine  QueryEngine
	limiter *ipLimiter
	httpsrv *http.Server
}

// NewServer wires the HTTP surface. The buffer is shared with the writer;
// the handlers only ever push to it.
func NewServer(cfg *config.Config, log *zap.Logger, buf *buffer.Buffer, status StatusSource, engine QueryEngine) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		buf:    buf,
		status: status,
		engine: engine,
	}
	if cfg.RateLimitEnabled {
		s.limiter = newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.httpsrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}
	return s
}

// Handler builds the router. Exposed separately so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/v1/traces", s.handleIngest)
	})

	r.Get("/v1/pipelines/{pipelineID}/cost", s.handlePipelineCost)
	r.Get("/v1/pipelines", s.handleListPipelines)
	r.Get("/v1/cost/trending", s.handleTrending)
	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if s.limiter != nil {
		s.limiter.startJanitor()
	}
	s.log.Info("collector HTTP server running", zap.String("addr", s.cfg.Addr()))
	if err := s.httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stopJanitor()
	}
	return s.httpsrv.Shutdown(ctx)
}

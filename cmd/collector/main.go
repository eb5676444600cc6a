// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// The collector ingests OTLP spans carrying hikari.* cost attributes,
// persists them to TimescaleDB and serves cost aggregation queries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DataDog/hikari/pkg/collector/api"
	"github.com/DataDog/hikari/pkg/collector/buffer"
	"github.com/DataDog/hikari/pkg/collector/config"
	"github.com/DataDog/hikari/pkg/collector/info"
	"github.com/DataDog/hikari/pkg/collector/query"
	"github.com/DataDog/hikari/pkg/collector/storage"
	"github.com/DataDog/hikari/pkg/collector/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; an absent .env is fine.
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if db == nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	connected := err == nil
	if connected {
		if err := storage.Migrate(db); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		if err := storage.ApplyRetention(ctx, db, cfg.RetentionDays); err != nil {
			return fmt.Errorf("applying retention policy: %w", err)
		}
	} else {
		// The database may come up later; ingest buffers in the meantime
		// and the writer keeps retrying.
		log.Warn("database unreachable at startup, buffering until it recovers", zap.Error(err))
	}

	buf := buffer.New(cfg.BufferMaxSize)
	wr := writer.New(db, buf, cfg.WriteBatchSize, cfg.DBRetryInterval, log)
	wr.SetConnected(connected)
	wr.Start()

	srv := api.NewServer(cfg, log, buf, wr, query.NewEngine(db))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("hikari collector started",
		zap.String("version", info.Version),
		zap.String("addr", cfg.Addr()),
		zap.Int("buffer_max_size", cfg.BufferMaxSize))

	serveErr := g.Wait()

	// Nothing new is accepted past this point; flush what the buffer holds.
	buf.Close()
	wr.Stop()
	log.Info("hikari collector stopped")
	return serveErr
}

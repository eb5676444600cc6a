// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storage opens the TimescaleDB connection pool and applies the
// embedded schema migrations: the spans hypertable, its secondary indexes,
// the retention policy and the three continuous aggregates.
package storage

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pingTimeout = 5 * time.Second

// Open connects to the database and verifies reachability. The pool is the
// only external resource the collector holds; handlers and the writer check
// connections out and back per operation.
func Open(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return db, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// ApplyRetention aligns the spans retention policy with the configured
// number of days. The migration installs the 30-day default; this keeps an
// operator override in HIKARI_RETENTION_DAYS effective across restarts.
func ApplyRetention(ctx context.Context, db *sqlx.DB, days int) error {
	if _, err := db.ExecContext(ctx,
		"SELECT remove_retention_policy('spans', if_exists => TRUE)"); err != nil {
		return fmt.Errorf("removing retention policy: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"SELECT add_retention_policy('spans', drop_after => make_interval(days => $1))", days); err != nil {
		return fmt.Errorf("adding retention policy: %w", err)
	}
	return nil
}

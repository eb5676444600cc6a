// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics declares the collector's prometheus instruments. They are
// registered on the default registry and served on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpansAccepted counts spans that passed validation and were enqueued.
	SpansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "spans_accepted_total",
		Help:      "Spans accepted by the ingest endpoint.",
	})

	// SpansRejected counts spans rejected during validation, by reason class.
	SpansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "spans_rejected_total",
		Help:      "Spans rejected by the ingest endpoint.",
	}, []string{"reason"})

	// BufferDrops counts spans discarded because the write buffer was full.
	BufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "buffer_dropped_spans_total",
		Help:      "Spans dropped (oldest first) on write buffer overflow.",
	})

	// BufferUsage is the write buffer fill fraction, 0 to 1.
	BufferUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hikari",
		Name:      "buffer_usage_ratio",
		Help:      "Write buffer depth divided by capacity.",
	})

	// BatchesWritten counts successful multi-row inserts.
	BatchesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "writer_batches_written_total",
		Help:      "Span batches successfully written to the database.",
	})

	// BatchesDropped counts batches abandoned after a permanent database error.
	BatchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "writer_batches_dropped_total",
		Help:      "Span batches dropped after a permanent database error.",
	})

	// DBConnected is 1 while the writer considers the database reachable.
	DBConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hikari",
		Name:      "db_connected",
		Help:      "1 if the last database write succeeded, 0 while retrying.",
	})

	// RateLimited counts requests answered with 429.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hikari",
		Name:      "requests_rate_limited_total",
		Help:      "Ingest requests rejected by the rate limiter.",
	})
)

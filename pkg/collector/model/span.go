// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the span record persisted by the collector and the
// request/response bodies of its HTTP API.
package model

import "time"

// Span is one row of the spans hypertable: a single LLM call observed by a
// client SDK. Pointer fields map to SQL NULL; nil means the value is unknown,
// which is distinct from zero and never participates in a cost sum.
type Span struct {
	Time         time.Time `db:"time" json:"time"`
	TraceID      string    `db:"trace_id" json:"trace_id"`
	SpanID       string    `db:"span_id" json:"span_id"`
	SpanName     string    `db:"span_name" json:"span_name"`
	PipelineID   string    `db:"pipeline_id" json:"pipeline_id"`
	Stage        string    `db:"stage" json:"stage"`
	Model        string    `db:"model" json:"model"`
	Provider     string    `db:"provider" json:"provider"`
	TokensInput  *int64    `db:"tokens_input" json:"tokens_input"`
	TokensOutput *int64    `db:"tokens_output" json:"tokens_output"`
	CostInput    *float64  `db:"cost_input" json:"cost_input"`
	CostOutput   *float64  `db:"cost_output" json:"cost_output"`
	CostTotal    *float64  `db:"cost_total" json:"cost_total"`
	DurationMS   float64   `db:"duration_ms" json:"duration_ms"`
}

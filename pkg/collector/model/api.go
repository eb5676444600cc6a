// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// IngestResponse is the body of POST /v1/traces. Rejected and Errors are
// omitted when every span was accepted (HTTP 200); a mixed batch answers
// HTTP 207 with one error string per rejected span.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// StageCost is one (stage, model, provider) group within a pipeline cost
// breakdown. Cost fields are nil when every span in the group lacks them; a
// group mixing known and unknown costs reports the sum over the known subset.
type StageCost struct {
	Stage        string   `json:"stage"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	TokensInput  *int64   `json:"tokens_input"`
	TokensOutput *int64   `json:"tokens_output"`
	CostInput    *float64 `json:"cost_input"`
	CostOutput   *float64 `json:"cost_output"`
	CostTotal    *float64 `json:"cost_total"`
	SpanCount    int64    `json:"span_count"`
}

// PipelineCost is the body of GET /v1/pipelines/{pipeline_id}/cost.
type PipelineCost struct {
	PipelineID    string      `json:"pipeline_id"`
	TotalCost     float64     `json:"total_cost"`
	IsPartial     bool        `json:"is_partial"`
	CoverageRatio float64     `json:"coverage_ratio"`
	Stages        []StageCost `json:"stages"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
}

// PipelineSummary is one entry of the pipeline listing.
type PipelineSummary struct {
	PipelineID string    `json:"pipeline_id"`
	TotalCost  float64   `json:"total_cost"`
	IsPartial  bool      `json:"is_partial"`
	SpanCount  int64     `json:"span_count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// PipelineList is the body of GET /v1/pipelines.
type PipelineList struct {
	Pipelines []PipelineSummary `json:"pipelines"`
	Total     int64             `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// CostShare is one group of a trending bucket breakdown.
type CostShare struct {
	Key        string  `json:"key"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

// TrendingBucket is one time bucket of GET /v1/cost/trending. A bucket inside
// the requested window is emitted even when it holds no costed spans.
type TrendingBucket struct {
	Timestamp         time.Time   `json:"timestamp"`
	TotalCost         float64     `json:"total_cost"`
	RequestCount      int64       `json:"request_count"`
	AvgCostPerRequest float64     `json:"avg_cost_per_request"`
	Breakdown         []CostShare `json:"breakdown"`
}

// TrendingResponse is the body of GET /v1/cost/trending.
type TrendingResponse struct {
	Buckets []TrendingBucket `json:"buckets"`
}

// Health is the body of GET /v1/health.
type Health struct {
	Status      string  `json:"status"`
	DBConnected bool    `json:"db_connected"`
	BufferUsage float64 `json:"buffer_usage"`
	Version     string  `json:"version"`
}

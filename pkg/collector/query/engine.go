// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package query answers the collector's three read paths: pipeline cost
// breakdown, pipeline listing and cost trending. Partial coverage is a
// first-class outcome: unknown (NULL) costs never enter a sum, they lower
// the coverage ratio instead.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/DataDog/hikari/pkg/collector/model"
)

// ErrPipelineNotFound is returned when no span carries the requested
// pipeline id.
var ErrPipelineNotFound = errors.New("pipeline not found")

// readTimeout is the per-query deadline.
const readTimeout = 5 * time.Second

// breakdownLimit caps the per-bucket trending breakdown; groups beyond it
// are folded into a synthetic "other" entry.
const breakdownLimit = 20

// Engine runs aggregation queries against the spans hypertable and its
// continuous aggregates.
type Engine struct {
	db *sqlx.DB
}

// NewEngine returns an Engine reading from db.
func NewEngine(db *sqlx.DB) *Engine {
	return &Engine{db: db}
}

type stageRow struct {
	Stage        string    `db:"stage"`
	Model        string    `db:"model"`
	Provider     string    `db:"provider"`
	TokensInput  *int64    `db:"tokens_input"`
	TokensOutput *int64    `db:"tokens_output"`
	CostInput    *float64  `db:"cost_input"`
	CostOutput   *float64  `db:"cost_output"`
	CostTotal    *float64  `db:"cost_total"`
	SpanCount    int64     `db:"span_count"`
	CostedCount  int64     `db:"costed_count"`
	FirstSeen    time.Time `db:"first_seen"`
	LastSeen     time.Time `db:"last_seen"`
}

const pipelineCostSQL = `
SELECT
    stage,
    model,
    provider,
    SUM(tokens_input)  AS tokens_input,
    SUM(tokens_output) AS tokens_output,
    SUM(cost_input)    AS cost_input,
    SUM(cost_output)   AS cost_output,
    SUM(cost_total)    AS cost_total,
    COUNT(*)           AS span_count,
    COUNT(cost_total)  AS costed_count,
    MIN(time)          AS first_seen,
    MAX(time)          AS last_seen
FROM spans
WHERE pipeline_id = $1
GROUP BY stage, model, provider
ORDER BY SUM(cost_total) DESC NULLS LAST, stage ASC, model ASC`

// PipelineCost returns the cost breakdown for one pipeline. total_cost sums
// the known costs only; coverage_ratio reports how much of the pipeline that
// covers.
func (e *Engine) PipelineCost(ctx context.Context, pipelineID string) (*model.PipelineCost, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var rows []stageRow
	if err := e.db.SelectContext(ctx, &rows, pipelineCostSQL, pipelineID); err != nil {
		return nil, fmt.Errorf("querying pipeline cost: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrPipelineNotFound
	}

	out := &model.PipelineCost{
		PipelineID: pipelineID,
		Stages:     make([]model.StageCost, 0, len(rows)),
		FirstSeen:  rows[0].FirstSeen,
		LastSeen:   rows[0].LastSeen,
	}
	var totalSpans, costedSpans int64
	for _, row := range rows {
		totalSpans += row.SpanCount
		costedSpans += row.CostedCount
		if row.CostTotal != nil {
			out.TotalCost += *row.CostTotal
		}
		if row.FirstSeen.Before(out.FirstSeen) {
			out.FirstSeen = row.FirstSeen
		}
		if row.LastSeen.After(out.LastSeen) {
			out.LastSeen = row.LastSeen
		}
		out.Stages = append(out.Stages, model.StageCost{
			Stage:        row.Stage,
			Model:        row.Model,
			Provider:     row.Provider,
			TokensInput:  row.TokensInput,
			TokensOutput: row.TokensOutput,
			CostInput:    row.CostInput,
			CostOutput:   row.CostOutput,
			CostTotal:    row.CostTotal,
			SpanCount:    row.SpanCount,
		})
	}
	if totalSpans > 0 {
		out.CoverageRatio = float64(costedSpans) / float64(totalSpans)
	}
	out.IsPartial = out.CoverageRatio < 1.0
	return out, nil
}

type summaryRow struct {
	PipelineID string    `db:"pipeline_id"`
	TotalCost  float64   `db:"total_cost"`
	IsPartial  bool      `db:"is_partial"`
	SpanCount  int64     `db:"span_count"`
	FirstSeen  time.Time `db:"first_seen"`
	LastSeen   time.Time `db:"last_seen"`
}

// The window clause keeps pipelines whose [first_seen, last_seen] interval
// intersects [start, end]: a pipeline straddling the window counts even when
// no individual span lands inside it.
const pipelineWindowSQL = `
HAVING ($1::timestamptz IS NULL OR MAX(time) >= $1)
   AND ($2::timestamptz IS NULL OR MIN(time) <= $2)`

const listPipelinesSQL = `
SELECT
    pipeline_id,
    COALESCE(SUM(cost_total), 0)    AS total_cost,
    COUNT(*) > COUNT(cost_total)    AS is_partial,
    COUNT(*)                        AS span_count,
    MIN(time)                       AS first_seen,
    MAX(time)                       AS last_seen
FROM spans
GROUP BY pipeline_id` + pipelineWindowSQL + `
ORDER BY last_seen DESC, pipeline_id ASC
LIMIT $3 OFFSET $4`

const countPipelinesSQL = `
SELECT COUNT(*) FROM (
    SELECT pipeline_id
    FROM spans
    GROUP BY pipeline_id` + pipelineWindowSQL + `
) AS windowed`

// ListPipelines returns a stable page of pipeline summaries ordered by
// last_seen descending. Nil bounds leave that side of the window open.
func (e *Engine) ListPipelines(ctx context.Context, start, end *time.Time, limit, offset int) (*model.PipelineList, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var total int64
	if err := e.db.GetContext(ctx, &total, countPipelinesSQL, start, end); err != nil {
		return nil, fmt.Errorf("counting pipelines: %w", err)
	}

	rows := []summaryRow{}
	if err := e.db.SelectContext(ctx, &rows, listPipelinesSQL, start, end, limit, offset); err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}

	out := &model.PipelineList{
		Pipelines: make([]model.PipelineSummary, 0, len(rows)),
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	}
	for _, row := range rows {
		out.Pipelines = append(out.Pipelines, model.PipelineSummary(row))
	}
	return out, nil
}

type bucketRow struct {
	Bucket    time.Time `db:"bucket"`
	Key       string    `db:"key"`
	Cost      float64   `db:"cost"`
	SpanCount int64     `db:"span_count"`
}

// Trending reads the continuous aggregate matching the interval and shapes
// it into dense time buckets with a per-dimension breakdown. Buckets inside
// [start, end) with no costed spans are emitted with zeros; NULL costs were
// already excluded by the aggregate and are never re-added as zeros.
func (e *Engine) Trending(ctx context.Context, start, end time.Time, interval Interval, groupBy GroupBy) (*model.TrendingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	// interval and groupBy are closed enums validated at parse time, so the
	// identifiers interpolated here cannot carry user input.
	q := fmt.Sprintf(`
SELECT
    bucket,
    %s                           AS key,
    COALESCE(SUM(total_cost), 0) AS cost,
    SUM(span_count)              AS span_count
FROM %s
WHERE bucket >= $1 AND bucket < $2
GROUP BY bucket, %s
ORDER BY bucket ASC, cost DESC, key ASC`,
		groupBy.column(), interval.view(), groupBy.column())

	alignedStart := interval.alignDown(start.UTC())
	var rows []bucketRow
	if err := e.db.SelectContext(ctx, &rows, q, alignedStart, end.UTC()); err != nil {
		return nil, fmt.Errorf("querying cost trending: %w", err)
	}

	shares := make(map[time.Time][]model.CostShare)
	counts := make(map[time.Time]int64)
	for _, row := range rows {
		ts := row.Bucket.UTC()
		shares[ts] = append(shares[ts], model.CostShare{Key: row.Key, Cost: row.Cost})
		counts[ts] += row.SpanCount
	}

	out := &model.TrendingResponse{Buckets: []model.TrendingBucket{}}
	for ts := alignedStart; ts.Before(end.UTC()); ts = interval.next(ts) {
		out.Buckets = append(out.Buckets, buildBucket(ts, shares[ts], counts[ts]))
	}
	return out, nil
}

// buildBucket finalizes one trending bucket: totals, average, percentage
// shares, and the top-20 truncation with an aggregated "other" remainder.
func buildBucket(ts time.Time, groups []model.CostShare, requestCount int64) model.TrendingBucket {
	bucket := model.TrendingBucket{
		Timestamp:    ts,
		RequestCount: requestCount,
		Breakdown:    []model.CostShare{},
	}
	for _, g := range groups {
		bucket.TotalCost += g.Cost
	}
	if requestCount > 0 {
		bucket.AvgCostPerRequest = bucket.TotalCost / float64(requestCount)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Cost != groups[j].Cost {
			return groups[i].Cost > groups[j].Cost
		}
		return groups[i].Key < groups[j].Key
	})
	if len(groups) > breakdownLimit {
		other := model.CostShare{Key: "other"}
		for _, g := range groups[breakdownLimit:] {
			other.Cost += g.Cost
		}
		groups = append(groups[:breakdownLimit:breakdownLimit], other)
	}
	for _, g := range groups {
		if bucket.TotalCost > 0 {
			g.Percentage = math.Round(g.Cost/bucket.TotalCost*1000) / 10
		}
		bucket.Breakdown = append(bucket.Breakdown, g)
	}
	return bucket
}

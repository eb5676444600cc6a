// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DataDog/hikari/pkg/collector/buffer"
	"github.com/DataDog/hikari/pkg/collector/config"
	"github.com/DataDog/hikari/pkg/collector/model"
	"github.com/DataDog/hikari/pkg/collector/query"
)

type stubEngine struct {
	cost     *model.PipelineCost
	costErr  error
	list     *model.PipelineList
	listErr  error
	trend    *model.TrendingResponse
	trendErr error

	gotPipelineID string
	gotStart      *time.Time
	gotEnd        *time.Time
	gotLimit      int
	gotOffset     int
	gotInterval   query.Interval
	gotGroupBy    query.GroupBy
}

func (s *stubEngine) PipelineCost(_ context.Context, pipelineID string) (*model.PipelineCost, error) {
	s.gotPipelineID = pipelineID
	return s.cost, s.costErr
}

func (s *stubEngine) ListPipelines(_ context.Context, start, end *time.Time, limit, offset int) (*model.PipelineList, error) {
	s.gotStart, s.gotEnd = start, end
	s.gotLimit, s.gotOffset = limit, offset
	return s.list, s.listErr
}

func (s *stubEngine) Trending(_ context.Context, start, end time.Time, interval query.Interval, groupBy query.GroupBy) (*model.TrendingResponse, error) {
	s.gotStart, s.gotEnd = &start, &end
	s.gotInterval, s.gotGroupBy = interval, groupBy
	return s.trend, s.trendErr
}

type stubStatus bool

func (s stubStatus) Connected() bool { return bool(s) }

func testConfig() *config.Config {
	return &config.Config{
		Host:           "127.0.0.1",
		Port:           8000,
		BufferMaxSize:  1000,
		WriteBatchSize: 100,
	}
}

type testServer struct {
	handler http.Handler
	buf     *buffer.Buffer
	engine  *stubEngine
}

func newTestServer(t *testing.T, connected bool, opts ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	buf := buffer.New(10)
	engine := &stubEngine{}
	srv := NewServer(cfg, zap.NewNop(), buf, stubStatus(connected), engine)
	return &testServer{handler: srv.Handler(), buf: buf, engine: engine}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func otlpSpan(spanID, attrs string) string {
	start := time.Now().Add(-2 * time.Minute).UnixNano()
	end := time.Now().Add(-time.Minute).UnixNano()
	return fmt.Sprintf(`{"traceId":"tr-1","spanId":%q,"name":"llm.call","startTimeUnixNano":"%d","endTimeUnixNano":"%d","attributes":[%s]}`,
		spanID, start, end, attrs)
}

func otlpBody(spans ...string) string {
	return fmt.Sprintf(`{"resourceSpans":[{"scopeSpans":[{"spans":[%s]}]}]}`, strings.Join(spans, ","))
}

const validAttrs = `{"key":"hikari.stage","value":{"stringValue":"extract"}},` +
	`{"key":"hikari.model","value":{"stringValue":"gpt-4o"}},` +
	`{"key":"hikari.provider","value":{"stringValue":"openai"}}`

const incompleteAttrs = `{"key":"hikari.model","value":{"stringValue":"gpt-4o"}},` +
	`{"key":"hikari.provider","value":{"stringValue":"openai"}}`

func TestIngestAccepted(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodPost, "/v1/traces", otlpBody(otlpSpan("sp-1", validAttrs)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Zero(t, resp.Rejected)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, 1, ts.buf.Len())
}

func TestIngestPartialBatch(t *testing.T) {
	ts := newTestServer(t, true)
	body := otlpBody(otlpSpan("sp-good", validAttrs), otlpSpan("sp-bad", incompleteAttrs))
	rec := ts.do(http.MethodPost, "/v1/traces", body)

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "sp-bad")
	assert.Contains(t, resp.Errors[0], "hikari.stage")
	assert.Equal(t, 1, ts.buf.Len())
}

func TestIngestMalformedEnvelope(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/v1/traces", `{"resourceSpans": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/traces", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "resourceSpans")
	assert.Equal(t, 0, ts.buf.Len())
}

func TestIngestAcceptedWhileDBDown(t *testing.T) {
	// Ingest never depends on database reachability; spans buffer until the
	// writer can flush them.
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodPost, "/v1/traces", otlpBody(otlpSpan("sp-1", validAttrs)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.buf.Len())
}

func TestPipelineCost(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.cost = &model.PipelineCost{
		PipelineID:    "pipe-a",
		TotalCost:     0.42,
		CoverageRatio: 1.0,
		Stages:        []model.StageCost{},
	}
	rec := ts.do(http.MethodGet, "/v1/pipelines/pipe-a/cost", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pipe-a", ts.engine.gotPipelineID)
	var resp model.PipelineCost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 0.42, resp.TotalCost, 1e-12)
}

func TestPipelineCostNotFound(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.costErr = query.ErrPipelineNotFound
	rec := ts.do(http.MethodGet, "/v1/pipelines/ghost/cost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineCostInvalidID(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(http.MethodGet, "/v1/pipelines/bad!id/cost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.engine.gotPipelineID)
}

func TestPipelineCostDatabaseDown(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/v1/pipelines/pipe-a/cost", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPipelineCostInternalError(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.costErr = fmt.Errorf("connection reset")
	rec := ts.do(http.MethodGet, "/v1/pipelines/pipe-a/cost", "")

	// Query failures stay generic; no internals leak to the caller.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestListPipelinesDefaults(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.list = &model.PipelineList{Pipelines: []model.PipelineSummary{}}
	rec := ts.do(http.MethodGet, "/v1/pipelines", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ts.engine.gotStart)
	assert.Nil(t, ts.engine.gotEnd)
	assert.Equal(t, 100, ts.engine.gotLimit)
	assert.Equal(t, 0, ts.engine.gotOffset)
}

func TestListPipelinesWindow(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.list = &model.PipelineList{Pipelines: []model.PipelineSummary{}}
	rec := ts.do(http.MethodGet, "/v1/pipelines?start=2024-06-01T00:00:00Z&end=2024-06-30T00:00:00Z&limit=50&offset=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.engine.gotStart)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), ts.engine.gotStart.UTC())
	assert.Equal(t, 50, ts.engine.gotLimit)
	assert.Equal(t, 10, ts.engine.gotOffset)
}

func TestListPipelinesBareTimestamp(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.list = &model.PipelineList{Pipelines: []model.PipelineSummary{}}
	rec := ts.do(http.MethodGet, "/v1/pipelines?start=2024-06-01T00:00:00", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.engine.gotStart)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), ts.engine.gotStart.UTC())
}

func TestListPipelinesBadParams(t *testing.T) {
	ts := newTestServer(t, true)
	for _, path := range []string{
		"/v1/pipelines?limit=0",
		"/v1/pipelines?limit=2000",
		"/v1/pipelines?limit=abc",
		"/v1/pipelines?offset=-1",
		"/v1/pipelines?start=not-a-time",
	} {
		rec := ts.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestTrending(t *testing.T) {
	ts := newTestServer(t, true)
	ts.engine.trend = &model.TrendingResponse{Buckets: []model.TrendingBucket{}}
	rec := ts.do(http.MethodGet, "/v1/cost/trending?start=2024-06-01T00:00:00Z&end=2024-06-02T00:00:00Z&interval=hour&group_by=model", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, query.IntervalHour, ts.engine.gotInterval)
	assert.Equal(t, query.GroupByModel, ts.engine.gotGroupBy)
}

func TestTrendingBadParams(t *testing.T) {
	ts := newTestServer(t, true)
	for _, path := range []string{
		"/v1/cost/trending",
		"/v1/cost/trending?start=2024-06-01T00:00:00Z",
		"/v1/cost/trending?start=2024-06-02T00:00:00Z&end=2024-06-01T00:00:00Z&interval=hour&group_by=model",
		"/v1/cost/trending?start=2024-06-01T00:00:00Z&end=2024-06-02T00:00:00Z&interval=month&group_by=model",
		"/v1/cost/trending?start=2024-06-01T00:00:00Z&end=2024-06-02T00:00:00Z&interval=hour&group_by=pipeline",
	} {
		rec := ts.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestHealthTransitions(t *testing.T) {
	healthOf := func(ts *testServer) model.Health {
		rec := ts.do(http.MethodGet, "/v1/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var h model.Health
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return h
	}

	ts := newTestServer(t, true)
	h := healthOf(ts)
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.DBConnected)
	assert.NotEmpty(t, h.Version)

	ts = newTestServer(t, false)
	h = healthOf(ts)
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.DBConnected)

	// A saturated buffer wins over connectivity.
	ts = newTestServer(t, true)
	for i := 0; i < 10; i++ {
		ts.buf.Push(&model.Span{SpanID: fmt.Sprintf("s%d", i)})
	}
	h = healthOf(ts)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, 1.0, h.BufferUsage)
}

func TestRequestIDEcho(t *testing.T) {
	ts := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = ts.do(http.MethodGet, "/v1/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIngestRateLimited(t *testing.T) {
	ts := newTestServer(t, true, func(cfg *config.Config) {
		cfg.RateLimitEnabled = true
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 2
	})
	body := otlpBody(otlpSpan("sp-1", validAttrs))

	for i := 0; i < 2; i++ {
		rec := ts.do(http.MethodPost, "/v1/traces", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(http.MethodPost, "/v1/traces", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The query surface is never rate limited.
	recGet := ts.do(http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, recGet.Code)
}

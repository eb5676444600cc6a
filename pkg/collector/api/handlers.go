// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DataDog/hikari/pkg/collector/info"
	"github.com/DataDog/hikari/pkg/collector/ingest"
	"github.com/DataDog/hikari/pkg/collector/metrics"
	"github.com/DataDog/hikari/pkg/collector/model"
	"github.com/DataDog/hikari/pkg/collector/query"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// handleIngest accepts one OTLP-JSON batch. Envelope faults fail the whole
// request with 400 and nothing is enqueued; per-span faults are isolated and
// reported in a 207 body. Buffer pressure is absorbed silently: a validly
// shaped request is never refused for capacity.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req model.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed OTLP envelope: "+err.Error())
		return
	}
	if req.ResourceSpans == nil {
		writeError(w, http.StatusBadRequest, "malformed OTLP envelope: missing resourceSpans")
		return
	}

	accepted, rejections := ingest.Decode(&req, time.Now().UTC())

	// A request cancelled before this point leaves no partial state; the
	// batch is enqueued in a single call or not at all. The writer is
	// decoupled from the caller from here on.
	if r.Context().Err() != nil {
		writeError(w, http.StatusBadRequest, "request cancelled before enqueue")
		return
	}
	if len(accepted) > 0 {
		s.buf.PushAll(accepted)
		metrics.SpansAccepted.Add(float64(len(accepted)))
	}

	resp := model.IngestResponse{Accepted: len(accepted)}
	if len(rejections) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	metrics.SpansRejected.WithLabelValues("validation").Add(float64(len(rejections)))
	resp.Rejected = len(rejections)
	resp.Errors = make([]string, 0, len(rejections))
	for _, rej := range rejections {
		resp.Errors = append(resp.Errors, rej.Error())
	}
	s.log.Warn("rejected spans in ingest batch",
		zap.Int("accepted", resp.Accepted),
		zap.Int("rejected", resp.Rejected))
	writeJSON(w, http.StatusMultiStatus, resp)
}

func (s *Server) handlePipelineCost(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "pipelineID")
	if err := model.ValidatePipelineID(pipelineID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.status.Connected() {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	out, err := s.engine.PipelineCost(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, query.ErrPipelineNotFound) {
			writeError(w, http.StatusNotFound, "pipeline "+pipelineID+" not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	limit, err := parseBounded(q.Get("limit"), defaultLimit, 1, maxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	offset, err := parseBounded(q.Get("offset"), 0, 0, int(^uint(0)>>1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}
	if !s.status.Connected() {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	out, err := s.engine.ListPipelines(r.Context(), start, end, limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if start == nil || end == nil {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}
	if !end.After(*start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	interval, err := query.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groupBy, err := query.ParseGroupBy(q.Get("group_by"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.status.Connected() {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	out, err := s.engine.Trending(r.Context(), *start, *end, interval, groupBy)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth reports the collector state. Buffer saturation wins over
// connectivity: a full buffer means data loss is imminent no matter what the
// database is doing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	usage := s.buf.Usage()
	connected := s.status.Connected()

	status := "healthy"
	switch {
	case usage > 0.9:
		status = "unhealthy"
	case !connected:
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, model.Health{
		Status:      status,
		DBConnected: connected,
		BufferUsage: usage,
		Version:     info.Version,
	})
}

// internalError hides query failures behind a generic message; the detail
// goes to the log with the request id.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("query failed",
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.String("request_id", w.Header().Get("X-Request-ID")))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Second try without a zone, as several dashboards send bare
		// ISO-8601 instants.
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return nil, err
		}
		t = t.UTC()
	}
	return &t, nil
}

func parseBounded(s string, def, min, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, errors.New("out of range")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ingest decodes the OTLP-JSON subset accepted on /v1/traces into
// span records ready for persistence. Faults are isolated per span: one bad
// span yields one rejection and never affects its siblings. Only a malformed
// outer envelope fails a request as a whole, and that is the caller's job to
// detect (the envelope does not reach this package unless it parsed).
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/hikari/pkg/collector/model"
)

// Attribute keys understood by the collector. Unknown hikari.* keys are
// dropped; anything outside the hikari.* namespace is ignored entirely.
const (
	attrPipelineID   = "hikari.pipeline_id"
	attrStage        = "hikari.stage"
	attrModel        = "hikari.model"
	attrProvider     = "hikari.provider"
	attrTokensInput  = "hikari.tokens.input"
	attrTokensOutput = "hikari.tokens.output"
	attrCostInput    = "hikari.cost.input"
	attrCostOutput   = "hikari.cost.output"
	attrCostTotal    = "hikari.cost.total"
)

var requiredAttributes = []string{attrStage, attrModel, attrProvider}

// Timestamp sanity bounds. Spans claiming to predate 2020 or to end more
// than a year from now are malformed telemetry, as are spans longer than a
// day.
const (
	minTimestampNano    = int64(1577836800_000_000_000) // 2020-01-01T00:00:00Z
	maxFutureDays       = 365
	maxSpanDurationNano = int64(24 * time.Hour)
)

// costTolerance is the absolute slack allowed between a client-supplied
// cost_total and the sum of its components before the sum wins.
const costTolerance = 1e-9

// Rejection describes one span that failed validation.
type Rejection struct {
	SpanID string
	Reason string
}

// Error renders the rejection the way it appears in the 207 response body.
func (r Rejection) Error() string {
	return fmt.Sprintf("span %s: %s", r.SpanID, r.Reason)
}

// Decode flattens and validates every span of the request. It returns the
// accepted records in payload order alongside the per-span rejections.
func Decode(req *model.ExportRequest, now time.Time) ([]*model.Span, []Rejection) {
	var (
		accepted   []*model.Span
		rejections []Rejection
	)
	for _, rs := range req.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				rec, err := decodeSpan(&span, now)
				if err != nil {
					rejections = append(rejections, Rejection{SpanID: span.SpanID, Reason: err.Error()})
					continue
				}
				accepted = append(accepted, rec)
			}
		}
	}
	return accepted, rejections
}

func decodeSpan(span *model.OTLPSpan, now time.Time) (*model.Span, error) {
	if span.TraceID == "" {
		return nil, fmt.Errorf("missing traceId")
	}
	if span.SpanID == "" {
		return nil, fmt.Errorf("missing spanId")
	}

	attrs := flatten(span.Attributes)

	var missing []string
	for _, key := range requiredAttributes {
		if _, ok := attrs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required attribute %s", strings.Join(missing, ", "))
	}

	stage, err := stringAttr(attrs, attrStage)
	if err != nil {
		return nil, err
	}
	modelName, err := stringAttr(attrs, attrModel)
	if err != nil {
		return nil, err
	}
	provider, err := stringAttr(attrs, attrProvider)
	if err != nil {
		return nil, err
	}

	pipelineID := span.TraceID
	if _, ok := attrs[attrPipelineID]; ok {
		pipelineID, err = stringAttr(attrs, attrPipelineID)
		if err != nil {
			return nil, err
		}
	}

	startNano, err := parseUnixNano(span.StartTimeUnixNano, "startTimeUnixNano", now)
	if err != nil {
		return nil, err
	}
	endNano, err := parseUnixNano(span.EndTimeUnixNano, "endTimeUnixNano", now)
	if err != nil {
		return nil, err
	}
	if endNano < startNano {
		return nil, fmt.Errorf("endTimeUnixNano (%d) must be >= startTimeUnixNano (%d)", endNano, startNano)
	}
	if endNano-startNano > maxSpanDurationNano {
		return nil, fmt.Errorf("span duration %.2fs exceeds the 24h maximum", float64(endNano-startNano)/1e9)
	}

	tokensIn, err := intAttr(attrs, attrTokensInput)
	if err != nil {
		return nil, err
	}
	tokensOut, err := intAttr(attrs, attrTokensOutput)
	if err != nil {
		return nil, err
	}
	costIn, err := floatAttr(attrs, attrCostInput)
	if err != nil {
		return nil, err
	}
	costOut, err := floatAttr(attrs, attrCostOutput)
	if err != nil {
		return nil, err
	}
	costTotal, err := floatAttr(attrs, attrCostTotal)
	if err != nil {
		return nil, err
	}
	costTotal = repairCostTotal(costIn, costOut, costTotal)

	return &model.Span{
		Time:         time.Unix(0, endNano).UTC(),
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		SpanName:     span.Name,
		PipelineID:   pipelineID,
		Stage:        stage,
		Model:        modelName,
		Provider:     provider,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostInput:    costIn,
		CostOutput:   costOut,
		CostTotal:    costTotal,
		DurationMS:   float64(endNano-startNano) / 1e6,
	}, nil
}

// repairCostTotal enforces null-propagation between cost_total and its
// components. A total reported alongside an unknown component is discarded;
// a total missing or drifting from two known components is replaced by their
// sum, so the stored value always satisfies the persistence invariants.
func repairCostTotal(in, out, total *float64) *float64 {
	if in == nil || out == nil {
		return nil
	}
	sum := *in + *out
	if total != nil && math.Abs(*total-sum) <= costTolerance {
		return total
	}
	return &sum
}

// flatten collapses the attribute list into a map keyed by attribute key,
// keeping hikari.* entries only. Later duplicates win, matching the usual
// last-writer semantics of OTLP attribute sets.
func flatten(kvs []model.KeyValue) map[string]json.RawMessage {
	attrs := make(map[string]json.RawMessage, len(kvs))
	for _, kv := range kvs {
		if !strings.HasPrefix(kv.Key, "hikari.") {
			continue
		}
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

// untag resolves the OTLP tagged-union value shape. It returns the inner
// raw value when the attribute is a {stringValue|intValue|doubleValue|
// boolValue} object, or the input unchanged when the payload carried a bare
// scalar.
func untag(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &tagged); err != nil {
		return trimmed
	}
	for _, tag := range []string{"stringValue", "intValue", "doubleValue", "boolValue"} {
		if inner, ok := tagged[tag]; ok {
			return bytes.TrimSpace(inner)
		}
	}
	return trimmed
}

func stringAttr(attrs map[string]json.RawMessage, key string) (string, error) {
	raw := untag(attrs[key])
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("invalid value for %s", key)
	}
	if s == "" {
		return "", fmt.Errorf("empty value for %s", key)
	}
	return s, nil
}

// intAttr reads an optional non-negative integer attribute. OTLP-JSON
// encodes int64 as a decimal string, but plain numbers are accepted too.
func intAttr(attrs map[string]json.RawMessage, key string) (*int64, error) {
	raw, ok := attrs[key]
	if !ok {
		return nil, nil
	}
	n, err := parseInt(untag(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s", key)
	}
	if n < 0 {
		return nil, fmt.Errorf("%s must be non-negative, got %d", key, n)
	}
	return &n, nil
}

// floatAttr reads an optional non-negative float attribute. Integer-valued
// JSON numbers and quoted decimals are both accepted.
func floatAttr(attrs map[string]json.RawMessage, key string) (*float64, error) {
	raw, ok := attrs[key]
	if !ok {
		return nil, nil
	}
	f, err := parseFloat(untag(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s", key)
	}
	if f < 0 {
		return nil, fmt.Errorf("%s must be non-negative, got %g", key, f)
	}
	return &f, nil
}

func parseInt(raw json.RawMessage) (int64, error) {
	s, err := unquote(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseFloat(raw json.RawMessage) (float64, error) {
	s, err := unquote(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// unquote strips a JSON string wrapper if present, leaving bare numbers
// untouched.
func unquote(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty value")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(trimmed), nil
}

// parseUnixNano parses a nanosecond epoch timestamp arriving as either a
// decimal string or a number, and applies the sanity bounds.
func parseUnixNano(raw json.RawMessage, field string, now time.Time) (int64, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0, fmt.Errorf("missing %s", field)
	}
	s, err := unquote(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer", field)
	}
	nano, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some exporters emit large timestamps in scientific notation.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%s must be a valid integer", field)
		}
		nano = int64(f)
	}
	if nano < 0 {
		return 0, fmt.Errorf("%s cannot be negative", field)
	}
	if nano < minTimestampNano {
		return 0, fmt.Errorf("%s is too old (before 2020-01-01)", field)
	}
	if max := now.AddDate(0, 0, maxFutureDays).UnixNano(); nano > max {
		return 0, fmt.Errorf("%s is more than %d days in the future", field, maxFutureDays)
	}
	return nano, nil
}

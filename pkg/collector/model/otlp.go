// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "encoding/json"

// ExportRequest is the OTLP-JSON subset accepted on POST /v1/traces:
// resourceSpans[].scopeSpans[].spans[]. Resource and scope attributes are
// ignored; only the spans themselves carry the hikari.* vocabulary.
type ExportRequest struct {
	ResourceSpans []ResourceSpans `json:"resourceSpans"`
}

// ResourceSpans groups the spans of one resource.
type ResourceSpans struct {
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

// ScopeSpans groups the spans of one instrumentation scope.
type ScopeSpans struct {
	Spans []OTLPSpan `json:"spans"`
}

// OTLPSpan is a single span as it appears on the wire. Timestamps are kept
// raw because OTLP-JSON encodes them as decimal strings while some exporters
// send plain numbers; a value of the wrong shape must reject that span alone,
// never the enclosing request, so parsing is deferred to the decoder.
type OTLPSpan struct {
	TraceID           string          `json:"traceId"`
	SpanID            string          `json:"spanId"`
	Name              string          `json:"name"`
	StartTimeUnixNano json.RawMessage `json:"startTimeUnixNano"`
	EndTimeUnixNano   json.RawMessage `json:"endTimeUnixNano"`
	Attributes        []KeyValue      `json:"attributes"`
}

// KeyValue is one OTLP attribute. Value is the tagged union
// {stringValue|intValue|doubleValue|boolValue}; raw scalars are also
// tolerated, so the union is resolved by the decoder.
type KeyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package writer drains the span buffer into the spans hypertable. A single
// long-lived goroutine owns the buffer-to-database path: it batches inserts,
// requeues batches on transient failures, drops poison batches after one
// retry, and reports database reachability. Errors here never propagate to
// request handlers.
package writer

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/DataDog/hikari/pkg/collector/buffer"
	"github.com/DataDog/hikari/pkg/collector/metrics"
	"github.com/DataDog/hikari/pkg/collector/model"
)

const (
	// popWait bounds how long one loop iteration blocks waiting for data.
	popWait = time.Second

	// writeTimeout is the per-insert statement deadline.
	writeTimeout = 10 * time.Second

	// drainTimeout bounds the final flush on graceful shutdown.
	drainTimeout = 30 * time.Second

	// maxRestartBackoff caps the pause after a recovered panic.
	maxRestartBackoff = 30 * time.Second
)

// insertColumns matches the spans hypertable; the writer never updates or
// deletes.
var insertColumns = []string{
	"time", "trace_id", "span_id", "span_name", "pipeline_id",
	"stage", "model", "provider", "tokens_input", "tokens_output",
	"cost_input", "cost_output", "cost_total", "duration_ms",
}

// Writer is the background database writer.
type Writer struct {
	db            *sqlx.DB
	buf           *buffer.Buffer
	log           *zap.Logger
	batchSize     int
	retryInterval time.Duration

	connected atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// New returns a writer draining buf into db in batches of batchSize,
// pausing retryInterval between attempts while the database is unreachable.
func New(db *sqlx.DB, buf *buffer.Buffer, batchSize int, retryInterval time.Duration, log *zap.Logger) *Writer {
	return &Writer{
		db:            db,
		buf:           buf,
		log:           log,
		batchSize:     batchSize,
		retryInterval: retryInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SetConnected seeds the reachability flag, typically from the startup ping.
func (w *Writer) SetConnected(up bool) {
	w.markConnected(up)
}

// Connected reports whether the last database write (or startup ping)
// succeeded.
func (w *Writer) Connected() bool {
	return w.connected.Load()
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Stop drains the buffer under a bounded deadline and waits for the writer
// goroutine to exit. Residual spans are logged and discarded.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

// run supervises the drain loop, restarting it with doubling backoff after a
// recovered panic. The backoff resets on any successful insert.
func (w *Writer) run() {
	defer close(w.done)
	backoff := time.Second
	for {
		progressed, stopped := w.loop()
		if stopped {
			w.drain()
			return
		}
		if progressed {
			backoff = time.Second
		}
		w.log.Error("writer loop restarting", zap.Duration("backoff", backoff))
		select {
		case <-w.stop:
			w.drain()
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

// loop runs until stopped or until a panic is recovered. It reports whether
// any insert succeeded during its lifetime.
func (w *Writer) loop() (progressed, stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in writer loop", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	for {
		select {
		case <-w.stop:
			return progressed, true
		default:
		}
		batch := w.buf.PopBatch(w.batchSize, popWait)
		if len(batch) == 0 {
			continue
		}
		if w.writeBatch(batch) {
			progressed = true
		}
	}
}

// writeBatch inserts one batch, classifying failures. Transient errors
// requeue the batch at the buffer head and pause before the next attempt;
// anything else gets exactly one immediate retry before the batch is dropped
// so a poison batch cannot stall the writer.
func (w *Writer) writeBatch(batch []*model.Span) bool {
	err := w.insert(batch)
	if err == nil {
		w.afterWrite(len(batch))
		return true
	}
	if isTransient(err) {
		w.markConnected(false)
		w.buf.PushFront(batch)
		w.log.Warn("transient database error, will retry",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.Duration("retry_in", w.retryInterval))
		select {
		case <-w.stop:
		case <-time.After(w.retryInterval):
		}
		return false
	}
	if err = w.insert(batch); err == nil {
		w.afterWrite(len(batch))
		return true
	}
	metrics.BatchesDropped.Inc()
	w.log.Warn("dropping batch after permanent database error",
		zap.Error(err),
		zap.Int("batch_size", len(batch)))
	return false
}

func (w *Writer) afterWrite(n int) {
	w.markConnected(true)
	metrics.BatchesWritten.Inc()
	w.log.Debug("wrote spans", zap.Int("count", n))
}

// drain flushes whatever the buffer still holds, giving up at the deadline.
func (w *Writer) drain() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		batch := w.buf.PopBatch(w.batchSize, 10*time.Millisecond)
		if len(batch) == 0 {
			if w.buf.Len() == 0 {
				return
			}
			continue
		}
		if err := w.insert(batch); err != nil {
			w.log.Warn("discarding spans on shutdown, database write failed",
				zap.Error(err),
				zap.Int("discarded", len(batch)+w.buf.Len()))
			return
		}
		metrics.BatchesWritten.Inc()
	}
	if n := w.buf.Len(); n > 0 {
		w.log.Warn("shutdown drain deadline exceeded, discarding spans", zap.Int("discarded", n))
	}
}

// insert performs one parameterized multi-row insert. An exact (time,
// span_id) replay is absorbed by the conflict clause; no other dedup is
// attempted.
func (w *Writer) insert(batch []*model.Span) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("INSERT INTO spans (")
	sb.WriteString(strings.Join(insertColumns, ", "))
	sb.WriteString(") VALUES ")
	args := make([]interface{}, 0, len(batch)*len(insertColumns))
	for i, s := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholderRow(i*len(insertColumns) + 1))
		args = append(args,
			s.Time, s.TraceID, s.SpanID, s.SpanName, s.PipelineID,
			s.Stage, s.Model, s.Provider, s.TokensInput, s.TokensOutput,
			s.CostInput, s.CostOutput, s.CostTotal, s.DurationMS,
		)
	}
	sb.WriteString(" ON CONFLICT (time, span_id) DO NOTHING")

	_, err := w.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// placeholderRow renders "($n, $n+1, ... $n+13)".
func placeholderRow(start int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 0; i < len(insertColumns); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(start + i))
	}
	sb.WriteByte(')')
	return sb.String()
}

func (w *Writer) markConnected(up bool) {
	w.connected.Store(up)
	if up {
		metrics.DBConnected.Set(1)
	} else {
		metrics.DBConnected.Set(0)
	}
}

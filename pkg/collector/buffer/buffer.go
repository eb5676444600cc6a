// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package buffer provides the bounded in-memory queue between the ingest
// handlers and the database writer. Producers never block and are never
// refused: when the queue is full the oldest record is discarded, so under
// sustained overload the buffer biases toward fresh data. The single
// consumer waits on a condition variable.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/hikari/pkg/collector/metrics"
	"github.com/DataDog/hikari/pkg/collector/model"
)

// Buffer is a bounded FIFO of span records. It is safe for any number of
// producers and exactly one consumer.
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []*model.Span
	capacity int
	closed   bool

	overflows atomic.Uint64
}

// New returns a buffer holding at most capacity spans.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		items:    make([]*model.Span, 0, capacity),
		capacity: capacity,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Push appends one span, discarding the oldest buffered span if the buffer
// is full. It never blocks.
func (b *Buffer) Push(s *model.Span) {
	b.PushAll([]*model.Span{s})
}

// PushAll appends spans in order, discarding oldest entries as needed so the
// whole batch fits. Spans from one ingest request are enqueued with a single
// call, so a request is all-or-nothing with respect to the queue.
func (b *Buffer) PushAll(spans []*model.Span) {
	if len(spans) == 0 {
		return
	}
	b.mu.Lock()
	dropped := len(b.items) + len(spans) - b.capacity
	if dropped > 0 {
		if dropped >= len(b.items) {
			// The batch alone fills (or exceeds) capacity; everything
			// buffered goes, and only the freshest tail of the batch fits.
			b.items = b.items[:0]
			spans = spans[len(spans)-b.capacity:]
		} else {
			b.items = b.items[dropped:]
		}
		b.overflows.Add(uint64(dropped))
		metrics.BufferDrops.Add(float64(dropped))
	}
	b.items = append(b.items, spans...)
	metrics.BufferUsage.Set(float64(len(b.items)) / float64(b.capacity))
	b.mu.Unlock()
	b.notEmpty.Signal()
}

// PushFront re-inserts a batch at the head of the queue, preserving its
// order. The writer uses it to requeue a batch after a transient write
// failure. If the batch no longer fits, the tail of the re-inserted batch is
// trimmed; newer buffered spans are kept.
func (b *Buffer) PushFront(spans []*model.Span) {
	if len(spans) == 0 {
		return
	}
	b.mu.Lock()
	room := b.capacity - len(b.items)
	if room < len(spans) {
		b.overflows.Add(uint64(len(spans) - room))
		metrics.BufferDrops.Add(float64(len(spans) - room))
		spans = spans[:room]
	}
	if len(spans) > 0 {
		b.items = append(spans, b.items...)
	}
	metrics.BufferUsage.Set(float64(len(b.items)) / float64(b.capacity))
	b.mu.Unlock()
	b.notEmpty.Signal()
}

// PopBatch removes and returns up to max spans in FIFO order, blocking for
// at most wait until at least one span is available. It returns nil on
// timeout or once the buffer is closed and empty.
func (b *Buffer) PopBatch(max int, wait time.Duration) []*model.Span {
	deadline := time.Now().Add(wait)
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 {
		if b.closed {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		// sync.Cond has no timed wait; a timer nudges the waiter awake so
		// the writer can observe shutdown.
		t := time.AfterFunc(remaining, func() { b.notEmpty.Broadcast() })
		b.notEmpty.Wait()
		t.Stop()
	}
	n := len(b.items)
	if n > max {
		n = max
	}
	batch := make([]*model.Span, n)
	copy(batch, b.items)
	b.items = append(b.items[:0], b.items[n:]...)
	metrics.BufferUsage.Set(float64(len(b.items)) / float64(b.capacity))
	return batch
}

// Len returns the current queue depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Usage returns depth/capacity in [0, 1], for health reporting.
func (b *Buffer) Usage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.items)) / float64(b.capacity)
}

// Overflows returns the total number of spans dropped on overflow.
func (b *Buffer) Overflows() uint64 {
	return b.overflows.Load()
}

// Close wakes the consumer. Pending spans can still be drained; PopBatch
// returns nil once the buffer is empty.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()
}

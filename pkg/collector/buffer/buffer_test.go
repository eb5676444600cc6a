// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/hikari/pkg/collector/model"
)

func span(id string) *model.Span {
	return &model.Span{SpanID: id, TraceID: "tr", PipelineID: "p"}
}

func spanIDs(spans []*model.Span) []string {
	ids := make([]string, 0, len(spans))
	for _, s := range spans {
		ids = append(ids, s.SpanID)
	}
	return ids
}

func TestBufferFIFO(t *testing.T) {
	b := New(10)
	b.Push(span("a"))
	b.Push(span("b"))
	b.Push(span("c"))
	require.Equal(t, 3, b.Len())

	batch := b.PopBatch(2, 0)
	assert.Equal(t, []string{"a", "b"}, spanIDs(batch))

	batch = b.PopBatch(2, 0)
	assert.Equal(t, []string{"c"}, spanIDs(batch))
	assert.Equal(t, 0, b.Len())
}

func TestBufferDropOldest(t *testing.T) {
	b := New(2)
	b.Push(span("a"))
	b.Push(span("b"))
	b.Push(span("c"))

	assert.Equal(t, 2, b.Len())
	assert.EqualValues(t, 1, b.Overflows())
	assert.Equal(t, []string{"b", "c"}, spanIDs(b.PopBatch(10, 0)))
}

func TestBufferCapacityOne(t *testing.T) {
	b := New(1)
	b.Push(span("old"))
	b.Push(span("new"))

	assert.EqualValues(t, 1, b.Overflows())
	assert.Equal(t, []string{"new"}, spanIDs(b.PopBatch(10, 0)))
}

func TestBufferPushAllLargerThanCapacity(t *testing.T) {
	b := New(3)
	b.Push(span("x"))

	batch := make([]*model.Span, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, span(fmt.Sprintf("s%d", i)))
	}
	b.PushAll(batch)

	// The pre-existing span and the two oldest of the batch are dropped;
	// the freshest tail of the batch survives in order.
	assert.EqualValues(t, 3, b.Overflows())
	assert.Equal(t, []string{"s2", "s3", "s4"}, spanIDs(b.PopBatch(10, 0)))
}

func TestBufferPushFront(t *testing.T) {
	b := New(10)
	b.Push(span("c"))
	b.Push(span("d"))
	b.PushFront([]*model.Span{span("a"), span("b")})

	assert.Equal(t, []string{"a", "b", "c", "d"}, spanIDs(b.PopBatch(10, 0)))
}

func TestBufferPushFrontTrimsWhenFull(t *testing.T) {
	b := New(3)
	b.Push(span("x"))
	b.Push(span("y"))
	b.PushFront([]*model.Span{span("r1"), span("r2"), span("r3")})

	// Only one slot is free: the head of the requeued batch is kept, its
	// tail is dropped, and the newer buffered spans survive.
	assert.EqualValues(t, 2, b.Overflows())
	assert.Equal(t, []string{"r1", "x", "y"}, spanIDs(b.PopBatch(10, 0)))
}

func TestBufferPopBatchTimesOut(t *testing.T) {
	b := New(10)
	start := time.Now()
	batch := b.PopBatch(10, 20*time.Millisecond)
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBufferPopBatchWakesOnPush(t *testing.T) {
	b := New(10)
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Push(span("late"))
	}()
	batch := b.PopBatch(10, time.Second)
	assert.Equal(t, []string{"late"}, spanIDs(batch))
}

func TestBufferCloseWakesConsumer(t *testing.T) {
	b := New(10)
	done := make(chan []*model.Span, 1)
	go func() { done <- b.PopBatch(10, time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case batch := <-done:
		assert.Nil(t, batch)
	case <-time.After(time.Second):
		t.Fatal("PopBatch did not return after Close")
	}
}

func TestBufferDrainAfterClose(t *testing.T) {
	b := New(10)
	b.Push(span("a"))
	b.Close()

	// Pending spans are still drainable after close.
	assert.Equal(t, []string{"a"}, spanIDs(b.PopBatch(10, 0)))
	assert.Nil(t, b.PopBatch(10, 0))
}

func TestBufferUsage(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0.0, b.Usage())
	b.Push(span("a"))
	assert.Equal(t, 0.25, b.Usage())
	b.PushAll([]*model.Span{span("b"), span("c"), span("d")})
	assert.Equal(t, 1.0, b.Usage())
}

func TestBufferConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 200
	)
	b := New(producers * perWorker)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b.Push(span(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for {
		batch := b.PopBatch(64, 0)
		if batch == nil {
			break
		}
		total += len(batch)
	}
	assert.Equal(t, producers*perWorker, total)
	assert.EqualValues(t, 0, b.Overflows())
}

package cdclake

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/cdclake/internal/engine"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordApply is called after each batch of events.
	RecordApply(events int, duration time.Duration, err error)

	// RecordSeal is called when a buffered segment is sealed for flushing.
	RecordSeal(rows int, bytes int64)

	// RecordFlush is called when a segment flush completes.
	RecordFlush(duration time.Duration, rows int, bytes int64, err error)

	// RecordCommit is called when a snapshot commit completes.
	RecordCommit(duration time.Duration, seq uint64, files, vectors int, err error)

	// RecordCompaction is called when a data-file merge completes.
	RecordCompaction(duration time.Duration, inputFiles, outputRows int, err error)

	// RecordBackpressure is called each time intake pauses.
	RecordBackpressure()

	// RecordQueueDepth reports the depth of a background queue.
	RecordQueueDepth(name string, depth int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordApply(int, time.Duration, error)               {}
func (NoopMetricsCollector) RecordSeal(int, int64)                               {}
func (NoopMetricsCollector) RecordFlush(time.Duration, int, int64, error)        {}
func (NoopMetricsCollector) RecordCommit(time.Duration, uint64, int, int, error) {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, int, int, error)     {}
func (NoopMetricsCollector) RecordBackpressure()                                 {}
func (NoopMetricsCollector) RecordQueueDepth(string, int)                        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	ApplyCount        atomic.Int64
	ApplyEvents       atomic.Int64
	ApplyErrors       atomic.Int64
	ApplyTotalNanos   atomic.Int64
	SealCount         atomic.Int64
	FlushCount        atomic.Int64
	FlushErrors       atomic.Int64
	FlushedRows       atomic.Int64
	FlushedBytes      atomic.Int64
	FlushTotalNanos   atomic.Int64
	CommitCount       atomic.Int64
	CommitErrors      atomic.Int64
	LastSeq           atomic.Uint64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	BackpressureCount atomic.Int64

	mu     sync.Mutex
	queues map[string]int
}

// RecordApply implements MetricsCollector.
func (b *BasicMetricsCollector) RecordApply(events int, duration time.Duration, err error) {
	b.ApplyCount.Add(1)
	b.ApplyEvents.Add(int64(events))
	b.ApplyTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ApplyErrors.Add(1)
	}
}

// RecordSeal implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSeal(int, int64) {
	b.SealCount.Add(1)
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, rows int, bytes int64, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushedRows.Add(int64(rows))
	b.FlushedBytes.Add(bytes)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(_ time.Duration, seq uint64, _, _ int, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.LastSeq.Store(seq)
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(_ time.Duration, _, _ int, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// RecordBackpressure implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackpressure() {
	b.BackpressureCount.Add(1)
}

// RecordQueueDepth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueueDepth(name string, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queues == nil {
		b.queues = make(map[string]int)
	}
	b.queues[name] = depth
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		ApplyCount:        b.ApplyCount.Load(),
		ApplyEvents:       b.ApplyEvents.Load(),
		ApplyErrors:       b.ApplyErrors.Load(),
		ApplyAvgNanos:     avg(b.ApplyTotalNanos.Load(), b.ApplyCount.Load()),
		SealCount:         b.SealCount.Load(),
		FlushCount:        b.FlushCount.Load(),
		FlushErrors:       b.FlushErrors.Load(),
		FlushedRows:       b.FlushedRows.Load(),
		FlushedBytes:      b.FlushedBytes.Load(),
		FlushAvgNanos:     avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()-b.FlushErrors.Load()),
		CommitCount:       b.CommitCount.Load(),
		CommitErrors:      b.CommitErrors.Load(),
		LastSeq:           b.LastSeq.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionErrors:  b.CompactionErrors.Load(),
		BackpressureCount: b.BackpressureCount.Load(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s.QueueDepth = make(map[string]int, len(b.queues))
	for k, v := range b.queues {
		s.QueueDepth[k] = v
	}
	return s
}

func avg(total, count int64) int64 {
	if count <= 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ApplyCount        int64
	ApplyEvents       int64
	ApplyErrors       int64
	ApplyAvgNanos     int64
	SealCount         int64
	FlushCount        int64
	FlushErrors       int64
	FlushedRows       int64
	FlushedBytes      int64
	FlushAvgNanos     int64
	CommitCount       int64
	CommitErrors      int64
	LastSeq           uint64
	CompactionCount   int64
	CompactionErrors  int64
	BackpressureCount int64
	QueueDepth        map[string]int
}

// observer feeds engine events to a MetricsCollector.
type observer struct {
	mc MetricsCollector
}

var _ engine.MetricsObserver = observer{}

func (o observer) OnApply(events int, d time.Duration, err error) { o.mc.RecordApply(events, d, err) }
func (o observer) OnSeal(rows int, bytes int64)                    { o.mc.RecordSeal(rows, bytes) }
func (o observer) OnFlush(d time.Duration, rows int, bytes int64, err error) {
	o.mc.RecordFlush(d, rows, bytes, err)
}
func (o observer) OnCommit(d time.Duration, seq uint64, files, vectors int, err error) {
	o.mc.RecordCommit(d, seq, files, vectors, err)
}
func (o observer) OnCompaction(d time.Duration, inputs, rows int, err error) {
	o.mc.RecordCompaction(d, inputs, rows, err)
}
func (o observer) OnBackpressure()                   { o.mc.RecordBackpressure() }
func (o observer) OnQueueDepth(name string, n int) { o.mc.RecordQueueDepth(name, n) }

package cdclake

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicMetricsCollector(t *testing.T) {
	mc := &BasicMetricsCollector{}
	obs := observer{mc: mc}

	obs.OnApply(3, 2*time.Millisecond, nil)
	obs.OnApply(1, 4*time.Millisecond, errors.New("boom"))
	obs.OnSeal(10, 100)
	obs.OnFlush(time.Millisecond, 10, 512, nil)
	obs.OnFlush(0, 0, 0, errors.New("io"))
	obs.OnCommit(time.Millisecond, 7, 1, 0, nil)
	obs.OnCompaction(time.Millisecond, 2, 5, nil)
	obs.OnBackpressure()
	obs.OnQueueDepth("flush", 2)

	s := mc.GetStats()
	assert.Equal(t, int64(2), s.ApplyCount)
	assert.Equal(t, int64(4), s.ApplyEvents)
	assert.Equal(t, int64(1), s.ApplyErrors)
	assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), s.ApplyAvgNanos)
	assert.Equal(t, int64(1), s.SealCount)
	assert.Equal(t, int64(2), s.FlushCount)
	assert.Equal(t, int64(1), s.FlushErrors)
	assert.Equal(t, int64(10), s.FlushedRows)
	assert.Equal(t, int64(512), s.FlushedBytes)
	assert.Equal(t, time.Millisecond.Nanoseconds(), s.FlushAvgNanos)
	assert.Equal(t, uint64(7), s.LastSeq)
	assert.Equal(t, int64(1), s.CompactionCount)
	assert.Equal(t, int64(1), s.BackpressureCount)
	assert.Equal(t, map[string]int{"flush": 2}, s.QueueDepth)
}

func TestNoopMetricsCollector(t *testing.T) {
	var mc MetricsCollector = NoopMetricsCollector{}
	mc.RecordApply(1, time.Second, nil)
	mc.RecordQueueDepth("merge", 1)
}

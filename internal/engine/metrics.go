package engine

import "time"

// MetricsObserver receives engine events.
type MetricsObserver interface {
	// OnApply is called after a batch of events was accepted.
	OnApply(events int, duration time.Duration, err error)

	// OnSeal is called when the active segment is sealed.
	OnSeal(rows int, bytes int64)

	// OnFlush is called when a segment flush completes.
	OnFlush(duration time.Duration, rows int, bytes int64, err error)

	// OnCommit is called when a snapshot commit completes.
	OnCommit(duration time.Duration, seq uint64, files int, vectors int, err error)

	// OnCompaction is called when a data-file merge completes.
	OnCompaction(duration time.Duration, inputFiles int, outputRows int, err error)

	// OnBackpressure is called each time intake stops for lack of a sealed slot.
	OnBackpressure()

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnApply(int, time.Duration, error)               {}
func (NoopMetricsObserver) OnSeal(int, int64)                               {}
func (NoopMetricsObserver) OnFlush(time.Duration, int, int64, error)        {}
func (NoopMetricsObserver) OnCommit(time.Duration, uint64, int, int, error) {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int, error)     {}
func (NoopMetricsObserver) OnBackpressure()                                 {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                        {}

package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for managed memory (block cache).
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// BufferSoftLimitBytes is the buffered-row memory above which the writer
	// seals the active segment at the next commit boundary. 0 disables it.
	BufferSoftLimitBytes int64

	// MaxSealedSegments bounds sealed-but-unflushed segments. When every slot
	// is taken the writer stops accepting events. If 0, defaults to 4.
	MaxSealedSegments int64

	// MaxBackgroundWorkers is the maximum number of concurrent background jobs.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum IO throughput for background tasks.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages resources shared by one table's writer and its
// background workers.
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Write buffer
	bufUsed atomic.Int64

	// Sealed segment slots
	sealedSem  *semaphore.Weighted
	sealedUsed atomic.Int64

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}
	if cfg.MaxSealedSegments <= 0 {
		cfg.MaxSealedSegments = 4
	}

	c := &Controller{
		cfg:       cfg,
		bgSem:     semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
		sealedSem: semaphore.NewWeighted(cfg.MaxSealedSegments),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// TryAcquireMemory attempts to reserve memory without blocking.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// AcquireMemory attempts to reserve memory.
// Returns ErrMemoryLimitExceeded if limit would be exceeded.
func (c *Controller) AcquireMemory(bytes int64) error {
	if !c.TryAcquireMemory(bytes) {
		return ErrMemoryLimitExceeded
	}
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// ReserveBuffer accounts bytes of buffered rows. It never fails; it reports
// whether usage is now above the soft limit.
func (c *Controller) ReserveBuffer(bytes int64) (overLimit bool) {
	if c == nil {
		return false
	}
	used := c.bufUsed.Add(bytes)
	return c.cfg.BufferSoftLimitBytes > 0 && used >= c.cfg.BufferSoftLimitBytes
}

// ReleaseBuffer releases bytes accounted by ReserveBuffer.
func (c *Controller) ReleaseBuffer(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.bufUsed.Add(-bytes)
}

// BufferUsage returns the bytes currently held by buffered rows.
func (c *Controller) BufferUsage() int64 {
	if c == nil {
		return 0
	}
	return c.bufUsed.Load()
}

// TryAcquireSealed reserves a sealed-segment slot without blocking.
func (c *Controller) TryAcquireSealed() bool {
	if c == nil {
		return true
	}
	if !c.sealedSem.TryAcquire(1) {
		return false
	}
	c.sealedUsed.Add(1)
	return true
}

// AcquireSealed blocks until a sealed-segment slot is free.
func (c *Controller) AcquireSealed(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.sealedSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.sealedUsed.Add(1)
	return nil
}

// ReleaseSealed frees a slot once its segment is flushed or abandoned.
func (c *Controller) ReleaseSealed() {
	if c == nil {
		return
	}
	c.sealedUsed.Add(-1)
	c.sealedSem.Release(1)
}

// SealedInUse returns the number of taken sealed-segment slots.
func (c *Controller) SealedInUse() int64 {
	if c == nil {
		return 0
	}
	return c.sealedUsed.Load()
}

// MaxSealed returns the number of sealed-segment slots.
func (c *Controller) MaxSealed() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MaxSealedSegments
}

// AcquireBackground attempts to reserve a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
// Returns true if tokens were acquired, false otherwise.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}

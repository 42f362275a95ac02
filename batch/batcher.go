// Package batch accumulates captured PCM chunks and releases them in
// time-windowed batches, decoupling device buffer size from send size.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
	"github.com/d1nch8g/signstream/pcm"
)

// Config controls the flush cadence and size floor.
type Config struct {
	// Interval between flush ticks.
	Interval time.Duration
	// MinSamples is the floor a batch must reach before a tick flushes it.
	// Zero flushes anything non-empty.
	MinSamples int
	// SampleRate of the appended chunks, used for logging only.
	SampleRate int
}

// DefaultConfig flushes every 300ms with no size floor.
func DefaultConfig() Config {
	return Config{
		Interval:   300 * time.Millisecond,
		MinSamples: 0,
		SampleRate: pcm.TargetRate,
	}
}

// PublishFunc hands one flushed batch to a transport. A returned error
// drops the batch.
type PublishFunc func(ctx context.Context, samples []int16) error

// Batcher owns the pending batch. Append is called from the capture tick,
// Flush from the flush tick; the mutex keeps them from interleaving.
type Batcher struct {
	config Config
	logger *zap.Logger

	mu             sync.Mutex
	pending        [][]int16
	pendingSamples int
}

// New creates a batcher, filling zero config values with defaults.
func New(config Config, logger *zap.Logger) *Batcher {
	if config.Interval <= 0 {
		config.Interval = 300 * time.Millisecond
	}
	if config.MinSamples < 0 {
		config.MinSamples = 0
	}
	if config.SampleRate <= 0 {
		config.SampleRate = pcm.TargetRate
	}

	return &Batcher{
		config: config,
		logger: logger.With(zap.String("component", "batcher")),
	}
}

// Append queues a copy of chunk for the next flush.
func (b *Batcher) Append(chunk []int16) {
	if len(chunk) == 0 {
		return
	}
	c := make([]int16, len(chunk))
	copy(c, chunk)

	b.mu.Lock()
	b.pending = append(b.pending, c)
	b.pendingSamples += len(c)
	n := b.pendingSamples
	b.mu.Unlock()

	metrics.PendingSamples.Set(float64(n))
}

// Flush concatenates and clears the pending chunks in arrival order. It
// reports false, leaving the batch untouched, while the batch is empty or
// below MinSamples.
func (b *Batcher) Flush() ([]int16, bool) {
	b.mu.Lock()
	if b.pendingSamples == 0 || b.pendingSamples < b.config.MinSamples {
		b.mu.Unlock()
		return nil, false
	}
	chunks := b.pending
	total := b.pendingSamples
	b.pending = nil
	b.pendingSamples = 0
	b.mu.Unlock()

	metrics.PendingSamples.Set(0)

	out := make([]int16, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, true
}

// Pending returns the number of samples waiting for a flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingSamples
}

// Reset discards anything pending.
func (b *Batcher) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.pendingSamples = 0
	b.mu.Unlock()

	metrics.PendingSamples.Set(0)
}

// Run flushes on every tick until ctx is cancelled. Each batch gets exactly
// one publish attempt; failures are logged and the batch is gone.
func (b *Batcher) Run(ctx context.Context, publish PublishFunc) {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, ok := b.Flush()
			if !ok {
				continue
			}

			if err := publish(ctx, samples); err != nil {
				metrics.BatchesTotal.WithLabelValues("dropped").Inc()
				b.logger.Warn("Dropping audio batch",
					zap.Int("samples", len(samples)),
					zap.Duration("duration", pcm.Duration(len(samples), b.config.SampleRate)),
					zap.Error(err))
				continue
			}

			metrics.BatchesTotal.WithLabelValues("sent").Inc()
			metrics.SamplesSentTotal.Add(float64(len(samples)))
			b.logger.Debug("Audio batch published", zap.Int("samples", len(samples)))
		}
	}
}

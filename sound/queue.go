package sound

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
)

// Queue plays items one at a time in arrival order. A single worker owns
// playback, so the next item starts only after the previous Play returned.
type Queue struct {
	player Player
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []Item
	playing bool
	gen     uint64
	cancel  context.CancelFunc
	closed  bool

	done chan struct{}
}

// NewQueue creates a queue and starts its worker.
func NewQueue(player Player, logger *zap.Logger) *Queue {
	q := &Queue{
		player: player,
		logger: logger.With(zap.String("component", "playback")),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.loop()
	return q
}

// Enqueue appends an item. An idle queue starts it immediately.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, item)
	metrics.PlaybackQueueLength.Set(float64(len(q.items)))
	q.cond.Signal()
}

// Clear empties the queue and halts the active item.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.clearLocked()
}

func (q *Queue) clearLocked() {
	q.gen++
	q.items = nil
	if q.cancel != nil {
		q.cancel()
	}
	metrics.PlaybackQueueLength.Set(0)
}

// Len counts queued items, the playing one included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Playing reports whether an item is being rendered.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.playing
}

// Close clears the queue and stops the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.clearLocked()
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		item := q.items[0]
		gen := q.gen
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.playing = true
		q.mu.Unlock()

		err := q.player.Play(ctx, item)
		cancel()

		q.mu.Lock()
		q.playing = false
		q.cancel = nil
		// A cleared item is already gone.
		if gen == q.gen && len(q.items) > 0 {
			q.items = q.items[1:]
			metrics.PlaybackQueueLength.Set(float64(len(q.items)))
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			metrics.PlaybackTotal.WithLabelValues("played").Inc()
		case errors.Is(err, context.Canceled):
			metrics.PlaybackTotal.WithLabelValues("cleared").Inc()
			q.logger.Debug("playback halted", zap.String("url", item.URL))
		default:
			metrics.PlaybackTotal.WithLabelValues("failed").Inc()
			q.logger.Warn("playback failed", zap.String("url", item.URL), zap.Error(err))
		}
	}
}

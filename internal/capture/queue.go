package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var ErrQueueClosed = errors.New("capture: frame queue closed")

// FrameQueue is a bounded FIFO between the capture callback and the network
// pump. Push never blocks: when full the oldest frame is dropped and counted.
type FrameQueue struct {
	log    zerolog.Logger
	onDrop func()
	warn   rate.Sometimes

	mu     sync.Mutex
	ring   []Frame
	head   int
	size   int
	lost   uint64
	closed bool
	ready  chan struct{}
}

// QueueOption configures a FrameQueue.
type QueueOption func(*FrameQueue)

func WithLogger(l zerolog.Logger) QueueOption { return func(q *FrameQueue) { q.log = l } }

// WithDropHook is called once per dropped frame, outside the queue lock.
func WithDropHook(fn func()) QueueOption { return func(q *FrameQueue) { q.onDrop = fn } }

func NewFrameQueue(capacity int, opts ...QueueOption) *FrameQueue {
	if capacity <= 0 {
		capacity = 50
	}
	q := &FrameQueue{
		log:   zerolog.Nop(),
		warn:  rate.Sometimes{Interval: 5 * time.Second},
		ring:  make([]Frame, capacity),
		ready: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := false
	if q.size == len(q.ring) {
		q.ring[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
		q.lost++
		dropped = true
	}
	q.ring[(q.head+q.size)%len(q.ring)] = f
	q.size++
	lost := q.lost
	// signalled under the lock so Close cannot close ready concurrently
	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	if dropped {
		if q.onDrop != nil {
			q.onDrop()
		}
		q.warn.Do(func() {
			q.log.Warn().Uint64("lost_total", lost).Msg("frame queue full, dropping oldest audio")
		})
	}
}

// Pop blocks until a frame is available, ctx is done or the queue is closed.
// Frames still queued at Close are discarded.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Frame{}, ErrQueueClosed
		}
		if q.size > 0 {
			f := q.ring[q.head]
			q.ring[q.head] = Frame{}
			q.head = (q.head + 1) % len(q.ring)
			q.size--
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Lost is the number of frames dropped under backpressure.
func (q *FrameQueue) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

func (q *FrameQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ready)
	q.mu.Unlock()
}

// Pump forwards queued frames to send until ctx is done or the queue closes.
func Pump(ctx context.Context, q *FrameQueue, send func(Frame)) error {
	for {
		f, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		send(f)
	}
}

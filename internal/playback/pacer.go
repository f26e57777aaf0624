// Package playback delivers synthesized PCM to a listener at real-time pace.
package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrStopped = errors.New("playback: stopped")

// Pacer writes one queued frame per interval. Push blocks while the queue is
// full so a fast synthesizer cannot run ahead of playback unboundedly.
type Pacer struct {
	interval time.Duration
	write    func([]byte) error
	frames   chan []byte
	stopCh   chan struct{}
	pending  atomic.Int64

	mu      sync.Mutex
	stopped bool
	onErr   func(error)
}

func NewPacer(interval time.Duration, capacity int, write func([]byte) error) *Pacer {
	if capacity <= 0 {
		capacity = 512
	}
	p := &Pacer{
		interval: interval,
		write:    write,
		frames:   make(chan []byte, capacity),
		stopCh:   make(chan struct{}),
	}
	go p.run()
	return p
}

// OnWriteError registers a callback for failed frame writes.
func (p *Pacer) OnWriteError(fn func(error)) {
	p.mu.Lock()
	p.onErr = fn
	p.mu.Unlock()
}

func (p *Pacer) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-p.frames:
				err := p.write(frame)
				p.pending.Add(-1)
				if err != nil {
					p.mu.Lock()
					fn := p.onErr
					p.mu.Unlock()
					if fn != nil {
						fn(err)
					}
				}
			default:
			}
		}
	}
}

// Push enqueues a frame, blocking until space is available or the pacer stops.
func (p *Pacer) Push(frame []byte) {
	p.pending.Add(1)
	select {
	case <-p.stopCh:
		p.pending.Add(-1)
	case p.frames <- frame:
	}
}

// Drain drops every queued frame.
func (p *Pacer) Drain() {
	for {
		select {
		case <-p.frames:
			p.pending.Add(-1)
		default:
			return
		}
	}
}

// Pending is the number of frames queued and not yet written.
func (p *Pacer) Pending() int { return int(p.pending.Load()) }

// Wait blocks until every queued frame was written.
func (p *Pacer) Wait(ctx context.Context) error {
	tick := p.interval / 2
	if tick <= 0 {
		tick = 5 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for p.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		case <-t.C:
		}
	}
	return nil
}

func (p *Pacer) Close() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()
}

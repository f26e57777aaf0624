package playback

import (
	"context"
	"sync"
	"time"
)

// FrameDuration of every paced frame.
const FrameDuration = 20 * time.Millisecond

// FrameSink buffers 48kHz PCM16 mono, slices it into 20ms frames, encodes
// each one and hands it to a Pacer.
type FrameSink struct {
	pacer      *Pacer
	frameBytes int
	tailFrames int
	encode     func(pcm []byte) ([]byte, error)

	mu  sync.Mutex
	buf []byte
}

// NewFrameSink builds a sink over write. encode may be nil for raw PCM.
// tailFrames of silence follow every FlushTail so the end of a reply is not
// clipped by the receiver's jitter buffer.
func NewFrameSink(sampleRate, tailFrames int, encode func([]byte) ([]byte, error), write func([]byte) error) *FrameSink {
	if encode == nil {
		encode = func(b []byte) ([]byte, error) { return b, nil }
	}
	return &FrameSink{
		pacer:      NewPacer(FrameDuration, 512, write),
		frameBytes: sampleRate / 50 * 2,
		tailFrames: tailFrames,
		encode:     encode,
	}
}

func (s *FrameSink) WritePCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	var frames [][]byte
	for len(s.buf) >= s.frameBytes {
		f := make([]byte, s.frameBytes)
		copy(f, s.buf[:s.frameBytes])
		s.buf = s.buf[s.frameBytes:]
		frames = append(frames, f)
	}
	s.mu.Unlock()
	s.push(frames...)
}

// FlushTail pads the remainder to a full frame and appends the silence tail.
func (s *FrameSink) FlushTail() {
	s.mu.Lock()
	var frames [][]byte
	if len(s.buf) > 0 {
		f := make([]byte, s.frameBytes)
		copy(f, s.buf)
		s.buf = s.buf[:0]
		frames = append(frames, f)
	}
	s.mu.Unlock()
	for i := 0; i < s.tailFrames; i++ {
		frames = append(frames, make([]byte, s.frameBytes))
	}
	s.push(frames...)
}

// Reset drops buffered and queued audio immediately.
func (s *FrameSink) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
	s.pacer.Drain()
}

// Wait blocks until queued audio has been delivered.
func (s *FrameSink) Wait(ctx context.Context) error { return s.pacer.Wait(ctx) }

func (s *FrameSink) OnWriteError(fn func(error)) { s.pacer.OnWriteError(fn) }

func (s *FrameSink) Close() { s.pacer.Close() }

func (s *FrameSink) push(frames ...[]byte) {
	for _, f := range frames {
		pkt, err := s.encode(f)
		if err != nil || len(pkt) == 0 {
			continue
		}
		s.pacer.Push(pkt)
	}
}

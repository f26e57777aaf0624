// Package capture produces fixed-size PCM16 audio frames from a microphone or
// a remote media source and buffers them for the network path.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPermissionDenied  = errors.New("capture: microphone permission denied")
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")
	ErrNotOpen           = errors.New("capture: session not open")
)

// Constraints describe the frames a session must emit.
type Constraints struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultConstraints is 20ms of 16kHz mono, the transcription contract.
func DefaultConstraints() Constraints {
	return Constraints{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}
}

func (c Constraints) withDefaults() Constraints {
	def := DefaultConstraints()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = def.FrameDuration
	}
	return c
}

// FrameBytes is the size of one frame of 16-bit samples.
func (c Constraints) FrameBytes() int {
	c = c.withDefaults()
	samples := int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
	return samples * c.Channels * 2
}

// Frame is one chunk of PCM16LE audio. Frames are ephemeral.
type Frame struct {
	PCM []byte
	Seq uint64
	At  time.Time
}

// Silence returns a zeroed frame of the same size and sequence number.
func (f Frame) Silence() Frame {
	return Frame{PCM: make([]byte, len(f.PCM)), Seq: f.Seq, At: f.At}
}

// Session is an audio source. onFrame is called on the source's own
// goroutine (possibly a realtime audio thread) and must not block.
type Session interface {
	Open(ctx context.Context, c Constraints) error
	StartStreaming(onFrame func(Frame)) error
	Stop() error
}

// framer slices arbitrary PCM writes into fixed frames. Not safe for
// concurrent use; sessions serialize access.
type framer struct {
	size int
	buf  []byte
	seq  uint64
	now  func() time.Time
}

func newFramer(size int) *framer {
	return &framer{size: size, buf: make([]byte, 0, size*2), now: time.Now}
}

func (f *framer) write(pcm []byte, emit func(Frame)) {
	f.buf = append(f.buf, pcm...)
	for len(f.buf) >= f.size {
		chunk := make([]byte, f.size)
		copy(chunk, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		f.seq++
		emit(Frame{PCM: chunk, Seq: f.seq, At: f.now()})
	}
	// compact so the backing array does not grow without bound
	if cap(f.buf) > f.size*8 {
		f.buf = append(make([]byte, 0, f.size*2), f.buf...)
	}
}

func (f *framer) reset() { f.buf = f.buf[:0] }

package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Speaker plays 48kHz PCM16 mono on the default output device. The player
// reads continuously; when no reply audio is queued it is fed silence, so
// the device itself paces playback.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu     sync.Mutex
	queue  []byte
	closed bool
}

func NewSpeaker(sampleRate int) (*Speaker, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   60 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	<-ready
	s := &Speaker{otoCtx: otoCtx}
	s.player = otoCtx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

// Read implements io.Reader for the oto player.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	n := copy(p, s.queue)
	s.queue = s.queue[n:]
	s.mu.Unlock()
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

func (s *Speaker) WritePCM(pcm []byte) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, pcm...)
	}
	s.mu.Unlock()
}

func (s *Speaker) FlushTail() {}

func (s *Speaker) Reset() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Wait blocks until queued audio has been handed to the device and the
// device buffer has had time to play out.
func (s *Speaker) Wait(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		s.mu.Lock()
		left := len(s.queue)
		s.mu.Unlock()
		if left == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	buffered := time.Duration(s.player.BufferedSize()/2) * time.Second / 48000
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(buffered):
		return nil
	}
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	return s.player.Close()
}

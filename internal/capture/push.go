package capture

import (
	"context"
	"sync"
)

// PushSession is a Session fed by a remote source such as a decoded WebRTC
// track or binary websocket messages.
type PushSession struct {
	mu      sync.Mutex
	fr      *framer
	onFrame func(Frame)
	open    bool
	stopped bool
}

func NewPushSession() *PushSession { return &PushSession{} }

func (s *PushSession) Open(_ context.Context, c Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrDeviceUnavailable
	}
	s.fr = newFramer(c.FrameBytes())
	s.open = true
	return nil
}

func (s *PushSession) StartStreaming(onFrame func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.stopped {
		return ErrNotOpen
	}
	s.onFrame = onFrame
	return nil
}

// Push accepts PCM16LE of any length. Audio pushed before StartStreaming or
// after Stop is discarded.
func (s *PushSession) Push(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFrame == nil || s.stopped {
		return
	}
	s.fr.write(pcm, s.onFrame)
}

func (s *PushSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.onFrame = nil
	if s.fr != nil {
		s.fr.reset()
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *PushSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

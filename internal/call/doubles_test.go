package call

import (
	"context"
	"errors"
	"sync"

	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/store"
	"github.com/chadiek/practice-call/internal/transcribe"
)

type fakeChannel struct {
	openErr error
	events  chan transcribe.Event

	// gate, when set, holds Open until it is closed.
	gate chan struct{}

	mu      sync.Mutex
	frames  []capture.Frame
	closes  int
	closed  bool
	opening bool
}

func newFakeChannel(openErr error) *fakeChannel {
	return &fakeChannel{openErr: openErr, events: make(chan transcribe.Event, 64)}
}

func (f *fakeChannel) Open(ctx context.Context, _ transcribe.Config) error {
	if f.gate != nil {
		f.mu.Lock()
		f.opening = true
		f.mu.Unlock()
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.openErr
}

func (f *fakeChannel) SendFrame(fr capture.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transcribe.ErrClosed
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeChannel) Events() <-chan transcribe.Event { return f.events }

func (f *fakeChannel) Health() transcribe.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transcribe.Health{State: transcribe.StateClosed}
	}
	return transcribe.Health{State: transcribe.StateOpen}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) push(ev transcribe.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeChannel) isOpening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opening
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeChannel) sentFrames() []capture.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Frame(nil), f.frames...)
}

// fakeFactory builds channels whose Open outcome is decided by plan, given
// the 1-based creation index.
type fakeFactory struct {
	plan func(n int) error
	gate chan struct{}

	mu       sync.Mutex
	channels []*fakeChannel
}

var errDialRefused = errors.New("dial refused")

func (f *fakeFactory) New() transcribe.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.plan != nil {
		err = f.plan(len(f.channels) + 1)
	}
	ch := newFakeChannel(err)
	ch.gate = f.gate
	f.channels = append(f.channels, ch)
	return ch
}

func (f *fakeFactory) all() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.channels...)
}

func (f *fakeFactory) latest() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

type respondCall struct {
	utterance string
	history   []conversation.Utterance
}

type fakeResponder struct {
	fn func(ctx context.Context, utterance string) (string, error)

	mu    sync.Mutex
	calls []respondCall
}

func (r *fakeResponder) Respond(ctx context.Context, utterance string, history []conversation.Utterance, _ conversation.Scenario) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, respondCall{utterance: utterance, history: history})
	r.mu.Unlock()
	if r.fn == nil {
		return "Tell me more.", nil
	}
	return r.fn(ctx, utterance)
}

func (r *fakeResponder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeResponder) call(i int) respondCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

type fakeSynth struct {
	err error

	mu     sync.Mutex
	texts  []string
	voices []string
}

func (s *fakeSynth) Synthesize(_ context.Context, text, voice string) (<-chan []byte, <-chan error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.voices = append(s.voices, voice)
	s.mu.Unlock()
	pcm := make(chan []byte, 1)
	errs := make(chan error, 1)
	if s.err != nil {
		errs <- s.err
	} else {
		pcm <- []byte{0, 1, 0, 1}
	}
	close(pcm)
	close(errs)
	return pcm, errs
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// fakeSink plays instantly unless gate is set, in which case Wait blocks
// until the gate is closed.
type fakeSink struct {
	gate chan struct{}

	mu      sync.Mutex
	written int
	flushes int
	resets  int
}

func (s *fakeSink) WritePCM(p []byte) {
	s.mu.Lock()
	s.written += len(p)
	s.mu.Unlock()
}

func (s *fakeSink) FlushTail() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSink) Wait(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

type fakeArchive struct {
	mu      sync.Mutex
	records []store.Record
}

func (a *fakeArchive) Save(_ context.Context, r store.Record) error {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
	return nil
}

func (a *fakeArchive) saved() []store.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.Record(nil), a.records...)
}

type deniedCapture struct{ stops int }

func (d *deniedCapture) Open(context.Context, capture.Constraints) error {
	return capture.ErrPermissionDenied
}
func (d *deniedCapture) StartStreaming(func(capture.Frame)) error { return capture.ErrNotOpen }
func (d *deniedCapture) Stop() error                              { d.stops++; return nil }

// eventLog records emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func eventsOf[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

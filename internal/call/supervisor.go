package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/metrics"
	"github.com/chadiek/practice-call/internal/transcribe"
)

const (
	DefaultReconnectBase  = time.Second
	DefaultReconnectMax   = 8 * time.Second
	DefaultMaxFailures    = 5
	reconnectMultiplier   = 2
	errChannelClosedCause = "transcription channel closed by backend"
)

// ReconnectPolicy bounds channel replacement.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxFailures int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Base <= 0 {
		p.Base = DefaultReconnectBase
	}
	if p.Max <= 0 {
		p.Max = DefaultReconnectMax
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultMaxFailures
	}
	return p
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          reconnectMultiplier,
		MaxInterval:         p.Max,
	}
	b.Reset()
	return b
}

// SupervisorHooks connect the supervisor to its owner.
type SupervisorHooks struct {
	// Forward receives transcript and speech boundary events.
	Forward func(transcribe.Event)
	// Notify receives ReconnectingEvent and ChannelOpenedEvent.
	Notify func(Event)
	// Reset is called when a replacement channel starts.
	Reset func()
	// Fatal is called once when the retry budget is exhausted.
	Fatal func(error)
}

// Supervisor owns the transcription channel: it opens it, watches it for
// failure and replaces it with capped exponential backoff. It never touches
// the transcript.
type Supervisor struct {
	cfg     transcribe.Config
	policy  ReconnectPolicy
	factory transcribe.Factory
	hooks   SupervisorHooks
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	current  transcribe.Channel
	failures int
	closed   bool

	// opening is the channel whose Open is in progress. It buffers frames
	// until the backend accepts the stream.
	opening transcribe.Channel
}

func NewSupervisor(cfg transcribe.Config, policy ReconnectPolicy, factory transcribe.Factory, hooks SupervisorHooks, log zerolog.Logger, m *metrics.Metrics) *Supervisor {
	if hooks.Forward == nil {
		hooks.Forward = func(transcribe.Event) {}
	}
	if hooks.Notify == nil {
		hooks.Notify = func(Event) {}
	}
	if hooks.Reset == nil {
		hooks.Reset = func() {}
	}
	if hooks.Fatal == nil {
		hooks.Fatal = func(error) {}
	}
	return &Supervisor{
		cfg:     cfg,
		policy:  policy.withDefaults(),
		factory: factory,
		hooks:   hooks,
		log:     log,
		metrics: m,
	}
}

// Run opens the first channel and keeps one open until ctx is done or the
// retry budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) {
	var cause error
	for {
		ch, err := s.connect(ctx, cause)
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				s.log.Error().Err(err).Msg("transcription unavailable")
				s.hooks.Fatal(err)
			}
			return
		}
		cause = s.watch(ctx, ch)
		s.release(ch)
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		s.log.Warn().Err(cause).Msg("transcription channel lost, replacing")
		s.hooks.Reset()
	}
}

// connect opens a channel, retrying with backoff. cause is non-nil when this
// replaces a failed channel, in which case even the first attempt waits.
func (s *Supervisor) connect(ctx context.Context, cause error) (transcribe.Channel, error) {
	b := s.policy.backOff()
	lastErr := cause
	for attempt := 1; attempt <= s.policy.MaxFailures; attempt++ {
		if attempt > 1 || cause != nil {
			d := b.NextBackOff()
			s.hooks.Notify(ReconnectingEvent{Attempt: attempt, Delay: d, Cause: lastErr})
			s.metrics.Reconnect("retry")
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		ch := s.factory()
		s.setOpening(ch)
		err := ch.Open(ctx, s.cfg)
		s.setOpening(nil)
		if err == nil {
			if !s.adopt(ch) {
				_ = ch.Close()
				return nil, ErrEnded
			}
			if attempt > 1 || cause != nil {
				s.metrics.Reconnect("opened")
			}
			s.log.Info().Int("attempt", attempt).Msg("transcription channel open")
			s.hooks.Notify(ChannelOpenedEvent{Attempt: attempt})
			return ch, nil
		}
		_ = ch.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("transcription channel open failed")
	}
	s.metrics.Reconnect("exhausted")
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrChannelUnrecoverable, s.policy.MaxFailures, lastErr)
}

func (s *Supervisor) setOpening(ch transcribe.Channel) {
	s.mu.Lock()
	s.opening = ch
	s.mu.Unlock()
}

func (s *Supervisor) adopt(ch transcribe.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.current = ch
	s.failures = 0
	return true
}

// watch forwards events until the channel fails or ctx is done. Any channel
// error is treated as fatal for that channel.
func (s *Supervisor) watch(ctx context.Context, ch transcribe.Channel) error {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New(errChannelClosedCause)
			}
			switch e := ev.(type) {
			case transcribe.ErrorEvent:
				return e.Err
			case transcribe.ClosedEvent:
				if e.Unexpected {
					return errors.New("transcription channel dropped")
				}
				return errors.New(errChannelClosedCause)
			case transcribe.TranscriptEvent, transcribe.SpeechBoundaryEvent:
				s.hooks.Forward(e)
			}
		}
	}
}

// release closes ch unless Close already took it.
func (s *Supervisor) release(ch transcribe.Channel) {
	s.mu.Lock()
	owned := s.current == ch
	if owned {
		s.current = nil
	}
	s.mu.Unlock()
	if owned {
		_ = ch.Close()
	}
}

// SendFrame forwards a frame to the open channel, or to the channel being
// opened. Frames that arrive during a backoff wait are lost.
func (s *Supervisor) SendFrame(f capture.Frame) {
	s.mu.Lock()
	ch := s.current
	if ch == nil {
		ch = s.opening
	}
	s.mu.Unlock()
	if ch == nil {
		s.metrics.FrameLost("reconnect")
		return
	}
	_ = ch.SendFrame(f)
}

func (s *Supervisor) Health() transcribe.Health {
	s.mu.Lock()
	ch, failures, closed := s.current, s.failures, s.closed
	s.mu.Unlock()
	var h transcribe.Health
	switch {
	case ch != nil:
		h = ch.Health()
	case closed:
		h.State = transcribe.StateClosed
	default:
		h.State = transcribe.StateConnecting
	}
	h.ConsecutiveFailures = failures
	return h
}

// Close closes the current channel. Later opens are discarded.
func (s *Supervisor) Close() {
	s.mu.Lock()
	ch := s.current
	s.current = nil
	s.closed = true
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

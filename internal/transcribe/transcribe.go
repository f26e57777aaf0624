// Package transcribe streams PCM audio to a speech-recognition backend and
// delivers transcript and voice-activity events as a closed set of typed
// variants on a single ordered channel.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chadiek/practice-call/internal/capture"
)

var (
	// ErrChannelOpen wraps any failure to establish the backend stream.
	ErrChannelOpen = errors.New("transcribe: channel open failed")
	ErrClosed      = errors.New("transcribe: channel closed")
)

// Config is sent to the backend when the stream starts.
type Config struct {
	SampleRate     int
	Encoding       string
	Language       string
	InterimResults bool
	// Endpointing is the trailing silence that ends an utterance.
	Endpointing time.Duration
	Model       string
}

func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		Encoding:       "linear16",
		Language:       "en-US",
		InterimResults: true,
		Endpointing:    300 * time.Millisecond,
		Model:          "nova-2",
	}
}

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Health is the connection view used for retry decisions.
type Health struct {
	State               State
	LastActivity        time.Time
	ConsecutiveFailures int
}

// Event is one of TranscriptEvent, SpeechBoundaryEvent, ErrorEvent or
// ClosedEvent.
type Event interface{ isEvent() }

// TranscriptEvent carries interim or final recognized text. For interim
// events Text is the whole utterance so far, not a delta.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// SpeechBoundaryEvent marks the start or end of detected speech.
type SpeechBoundaryEvent struct{ Started bool }

// ErrorEvent reports a transport or backend failure.
type ErrorEvent struct{ Err error }

// ClosedEvent is the last event a channel emits. Unexpected is false only
// when Close was called by the owner.
type ClosedEvent struct{ Unexpected bool }

func (TranscriptEvent) isEvent()     {}
func (SpeechBoundaryEvent) isEvent() {}
func (ErrorEvent) isEvent()          {}
func (ClosedEvent) isEvent()         {}

// Channel is a single-use streaming session. A failed or closed channel is
// replaced, never reopened.
type Channel interface {
	Open(ctx context.Context, cfg Config) error
	SendFrame(f capture.Frame) error
	Events() <-chan Event
	Health() Health
	Close() error
}

// Factory builds a fresh, unopened channel.
type Factory func() Channel

// Params carries everything the selectable backends need.
type Params struct {
	RelayURL      string
	DeepgramKey   string
	AssemblyAIKey string
	Options       []Option
}

// NewFactory selects a backend by name: relay, deepgram or assemblyai.
func NewFactory(provider string, p Params) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "relay":
		if p.RelayURL == "" {
			return nil, errors.New("transcribe: relay url is required")
		}
		return func() Channel { return NewRelay(p.RelayURL, p.Options...) }, nil
	case "deepgram":
		if p.DeepgramKey == "" {
			return nil, errors.New("transcribe: deepgram api key is required")
		}
		return func() Channel { return NewDeepgram(p.DeepgramKey, p.Options...) }, nil
	case "assemblyai":
		if p.AssemblyAIKey == "" {
			return nil, errors.New("transcribe: assemblyai api key is required")
		}
		return func() Channel { return NewAssemblyAI(p.AssemblyAIKey, p.Options...) }, nil
	}
	return nil, fmt.Errorf("transcribe: unknown provider %q", provider)
}

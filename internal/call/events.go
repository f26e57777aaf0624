package call

import (
	"time"

	"github.com/chadiek/practice-call/internal/conversation"
)

// Event is anything a transport may render for the user. The set is closed.
type Event interface{ isCallEvent() }

type StateChangedEvent struct {
	From State
	To   State
}

// CaptionEvent is live recognized text; interim captions are superseded.
type CaptionEvent struct {
	Text       string
	Final      bool
	Confidence float64
}

// UtteranceEvent reports a final utterance appended to the transcript.
type UtteranceEvent struct {
	Utterance conversation.Utterance
}

type SpeechEvent struct{ Started bool }

type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
	Cause   error
}

type ChannelOpenedEvent struct{ Attempt int }

type ErrorEvent struct {
	Err         error
	Recoverable bool
}

// SynthesisFallbackEvent marks a persona line that could not be voiced.
type SynthesisFallbackEvent struct {
	Text     string
	TextOnly bool
}

// EndedEvent is always the last event of a session.
type EndedEvent struct {
	Transcript []conversation.Utterance
	Duration   time.Duration
	Reason     string
}

func (StateChangedEvent) isCallEvent()      {}
func (CaptionEvent) isCallEvent()           {}
func (UtteranceEvent) isCallEvent()         {}
func (SpeechEvent) isCallEvent()            {}
func (ReconnectingEvent) isCallEvent()      {}
func (ChannelOpenedEvent) isCallEvent()     {}
func (ErrorEvent) isCallEvent()             {}
func (SynthesisFallbackEvent) isCallEvent() {}
func (EndedEvent) isCallEvent()             {}

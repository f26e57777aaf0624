// Package relay serves practice calls to browsers over a single websocket:
// JSON control messages and binary PCM audio in both directions.
package relay

import (
	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/conversation"
)

// Client to server message types. Binary frames carry 16kHz PCM16 mic audio.
const (
	TypeStartCall   = "start_call"
	TypeUserMessage = "user_message"
	TypeStop        = "stop"
)

// Server to client message types. Binary frames carry 48kHz PCM16 reply audio.
const (
	TypeReady         = "ready"
	TypeTranscript    = "transcript"
	TypeSpeechStarted = "speech_started"
	TypeUtteranceEnd  = "utterance_end"
	TypeAIResponse    = "ai_response"
	TypeState         = "state"
	TypeReconnecting  = "reconnecting"
	TypeError         = "error"
	TypeEnded         = "ended"
)

// Message is one JSON frame in either direction. Only the fields relevant to
// Type are set.
type Message struct {
	Type string `json:"type"`

	// start_call
	Scenario    string `json:"scenario,omitempty"`
	ClientName  string `json:"clientName,omitempty"`
	ClientType  string `json:"clientType,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
	Personality string `json:"personality,omitempty"`

	// ready
	CallID string `json:"callId,omitempty"`

	// transcript, user_message
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// ai_response
	Message string `json:"message,omitempty"`

	State   string `json:"state,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`

	// ended
	Reason     string                   `json:"reason,omitempty"`
	Duration   float64                  `json:"duration,omitempty"`
	Transcript []conversation.Utterance `json:"transcript,omitempty"`
}

// Encode maps a controller event to its wire message. Events the browser
// does not render report false.
func Encode(ev call.Event) (Message, bool) {
	switch e := ev.(type) {
	case call.StateChangedEvent:
		return Message{Type: TypeState, State: string(e.To)}, true
	case call.CaptionEvent:
		return Message{Type: TypeTranscript, Text: e.Text, IsFinal: e.Final, Confidence: e.Confidence}, true
	case call.UtteranceEvent:
		if e.Utterance.Speaker != conversation.SpeakerPersona {
			return Message{}, false
		}
		return Message{Type: TypeAIResponse, Message: e.Utterance.Text}, true
	case call.SpeechEvent:
		if e.Started {
			return Message{Type: TypeSpeechStarted}, true
		}
		return Message{Type: TypeUtteranceEnd}, true
	case call.ReconnectingEvent:
		return Message{Type: TypeReconnecting, Attempt: e.Attempt}, true
	case call.ChannelOpenedEvent, call.SynthesisFallbackEvent:
		// The persona line already went out as ai_response; a failed voice
		// also arrives as an ErrorEvent.
		return Message{}, false
	case call.ErrorEvent:
		return Message{Type: TypeError, Error: e.Err.Error()}, true
	case call.EndedEvent:
		return Message{
			Type:       TypeEnded,
			Reason:     e.Reason,
			Duration:   e.Duration.Seconds(),
			Transcript: e.Transcript,
		}, true
	}
	return Message{}, false
}

// ApplyOverrides customizes a catalog scenario with the fields the browser
// may send in start_call.
func ApplyOverrides(sc conversation.Scenario, m Message) conversation.Scenario {
	if m.ClientName != "" {
		sc.ClientName = m.ClientName
	}
	if m.ClientType != "" {
		sc.ClientType = m.ClientType
	}
	if m.Difficulty != "" {
		sc.Difficulty = conversation.ParseDifficulty(m.Difficulty)
	}
	if p := conversation.ParsePersonality(m.Personality); p != "" {
		sc.Personality = p
	}
	return sc
}

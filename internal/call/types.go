// Package call runs one practice conversation: it moves microphone audio to a
// transcription channel, turns final transcripts into persona replies and
// plays those replies back, strictly one turn at a time.
package call

import (
	"context"
	"strings"

	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/store"
)

// Responder produces the persona's next line.
type Responder interface {
	Respond(ctx context.Context, utterance string, history []conversation.Utterance, persona conversation.Scenario) (string, error)
}

// Synthesizer streams 48kHz PCM16 mono for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error)
}

// Sink consumes 48kHz PCM and delivers it to the listener at real-time pace.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pushes out any partial frame once a reply is complete.
	FlushTail()
	// Reset drops queued audio immediately.
	Reset()
	// Wait blocks until queued audio has been played.
	Wait(ctx context.Context) error
}

// Archive persists finished calls.
type Archive interface {
	Save(ctx context.Context, r store.Record) error
}

// State of the turn coordinator.
type State string

const (
	StateIdle            State = "idle"
	StatePersonaSpeaking State = "persona_speaking"
	StateListening       State = "listening"
	StateTranscribing    State = "transcribing"
	StateGenerating      State = "generating_reply"
	StateEnded           State = "ended"
)

// chunkReply splits a reply into sentence-like chunks so synthesis of the
// first sentence can start before the whole reply is voiced. Splits on '.',
// '?', '!' and newlines, keeping punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}

type nopSink struct{}

func (nopSink) WritePCM([]byte)            {}
func (nopSink) FlushTail()                 {}
func (nopSink) Reset()                     {}
func (nopSink) Wait(context.Context) error { return nil }

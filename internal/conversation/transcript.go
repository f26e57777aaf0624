package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerUser    Speaker = "user"
	SpeakerPersona Speaker = "persona"
)

// Utterance is one continuous span of speech from one speaker.
// At is the offset from the start of the call.
type Utterance struct {
	Speaker Speaker       `json:"speaker"`
	Text    string        `json:"text"`
	Final   bool          `json:"final"`
	At      time.Duration `json:"at"`
}

var (
	ErrNotFinal  = errors.New("conversation: only final utterances can be appended")
	ErrEmptyText = errors.New("conversation: utterance text is empty")
)

// Transcript is the ordered, append-only record of final utterances.
type Transcript struct {
	mu    sync.RWMutex
	items []Utterance
}

func NewTranscript() *Transcript { return &Transcript{} }

// Append adds a final utterance at the end. Existing entries are never touched.
func (t *Transcript) Append(u Utterance) error {
	if !u.Final {
		return ErrNotFinal
	}
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmptyText
	}
	t.mu.Lock()
	t.items = append(t.items, u)
	t.mu.Unlock()
	return nil
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Snapshot returns a copy of every utterance in order.
func (t *Transcript) Snapshot() []Utterance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Utterance, len(t.items))
	copy(out, t.items)
	return out
}

// Window returns a copy of the last n utterances (all of them when n <= 0).
func (t *Transcript) Window(n int) []Utterance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if n > 0 && len(t.items) > n {
		start = len(t.items) - n
	}
	out := make([]Utterance, len(t.items)-start)
	copy(out, t.items[start:])
	return out
}

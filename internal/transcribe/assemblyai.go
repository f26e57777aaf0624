package transcribe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/chadiek/practice-call/internal/vad"
)

const assemblyAIStreamURL = "wss://streaming.assemblyai.com/v3/ws"

const (
	// silenceThreshold is the inactivity window before an utterance is
	// considered complete.
	silenceThreshold = 700 * time.Millisecond
	// continuationExtension is added when the last word suggests the speaker
	// will go on ("and", "or", "if").
	continuationExtension = 1200 * time.Millisecond
	// stabilizationGrace absorbs late transcript updates before committing.
	stabilizationGrace = 250 * time.Millisecond
)

// AssemblyAI is a channel on AssemblyAI's v3 streaming API. The backend only
// streams turn text, so finals come from a local silence timer and speech
// boundaries from an energy VAD over the outbound audio.
type AssemblyAI struct {
	*stream
}

func NewAssemblyAI(apiKey string, opts ...Option) *AssemblyAI {
	p := &assemblyProtocol{
		apiKey:    apiKey,
		vad:       vad.New(vad.DefaultConfig()),
		silence:   silenceThreshold,
		extension: continuationExtension,
		grace:     stabilizationGrace,
	}
	return &AssemblyAI{stream: newStream("assemblyai", p, opts)}
}

type assemblyBegin struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type assemblyTurn struct {
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

type assemblyTermination struct {
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type assemblyProtocol struct {
	apiKey string
	vad    *vad.Detector

	silence, extension, grace time.Duration

	// edgeMu orders VAD boundaries against finals.
	edgeMu sync.Mutex

	mu         sync.Mutex
	emit       func(Event)
	latest     string
	committed  string
	confidence float64
	lastUpdate time.Time
	timer      *time.Timer
	inGrace    bool
	graceFrom  time.Time
	stopped    bool
}

func (p *assemblyProtocol) endpoint(cfg Config, base string) (string, http.Header, error) {
	if p.apiKey == "" {
		return "", nil, errors.New("assemblyai api key is empty")
	}
	if base == "" {
		base = assemblyAIStreamURL
	}
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("format_turns", "false")
	q.Set("encoding", "pcm_s16le")
	h := http.Header{}
	h.Set("Authorization", p.apiKey)
	return base + "?" + q.Encode(), h, nil
}

func (p *assemblyProtocol) greeting(Config) []any { return nil }

func (p *assemblyProtocol) handle(data []byte, emit func(Event)) error {
	typ, err := decodeType(data)
	if err != nil {
		return err
	}
	switch typ {
	case "Begin":
		var m assemblyBegin
		return json.Unmarshal(data, &m)
	case "Turn":
		var m assemblyTurn
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		p.onTurn(m, emit)
	case "Termination":
		var m assemblyTermination
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		p.commit(emit)
	case "Error":
		var m struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &m)
		emit(ErrorEvent{Err: fmt.Errorf("assemblyai: %s", m.Error)})
	default:
		return fmt.Errorf("unknown message type %q", typ)
	}
	return nil
}

func (p *assemblyProtocol) onTurn(m assemblyTurn, emit func(Event)) {
	if strings.TrimSpace(m.Transcript) == "" {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.emit = emit
	p.latest = m.Transcript
	p.confidence = m.EndOfTurnConfidence
	p.lastUpdate = time.Now()
	p.inGrace = false
	interim := deltaSince(p.latest, p.committed)
	p.arm(p.silence)
	p.mu.Unlock()

	if interim != "" {
		emit(TranscriptEvent{Text: interim, Confidence: m.EndOfTurnConfidence})
	}
}

// arm (re)starts the silence timer. Callers hold p.mu.
func (p *assemblyProtocol) arm(d time.Duration) {
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(d, p.fire)
		return
	}
	p.timer.Stop()
	p.timer.Reset(d)
}

func (p *assemblyProtocol) threshold() time.Duration {
	if isContinuationLikely(p.latest) {
		return p.silence + p.extension
	}
	return p.silence
}

func (p *assemblyProtocol) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	threshold := p.threshold()
	sinceText := now.Sub(p.lastUpdate)

	if p.inGrace {
		p.inGrace = false
		if p.lastUpdate.After(p.graceFrom) {
			p.arm(threshold - sinceText)
			p.mu.Unlock()
			return
		}
		emit := p.emit
		p.mu.Unlock()
		p.commit(emit)
		return
	}

	wait := time.Duration(0)
	if sinceText < threshold {
		wait = threshold - sinceText
	}
	if lv := p.vad.LastVoice(); !lv.IsZero() {
		if sinceVoice := now.Sub(lv); sinceVoice < threshold && threshold-sinceVoice > wait {
			wait = threshold - sinceVoice
		}
	}
	if wait > 0 {
		p.arm(wait)
		p.mu.Unlock()
		return
	}
	p.inGrace = true
	p.graceFrom = p.lastUpdate
	p.arm(p.grace)
	p.mu.Unlock()
}

// commit emits the uncommitted part of the turn as a final, preceded by a
// speech end boundary when the VAD still considers speech open.
func (p *assemblyProtocol) commit(emit func(Event)) {
	p.mu.Lock()
	delta := deltaSince(p.latest, p.committed)
	p.committed = p.latest
	conf := p.confidence
	p.mu.Unlock()
	if delta == "" || emit == nil {
		return
	}

	p.edgeMu.Lock()
	defer p.edgeMu.Unlock()
	if p.vad.Speaking() {
		p.vad.Reset()
		emit(SpeechBoundaryEvent{Started: false})
	}
	emit(TranscriptEvent{Text: delta, IsFinal: true, Confidence: conf})
}

func (p *assemblyProtocol) audio(pcm []byte, emit func(Event)) {
	p.edgeMu.Lock()
	defer p.edgeMu.Unlock()
	for _, b := range p.vad.Feed(pcm) {
		emit(SpeechBoundaryEvent{Started: b.Started})
	}
}

func (p *assemblyProtocol) farewell() any { return map[string]string{"type": "Terminate"} }

func (p *assemblyProtocol) shutdown() {
	p.mu.Lock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
}

// deltaSince returns the part of latest that follows the committed text.
func deltaSince(latest, committed string) string {
	delta := strings.TrimSpace(strings.TrimPrefix(latest, committed))
	if delta == "" && committed != "" {
		if idx := strings.LastIndex(latest, committed); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(committed):])
		}
	}
	return delta
}

// isContinuationLikely reports whether the last word suggests the speaker
// is about to continue the sentence.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

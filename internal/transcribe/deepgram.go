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
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram is a channel on Deepgram's live listen API. is_final segments are
// accumulated and released as one final on speech_final or UtteranceEnd.
type Deepgram struct {
	*stream
}

func NewDeepgram(apiKey string, opts ...Option) *Deepgram {
	return &Deepgram{stream: newStream("deepgram", &deepgramProtocol{apiKey: apiKey}, opts)}
}

type deepgramResults struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

type deepgramProtocol struct {
	apiKey string

	mu       sync.Mutex
	segments []string
	confSum  float64
	speaking bool
}

func (p *deepgramProtocol) endpoint(cfg Config, base string) (string, http.Header, error) {
	if p.apiKey == "" {
		return "", nil, errors.New("deepgram api key is empty")
	}
	if base == "" {
		base = deepgramListenURL
	}
	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("endpointing", strconv.FormatInt(cfg.Endpointing.Milliseconds(), 10))
	q.Set("vad_events", "true")
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	if cfg.InterimResults {
		q.Set("utterance_end_ms", "1000")
	}
	h := http.Header{}
	h.Set("Authorization", "Token "+p.apiKey)
	return base + "?" + q.Encode(), h, nil
}

func (p *deepgramProtocol) greeting(Config) []any { return nil }

func (p *deepgramProtocol) handle(data []byte, emit func(Event)) error {
	typ, err := decodeType(data)
	if err != nil {
		return err
	}
	switch typ {
	case "Results":
		var m deepgramResults
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		p.onResults(m, emit)
	case "SpeechStarted":
		p.mu.Lock()
		p.speaking = true
		p.mu.Unlock()
		emit(SpeechBoundaryEvent{Started: true})
	case "UtteranceEnd":
		p.flush(emit)
	case "Metadata":
	case "Error":
		var m struct {
			Description string `json:"description"`
			Message     string `json:"message"`
		}
		_ = json.Unmarshal(data, &m)
		emit(ErrorEvent{Err: fmt.Errorf("deepgram: %s %s", m.Description, m.Message)})
	default:
		return fmt.Errorf("unknown message type %q", typ)
	}
	return nil
}

func (p *deepgramProtocol) onResults(m deepgramResults, emit func(Event)) {
	if len(m.Channel.Alternatives) == 0 {
		return
	}
	alt := m.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)

	p.mu.Lock()
	if !m.IsFinal {
		sofar := p.joined(text)
		p.mu.Unlock()
		if sofar != "" {
			emit(TranscriptEvent{Text: sofar, Confidence: alt.Confidence})
		}
		return
	}
	if text != "" {
		p.segments = append(p.segments, text)
		p.confSum += alt.Confidence
	}
	sofar := p.joined("")
	p.mu.Unlock()

	if m.SpeechFinal {
		p.flush(emit)
		return
	}
	if sofar != "" {
		emit(TranscriptEvent{Text: sofar, Confidence: alt.Confidence})
	}
}

// flush releases the accumulated utterance. The end boundary always goes
// out before the final.
func (p *deepgramProtocol) flush(emit func(Event)) {
	p.mu.Lock()
	text := p.joined("")
	var conf float64
	if n := len(p.segments); n > 0 {
		conf = p.confSum / float64(n)
	}
	wasSpeaking := p.speaking
	p.segments, p.confSum, p.speaking = nil, 0, false
	p.mu.Unlock()

	if text == "" {
		if wasSpeaking {
			emit(SpeechBoundaryEvent{Started: false})
		}
		return
	}
	emit(SpeechBoundaryEvent{Started: false})
	emit(TranscriptEvent{Text: text, IsFinal: true, Confidence: conf})
}

func (p *deepgramProtocol) joined(tail string) string {
	parts := p.segments
	if tail != "" {
		parts = append(parts[:len(parts):len(parts)], tail)
	}
	return strings.Join(parts, " ")
}

func (p *deepgramProtocol) audio([]byte, func(Event)) {}

func (p *deepgramProtocol) farewell() any { return map[string]string{"type": "CloseStream"} }

func (p *deepgramProtocol) shutdown() {}

package transcribe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Relay speaks the generic streaming protocol: a JSON start message, binary
// PCM frames out, and transcript/speech_started/speech_ended/error JSON
// events in.
type Relay struct {
	*stream
}

func NewRelay(rawURL string, opts ...Option) *Relay {
	opts = append([]Option{WithURL(rawURL)}, opts...)
	return &Relay{stream: newStream("relay", relayProtocol{}, opts)}
}

type relayStart struct {
	Type           string `json:"type"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sample_rate"`
	Language       string `json:"language"`
	InterimResults bool   `json:"interim_results"`
	Endpointing    int64  `json:"endpointing"`
}

type relayMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

type relayProtocol struct{}

func (relayProtocol) endpoint(_ Config, base string) (string, http.Header, error) {
	if base == "" {
		return "", nil, errors.New("relay url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", nil, fmt.Errorf("relay url must be ws or wss, got %q", u.Scheme)
	}
	return u.String(), http.Header{}, nil
}

func (relayProtocol) greeting(cfg Config) []any {
	return []any{relayStart{
		Type:           "start",
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Language:       cfg.Language,
		InterimResults: cfg.InterimResults,
		Endpointing:    cfg.Endpointing.Milliseconds(),
	}}
}

func (relayProtocol) handle(data []byte, emit func(Event)) error {
	var m relayMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	switch m.Type {
	case "transcript":
		emit(TranscriptEvent{Text: m.Text, IsFinal: m.IsFinal, Confidence: m.Confidence})
	case "speech_started":
		emit(SpeechBoundaryEvent{Started: true})
	case "speech_ended":
		emit(SpeechBoundaryEvent{Started: false})
	case "error":
		emit(ErrorEvent{Err: fmt.Errorf("relay backend: %s", m.Error)})
	case "":
		return errors.New("message missing type field")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func (relayProtocol) audio([]byte, func(Event)) {}

func (relayProtocol) farewell() any { return map[string]string{"type": "stop"} }

func (relayProtocol) shutdown() {}

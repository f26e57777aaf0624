package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient streams PCM from the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
	BaseURL string
	HTTP    *http.Client
	log     zerolog.Logger
}

func NewElevenLabsClient(apiKey, voiceID string, log zerolog.Logger) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:  apiKey,
		VoiceID: voiceID,
		BaseURL: elevenLabsBaseURL,
		HTTP:    &http.Client{Timeout: 0},
		log:     log.With().Str("component", "tts").Str("backend", "elevenlabs").Logger(),
	}
}

// Synthesize streams 48kHz PCM16 mono. An empty voiceID uses the client's
// default voice.
func (e *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if voiceID == "" {
			voiceID = e.VoiceID
		}
		if e.APIKey == "" || voiceID == "" {
			errCh <- errors.New("elevenlabs: api key or voice id missing")
			return
		}
		if err := e.httpStream(ctx, text, voiceID, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text, voiceID string, pcmCh chan<- []byte) error {
	base := e.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream"
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	// 0..4, lower trades quality for first-byte latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	first := true
	// PCM16 samples must not be split across chunks
	var odd []byte
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if first {
				e.log.Debug().Int("bytes", n).Msg("receiving audio stream")
				first = false
			}
			data := append(odd, chunk[:n]...)
			even := len(data) &^ 1
			out := make([]byte, even)
			copy(out, data[:even])
			odd = append([]byte(nil), data[even:]...)
			if len(out) > 0 {
				select {
				case pcmCh <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}

package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

// DeepgramClient synthesizes with Deepgram Aura over the speak websocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        zerolog.Logger

	// IdleWindow ends a stream once audio stopped arriving for this long.
	IdleWindow time.Duration
	// MaxDuration bounds a single synthesis.
	MaxDuration time.Duration
}

func NewDeepgramClient(apiKey, model string, log zerolog.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:      apiKey,
		model:       model,
		sampleRate:  SampleRate,
		encoding:    "linear16",
		log:         log.With().Str("component", "tts").Str("backend", "deepgram").Logger(),
		IdleWindow:  400 * time.Millisecond,
		MaxDuration: 12 * time.Second,
	}
}

// Synthesize streams 48kHz PCM16 mono. voiceID selects an Aura model when it
// names one; other voice ids (for example ElevenLabs ids) are ignored.
func (d *DeepgramClient) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- errors.New("deepgram: API key missing")
			return
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		model := d.model
		if strings.HasPrefix(voiceID, "aura") {
			model = voiceID
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(e *msginterfaces.ErrorResponse) {
				d.log.Warn().Interface("error", e).Msg("speak error")
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- errors.New("deepgram: connect failed")
			return
		}

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn().Err(err).Msg("flush failed")
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxDuration)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > d.IdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					if atomic.LoadInt32(&seenAudio) == 0 {
						errCh <- errors.New("deepgram: no audio before deadline")
					}
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil && e != nil {
		s.onError(e)
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}

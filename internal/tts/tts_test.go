package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synthesize runs one request against s and collects its audio and error.
func synthesize(t *testing.T, s Streamer, text, voiceID string) ([]byte, error) {
	t.Helper()
	pcm, errs := s.Synthesize(context.Background(), text, voiceID)
	var got []byte
	for b := range pcm {
		got = append(got, b...)
	}
	return got, <-errs
}

func TestElevenLabs_StreamsVoiceAndKeepsSamplesWhole(t *testing.T) {
	var (
		path, key, format string
		body              map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("xi-api-key")
		format = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&body)
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte{1, 2, 3})
		fl.Flush()
		_, _ = w.Write([]byte{4, 5, 6})
	}))
	defer srv.Close()

	c := NewElevenLabsClient("xi", "default-voice", zerolog.Nop())
	c.BaseURL = srv.URL
	got, err := synthesize(t, c, "Hi there.", "scenario-voice")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
	assert.Equal(t, "/v1/text-to-speech/scenario-voice/stream", path)
	assert.Equal(t, "xi", key)
	assert.Equal(t, "pcm_48000", format)
	assert.Equal(t, "Hi there.", body["text"])
}

func TestElevenLabs_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewElevenLabsClient("xi", "v", zerolog.Nop())
	c.BaseURL = srv.URL
	_, err := synthesize(t, c, "hello", "")
	assert.ErrorContains(t, err, "status=429")

	_, err = synthesize(t, NewElevenLabsClient("", "v", zerolog.Nop()), "hello", "")
	assert.Error(t, err)
}

type fakeStreamer struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	voices []string
}

func (f *fakeStreamer) Synthesize(_ context.Context, _ string, voice string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.voices = append(f.voices, voice)
	f.mu.Unlock()
	pcm := make(chan []byte, len(f.chunks))
	errs := make(chan error, 1)
	for _, c := range f.chunks {
		pcm <- c
	}
	close(pcm)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return pcm, errs
}

func TestChain_FallsBackWhenPrimaryProducesNothing(t *testing.T) {
	primary := &fakeStreamer{err: errors.New("401")}
	fallback := &fakeStreamer{chunks: [][]byte{{9, 9}}}
	var skipped []string
	c := NewChain(zerolog.Nop(), []Stage{
		{Name: "elevenlabs", Synth: primary},
		{Name: "deepgram", Synth: fallback, Voice: "aura-2-thalia-en"},
	}, OnFallback(func(stage string, _ error) { skipped = append(skipped, stage) }))

	got, err := synthesize(t, c, "hi", "21m00Tcm4TlvDq8ikWAM")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got)
	assert.Equal(t, []string{"elevenlabs"}, skipped)
	assert.Equal(t, []string{"21m00Tcm4TlvDq8ikWAM"}, primary.voices)
	assert.Equal(t, []string{"aura-2-thalia-en"}, fallback.voices)
}

func TestChain_ErrorAfterAudioDoesNotFallBack(t *testing.T) {
	primary := &fakeStreamer{chunks: [][]byte{{1, 1}}, err: errors.New("reset")}
	fallback := &fakeStreamer{chunks: [][]byte{{2, 2}}}
	c := NewChain(zerolog.Nop(), []Stage{{Name: "a", Synth: primary}, {Name: "b", Synth: fallback}})

	got, err := synthesize(t, c, "hi", "")
	assert.Equal(t, []byte{1, 1}, got)
	assert.ErrorContains(t, err, "reset")
	assert.Empty(t, fallback.voices)
}

func TestChain_AllStagesFail(t *testing.T) {
	c := NewChain(zerolog.Nop(), []Stage{
		{Name: "a", Synth: &fakeStreamer{err: errors.New("down")}},
		{Name: "b", Synth: &fakeStreamer{}},
	})
	got, err := synthesize(t, c, "hi", "")
	assert.Empty(t, got)
	require.ErrorIs(t, err, ErrNoAudio)
	assert.ErrorContains(t, err, "down")
	assert.ErrorContains(t, err, "empty stream")
}

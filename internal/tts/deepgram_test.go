package tts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// Without an API key the stream must fail fast.
func TestDeepgram_Synthesize_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.Synthesize(ctx, "hello", "")
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timeout waiting for error")
	}
	_, ok := <-pcmCh
	assert.False(t, ok)
}

func TestDeepgram_EmptyTextEndsQuietly(t *testing.T) {
	d := NewDeepgramClient("key", "aura-2-thalia-en", zerolog.Nop())
	pcmCh, errCh := d.Synthesize(context.Background(), "   ", "")
	_, ok := <-pcmCh
	assert.False(t, ok)
	assert.NoError(t, <-errCh)
}

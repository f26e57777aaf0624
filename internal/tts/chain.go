// Package tts synthesizes persona replies to 48kHz PCM16 mono.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// SampleRate of every stream produced by this package.
const SampleRate = 48000

// ErrNoAudio is returned when no stage of a Chain produced audio.
var ErrNoAudio = errors.New("tts: no synthesizer produced audio")

// Streamer produces PCM chunks for text. The pcm channel closes when the
// stream ends; the error channel carries at most one error.
type Streamer interface {
	Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error)
}

// Stage is one synthesizer in a fallback chain. A non-empty Voice replaces
// the caller's voice id for this stage.
type Stage struct {
	Name  string
	Synth Streamer
	Voice string
}

// Chain tries stages in order and moves to the next one only when a stage
// fails before producing any audio. Once audio has flowed, a later error
// ends the stream instead of replaying the text on another voice.
type Chain struct {
	stages     []Stage
	log        zerolog.Logger
	onFallback func(stage string, err error)
}

type ChainOption func(*Chain)

// OnFallback is called each time a stage is skipped.
func OnFallback(fn func(stage string, err error)) ChainOption {
	return func(c *Chain) { c.onFallback = fn }
}

func NewChain(log zerolog.Logger, stages []Stage, opts ...ChainOption) *Chain {
	c := &Chain{stages: stages, log: log.With().Str("component", "tts").Logger()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Chain) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		var errs []error
		for _, st := range c.stages {
			voice := voiceID
			if st.Voice != "" {
				voice = st.Voice
			}
			produced, err := c.forward(ctx, st, text, voice, pcmCh)
			if ctx.Err() != nil {
				return
			}
			if produced {
				if err != nil {
					errCh <- fmt.Errorf("%s: %w", st.Name, err)
				}
				return
			}
			if err == nil {
				err = errors.New("empty stream")
			}
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
			c.log.Warn().Err(err).Str("stage", st.Name).Msg("synthesizer produced no audio, falling back")
			if c.onFallback != nil {
				c.onFallback(st.Name, err)
			}
		}
		errCh <- fmt.Errorf("%w: %w", ErrNoAudio, errors.Join(errs...))
	}()
	return pcmCh, errCh
}

// forward copies one stage's stream into out and reports whether any audio
// was produced.
func (c *Chain) forward(ctx context.Context, st Stage, text, voice string, out chan<- []byte) (bool, error) {
	pcm, errs := st.Synth.Synthesize(ctx, text, voice)
	produced := false
	var firstErr error
	for pcm != nil || errs != nil {
		select {
		case b, ok := <-pcm:
			if !ok {
				pcm = nil
				continue
			}
			if len(b) == 0 {
				continue
			}
			produced = true
			select {
			case out <- b:
			case <-ctx.Done():
				return produced, ctx.Err()
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if e != nil && firstErr == nil {
				firstErr = e
			}
		case <-ctx.Done():
			return produced, ctx.Err()
		}
	}
	return produced, firstErr
}

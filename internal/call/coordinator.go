package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/metrics"
	"github.com/chadiek/practice-call/internal/transcribe"
)

const (
	DefaultResponderTimeout = 10 * time.Second
	DefaultMinChars         = 2
	DefaultHistoryWindow    = 12
	DefaultFallbackLine     = "Could you say that again?"
)

// CoordinatorConfig tunes the turn cycle. Zero values take the defaults.
type CoordinatorConfig struct {
	Persona          conversation.Scenario
	ResponderTimeout time.Duration
	MinChars         int
	HistoryWindow    int
	FallbackLine     string
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.ResponderTimeout <= 0 {
		c.ResponderTimeout = DefaultResponderTimeout
	}
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if strings.TrimSpace(c.FallbackLine) == "" {
		c.FallbackLine = DefaultFallbackLine
	}
	return c
}

// Coordinator is the turn-taking state machine. It is the only writer of the
// transcript and runs at most one reply cycle at a time. The emit callback is
// invoked with the coordinator lock held and must not call back into it.
type Coordinator struct {
	cfg        CoordinatorConfig
	log        zerolog.Logger
	responder  Responder
	synth      Synthesizer
	sink       Sink
	metrics    *metrics.Metrics
	emit       func(Event)
	transcript *conversation.Transcript
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	pending   []string
	startedAt time.Time
	endedAt   time.Time

	// heardSpeech is set when the user starts speaking while a reply is
	// being generated. Only then is a final buffered for the next cycle.
	heardSpeech bool
}

func NewCoordinator(ctx context.Context, cfg CoordinatorConfig, r Responder, s Synthesizer, sink Sink, emit func(Event), log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	if sink == nil {
		sink = nopSink{}
	}
	if emit == nil {
		emit = func(Event) {}
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		cfg:        cfg.withDefaults(),
		log:        log,
		responder:  r,
		synth:      s,
		sink:       sink,
		metrics:    m,
		emit:       emit,
		transcript: conversation.NewTranscript(),
		now:        time.Now,
		ctx:        cctx,
		cancel:     cancel,
		state:      StateIdle,
	}
}

// Begin leaves Idle by voicing the persona's opening line.
func (c *Coordinator) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle:
	case StateEnded:
		return ErrEnded
	default:
		return ErrAlreadyStarted
	}
	c.startedAt = c.now()
	line := strings.TrimSpace(c.cfg.Persona.OpeningLine)
	c.enterSpeakingLocked(line)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.voice(line)
	}()
	return nil
}

// Dispatch routes one transcription event. Events are ignored while the
// microphone is masked.
func (c *Coordinator) Dispatch(ev transcribe.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maskedLocked() {
		return
	}
	switch e := ev.(type) {
	case transcribe.TranscriptEvent:
		if e.IsFinal {
			c.finalLocked(e, false)
		} else {
			c.interimLocked(e)
		}
	case transcribe.SpeechBoundaryEvent:
		c.emit(SpeechEvent{Started: e.Started})
		switch {
		case !e.Started:
		case c.state == StateListening:
			c.setLocked(StateTranscribing)
		case c.state == StateGenerating:
			c.heardSpeech = true
		}
	case transcribe.ErrorEvent, transcribe.ClosedEvent:
		// channel lifecycle is handled by the supervisor
	}
}

// SubmitText treats typed input as a final transcript.
func (c *Coordinator) SubmitText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return ErrEnded
	}
	if !c.maskedLocked() {
		c.finalLocked(transcribe.TranscriptEvent{Text: text, IsFinal: true, Confidence: 1}, true)
	}
	return nil
}

// ChannelReset drops an in-progress user utterance after the transcription
// channel was replaced; its interim text died with the old channel.
func (c *Coordinator) ChannelReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTranscribing {
		c.setLocked(StateListening)
	}
}

// End moves to Ended and cancels any in-flight reply. It reports whether this
// call performed the transition.
func (c *Coordinator) End() bool {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return false
	}
	c.endedAt = c.now()
	c.pending = nil
	c.setLocked(StateEnded)
	c.mu.Unlock()
	c.cancel()
	return true
}

// Wait blocks until the reply goroutines have returned. Call after End.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MicMasked reports whether captured audio must not reach the channel.
func (c *Coordinator) MicMasked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maskedLocked()
}

// Duration is measured from the opening line to Ended.
func (c *Coordinator) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.startedAt.IsZero():
		return 0
	case c.endedAt.IsZero():
		return c.now().Sub(c.startedAt)
	}
	return c.endedAt.Sub(c.startedAt)
}

func (c *Coordinator) Transcript() *conversation.Transcript { return c.transcript }

func (c *Coordinator) maskedLocked() bool {
	switch c.state {
	case StateIdle, StatePersonaSpeaking, StateEnded:
		return true
	}
	return false
}

func (c *Coordinator) setLocked(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.log.Debug().Str("from", string(from)).Str("to", string(s)).Msg("state")
	c.emit(StateChangedEvent{From: from, To: s})
}

func (c *Coordinator) appendLocked(sp conversation.Speaker, text string) {
	u := conversation.Utterance{Speaker: sp, Text: text, Final: true, At: c.now().Sub(c.startedAt)}
	if err := c.transcript.Append(u); err != nil {
		c.log.Warn().Err(err).Msg("append utterance")
		return
	}
	c.emit(UtteranceEvent{Utterance: u})
}

func (c *Coordinator) interimLocked(e transcribe.TranscriptEvent) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	c.emit(CaptionEvent{Text: text, Confidence: e.Confidence})
	if c.state == StateListening {
		c.setLocked(StateTranscribing)
	}
}

// finalLocked handles a final transcript. During generation a final is kept
// for the next cycle only if it follows a speech start or was typed; any
// other final then is a late duplicate of the utterance being answered.
func (c *Coordinator) finalLocked(e transcribe.TranscriptEvent, typed bool) {
	text := strings.TrimSpace(e.Text)
	if utf8.RuneCountInString(text) < c.cfg.MinChars {
		if text != "" {
			c.log.Debug().Str("text", text).Msg("final below threshold, discarded")
		}
		return
	}
	if c.state == StateGenerating && !c.heardSpeech && !typed {
		c.log.Debug().Str("text", text).Msg("final during generation without new speech, discarded")
		return
	}
	c.emit(CaptionEvent{Text: text, Final: true, Confidence: e.Confidence})
	switch c.state {
	case StateGenerating:
		c.pending = append(c.pending, text)
		c.heardSpeech = false
	case StateListening, StateTranscribing:
		c.startCycleLocked(text)
	}
}

func (c *Coordinator) startCycleLocked(text string) {
	c.appendLocked(conversation.SpeakerUser, text)
	c.heardSpeech = false
	c.setLocked(StateGenerating)
	c.wg.Add(1)
	go c.runCycle(text)
}

func (c *Coordinator) enterSpeakingLocked(text string) {
	if text != "" {
		c.appendLocked(conversation.SpeakerPersona, text)
	}
	c.setLocked(StatePersonaSpeaking)
}

func (c *Coordinator) runCycle(userText string) {
	defer c.wg.Done()

	// The window includes the utterance just appended; it is passed separately.
	history := c.transcript.Window(c.cfg.HistoryWindow + 1)
	if len(history) > 0 {
		history = history[:len(history)-1]
	}
	reply, ok := c.generate(userText, history)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state != StateGenerating {
		c.mu.Unlock()
		return
	}
	c.enterSpeakingLocked(reply)
	c.mu.Unlock()
	c.voice(reply)
}

// generate asks the responder for a reply; any failure yields the fallback
// line. ok is false when the call ended meanwhile.
func (c *Coordinator) generate(text string, history []conversation.Utterance) (string, bool) {
	policy := ReplyPolicy{Timeout: c.cfg.ResponderTimeout, FallbackLine: c.cfg.FallbackLine}
	rep, err := GenerateReply(c.ctx, c.responder, policy, text, history, c.cfg.Persona)
	if err != nil {
		return "", false
	}
	if rep.Fallback {
		c.log.Warn().Err(rep.Err).Msg("reply generation failed, using fallback line")
		c.metrics.GenerationFallback(rep.Reason)
		c.emit(ErrorEvent{Err: rep.Err, Recoverable: true})
	}
	c.metrics.ObserveReply(rep.Latency)
	return rep.Text, true
}

// voice plays text and re-arms listening once playback completes.
func (c *Coordinator) voice(text string) {
	if text != "" {
		c.play(text)
	}
	c.finishSpeaking()
}

func (c *Coordinator) play(text string) {
	var (
		produced int
		lastErr  error
	)
	for _, chunk := range chunkReply(text) {
		n, err := c.synthesize(chunk)
		produced += n
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("chunk", chunk).Msg("synthesis failed")
		}
		if c.ctx.Err() != nil {
			return
		}
	}
	if produced == 0 {
		if lastErr == nil {
			lastErr = errors.New("no audio")
		}
		c.metrics.SynthesisFallback("text_only")
		c.emit(SynthesisFallbackEvent{Text: text, TextOnly: true})
		c.emit(ErrorEvent{Err: fmt.Errorf("%w: %w", ErrSynthesis, lastErr), Recoverable: true})
		return
	}
	c.sink.FlushTail()
	if err := c.sink.Wait(c.ctx); err != nil && c.ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("playback wait")
	}
}

func (c *Coordinator) synthesize(chunk string) (int, error) {
	pcmCh, errCh := c.synth.Synthesize(c.ctx, chunk, c.cfg.Persona.VoiceID)
	var (
		n       int
		lastErr error
	)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 {
				n += len(b)
				c.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil {
				lastErr = e
			}
		case <-c.ctx.Done():
			return n, c.ctx.Err()
		}
	}
	return n, lastErr
}

func (c *Coordinator) finishSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePersonaSpeaking {
		return
	}
	c.setLocked(StateListening)
	if len(c.pending) > 0 {
		text := strings.Join(c.pending, " ")
		c.pending = nil
		c.startCycleLocked(text)
	}
}

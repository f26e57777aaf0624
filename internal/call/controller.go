package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/metrics"
	"github.com/chadiek/practice-call/internal/store"
	"github.com/chadiek/practice-call/internal/transcribe"
)

const (
	defaultQueueSize   = 50 // one second of 20ms frames
	defaultEventBuffer = 256
	endedEmitTimeout   = time.Second
	archiveTimeout     = 5 * time.Second
)

// End reasons.
const (
	ReasonCompleted                = "completed"
	ReasonPermissionDenied         = "microphone_permission_denied"
	ReasonDeviceUnavailable        = "microphone_unavailable"
	ReasonTranscriptionUnavailable = "transcription_unavailable"
	ReasonError                    = "error"
)

// Config describes one session. Zero values take defaults.
type Config struct {
	Transport   string
	Capture     capture.Constraints
	Channel     transcribe.Config
	Coordinator CoordinatorConfig
	Reconnect   ReconnectPolicy
	QueueSize   int
	EventBuffer int
}

// Deps are the collaborators a session drives. Sink, Archive and Metrics
// are optional.
type Deps struct {
	Capture     capture.Session
	Channels    transcribe.Factory
	Responder   Responder
	Synthesizer Synthesizer
	Sink        Sink
	Archive     Archive
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Controller owns a call session end to end and publishes its events.
type Controller struct {
	id     string
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	evMu     sync.RWMutex
	evClosed bool

	endOnce sync.Once

	mu        sync.Mutex
	started   bool
	ended     bool
	scenario  conversation.Scenario
	startedAt time.Time
	coord     *Coordinator
	sup       *Supervisor
	queue     *capture.FrameQueue
	err       error
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Transport == "" {
		cfg.Transport = "unknown"
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	id := uuid.NewString()
	// The session outlives the request that started it.
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With().Str("call_id", id).Str("transport", cfg.Transport).Logger(),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Controller) ID() string { return c.id }

// Events is closed after the EndedEvent.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed once the session has fully shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err is the fatal error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start opens capture, starts the transcription supervisor and plays the
// persona's opening line. ctx bounds only the device open.
func (c *Controller) Start(ctx context.Context, scenario conversation.Scenario) error {
	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return ErrEnded
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.scenario = scenario
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.deps.Capture.Open(ctx, c.cfg.Capture); err != nil {
		c.log.Error().Err(err).Msg("open capture")
		c.endWith(err)
		return err
	}

	ccfg := c.cfg.Coordinator
	ccfg.Persona = scenario
	coord := NewCoordinator(c.ctx, ccfg, c.deps.Responder, c.deps.Synthesizer, c.deps.Sink, c.emit,
		c.log.With().Str("component", "coordinator").Logger(), c.deps.Metrics)
	queue := capture.NewFrameQueue(c.cfg.QueueSize,
		capture.WithLogger(c.log),
		capture.WithDropHook(func() { c.deps.Metrics.FrameLost("queue") }),
	)
	sup := NewSupervisor(c.cfg.Channel, c.cfg.Reconnect, c.deps.Channels, SupervisorHooks{
		Forward: coord.Dispatch,
		Notify:  c.emit,
		Reset:   coord.ChannelReset,
		// Run is tracked by wg, which endWith waits on.
		Fatal: func(err error) { go c.endWith(err) },
	}, c.log.With().Str("component", "supervisor").Logger(), c.deps.Metrics)

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		_ = c.deps.Capture.Stop()
		return ErrEnded
	}
	c.coord, c.sup, c.queue = coord, sup, queue
	c.mu.Unlock()
	c.deps.Metrics.CallStarted(c.cfg.Transport)

	err := c.deps.Capture.StartStreaming(func(f capture.Frame) {
		if coord.MicMasked() {
			f = f.Silence()
		}
		queue.Push(f)
	})
	if err != nil {
		c.log.Error().Err(err).Msg("start capture")
		c.endWith(err)
		return err
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := capture.Pump(c.ctx, queue, sup.SendFrame); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Msg("frame pump stopped")
		}
	}()
	go func() {
		defer c.wg.Done()
		sup.Run(c.ctx)
	}()

	c.log.Info().Str("scenario", scenario.ID).Msg("call started")
	// The supervisor may already have ended the session.
	if err := coord.Begin(); err != nil && !errors.Is(err, ErrEnded) {
		return err
	}
	return nil
}

// SubmitText injects typed user input as a final transcript.
func (c *Controller) SubmitText(text string) error {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		return ErrEnded
	}
	return coord.SubmitText(text)
}

func (c *Controller) State() State {
	c.mu.Lock()
	coord, ended := c.coord, c.ended
	c.mu.Unlock()
	switch {
	case coord != nil:
		return coord.State()
	case ended:
		return StateEnded
	}
	return StateIdle
}

// Transcript returns a copy of the final utterances so far.
func (c *Controller) Transcript() []conversation.Utterance {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Transcript().Snapshot()
}

func (c *Controller) Health() transcribe.Health {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return transcribe.Health{State: transcribe.StateClosed}
	}
	return sup.Health()
}

func (c *Controller) Scenario() conversation.Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scenario
}

// End stops the session. Safe to call any number of times from any goroutine;
// it returns after the EndedEvent was published.
func (c *Controller) End() { c.endWith(nil) }

func (c *Controller) endWith(cause error) {
	c.endOnce.Do(func() { c.finish(cause) })
	<-c.done
}

func (c *Controller) finish(cause error) {
	c.mu.Lock()
	c.ended = true
	c.err = cause
	started, coord, sup, queue := c.started, c.coord, c.sup, c.queue
	scenario, startedAt := c.scenario, c.startedAt
	c.mu.Unlock()

	reason := reasonFor(cause)
	if coord != nil {
		coord.End()
	}
	c.cancel()
	if sup != nil {
		sup.Close()
	}
	if started {
		if err := c.deps.Capture.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("stop capture")
		}
	}
	if queue != nil {
		queue.Close()
	}
	c.deps.Sink.Reset()
	if coord != nil {
		coord.Wait()
	}
	c.wg.Wait()

	var (
		duration   time.Duration
		utterances []conversation.Utterance
	)
	if coord != nil {
		duration = coord.Duration()
		utterances = coord.Transcript().Snapshot()
		outcome := "completed"
		if cause != nil {
			outcome = "failed"
		}
		c.deps.Metrics.CallEnded(c.cfg.Transport, outcome, duration)
	}
	// A call whose capture never opened has no conversation to keep.
	if coord != nil && c.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := c.deps.Archive.Save(ctx, store.Record{
			ID:         c.id,
			ScenarioID: scenario.ID,
			ClientName: scenario.ClientName,
			Transport:  c.cfg.Transport,
			StartedAt:  startedAt,
			Duration:   duration,
			Reason:     reason,
			Utterances: utterances,
		})
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("archive transcript")
		}
	}

	ev := c.log.Info()
	if cause != nil {
		ev = c.log.Error().Err(cause)
	}
	ev.Str("reason", reason).Dur("duration", duration).Int("utterances", len(utterances)).Msg("call ended")

	c.evMu.Lock()
	t := time.NewTimer(endedEmitTimeout)
	select {
	case c.events <- EndedEvent{Transcript: utterances, Duration: duration, Reason: reason}:
	case <-t.C:
		c.log.Warn().Msg("ended event not consumed")
	}
	t.Stop()
	c.evClosed = true
	close(c.events)
	c.evMu.Unlock()
	close(c.done)
}

// emit publishes without blocking; a consumer that falls behind loses events
// other than EndedEvent.
func (c *Controller) emit(ev Event) {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Type("event", ev).Msg("event dropped, consumer too slow")
	}
}

func reasonFor(err error) string {
	switch {
	case err == nil:
		return ReasonCompleted
	case errors.Is(err, capture.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return ReasonDeviceUnavailable
	case errors.Is(err, ErrChannelUnrecoverable):
		return ReasonTranscriptionUnavailable
	}
	return ReasonError
}

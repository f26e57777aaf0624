package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/capture"
)

const (
	pendingLimit  = 50  // frames buffered while connecting (1s at 20ms)
	outboundLimit = 256 // frames queued for the writer once open
	eventBuffer   = 64
	flushTimeout  = 2 * time.Second
)

// Option customizes a channel.
type Option func(*options)

type options struct {
	log    zerolog.Logger
	onLost func()
	header http.Header
	dialer *websocket.Dialer
	url    string
}

func defaultOptions() options {
	return options{
		log:    zerolog.Nop(),
		header: http.Header{},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// WithFrameLostHook is called for every frame dropped by the channel.
func WithFrameLostHook(fn func()) Option { return func(o *options) { o.onLost = fn } }

// WithHeader adds a handshake header.
func WithHeader(k, v string) Option { return func(o *options) { o.header.Set(k, v) } }

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithURL overrides the backend endpoint (scheme, host and path).
func WithURL(u string) Option { return func(o *options) { o.url = u } }

// protocol is the backend-specific part of a websocket stream.
type protocol interface {
	endpoint(cfg Config, base string) (string, http.Header, error)
	// greeting returns JSON messages written right after the handshake.
	greeting(cfg Config) []any
	// handle decodes one text message from the backend.
	handle(data []byte, emit func(Event)) error
	// audio observes every outbound frame before it is queued.
	audio(pcm []byte, emit func(Event))
	// farewell is the end-of-stream message, or nil.
	farewell() any
	shutdown()
}

// stream is the shared websocket plumbing: a bounded pending buffer while
// connecting, a single writer goroutine, a single reader goroutine and one
// ordered event channel.
type stream struct {
	name  string
	proto protocol
	opts  options
	log   zerolog.Logger

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	conn         *websocket.Conn
	pending      [][]byte
	opened       bool
	closing      bool

	out        chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup

	evMu     sync.RWMutex
	evClosed bool
	events   chan Event

	failOnce  sync.Once
	failed    atomic.Bool
	closeOnce sync.Once
}

func newStream(name string, p protocol, opts []Option) *stream {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &stream{
		name:       name,
		proto:      p,
		opts:       o,
		log:        o.log.With().Str("component", "transcribe").Str("backend", name).Logger(),
		state:      StateConnecting,
		out:        make(chan []byte, outboundLimit),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		events:     make(chan Event, eventBuffer),
	}
}

func (s *stream) Open(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if s.opened || s.closing {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s channel is single-use", ErrChannelOpen, s.name)
	}
	s.opened = true
	s.mu.Unlock()

	u, hdr, err := s.proto.endpoint(cfg, s.opts.url)
	if err != nil {
		s.setState(StateErrored)
		return fmt.Errorf("%w: %s: %w", ErrChannelOpen, s.name, err)
	}
	for k, v := range s.opts.header {
		hdr[k] = v
	}

	conn, resp, err := s.opts.dialer.DialContext(ctx, u, hdr)
	if err != nil {
		s.setState(StateErrored)
		if resp != nil {
			return fmt.Errorf("%w: %s: dial status %d: %w", ErrChannelOpen, s.name, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrChannelOpen, s.name, err)
	}
	for _, m := range s.proto.greeting(cfg) {
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			s.setState(StateErrored)
			return fmt.Errorf("%w: %s: start message: %w", ErrChannelOpen, s.name, err)
		}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.state = StateOpen
	s.lastActivity = time.Now()
	for _, b := range s.pending {
		select {
		case s.out <- b:
		default:
			s.lost()
		}
	}
	s.pending = nil
	s.wg.Add(2)
	s.mu.Unlock()

	go s.writeLoop(conn)
	go s.readLoop(conn)
	s.log.Info().Str("url", redact(u)).Msg("transcription stream open")
	return nil
}

// SendFrame queues one frame. While connecting the newest pendingLimit
// frames are kept; once closed every frame is counted as lost.
func (s *stream) SendFrame(f capture.Frame) error {
	s.proto.audio(f.PCM, s.emit)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting:
		if len(s.pending) >= pendingLimit {
			s.pending = s.pending[1:]
			s.lost()
		}
		s.pending = append(s.pending, f.PCM)
		return nil
	case StateOpen:
		if s.closing {
			s.lost()
			return ErrClosed
		}
		select {
		case s.out <- f.PCM:
		default:
			s.lost()
		}
		return nil
	}
	s.lost()
	return ErrClosed
}

func (s *stream) Events() <-chan Event { return s.events }

func (s *stream) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{State: s.state, LastActivity: s.lastActivity}
}

// Close flushes queued audio, sends the end-of-stream message and releases
// the connection. Safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn := s.conn
		if s.state != StateErrored {
			s.state = StateClosed
		}
		s.pending = nil
		s.mu.Unlock()

		close(s.quit)
		if conn != nil {
			select {
			case <-s.writerDone:
			case <-time.After(flushTimeout):
				s.log.Warn().Msg("timed out flushing audio on close")
			}
			_ = conn.Close()
		}
		close(s.done)
		s.wg.Wait()
		s.proto.shutdown()

		s.evMu.Lock()
		s.evClosed = true
		if !s.failed.Load() {
			select {
			case s.events <- ClosedEvent{Unexpected: false}:
			default:
			}
		}
		close(s.events)
		s.evMu.Unlock()
		s.log.Debug().Msg("transcription stream closed")
	})
	return nil
}

func (s *stream) writeLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.writerDone)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("recovered in write loop")
		}
	}()
	for {
		select {
		case b := <-s.out:
			if err := s.write(conn, b); err != nil {
				s.fail(fmt.Errorf("%s write: %w", s.name, err))
				return
			}
		case <-s.quit:
			s.finish(conn)
			return
		}
	}
}

// finish drains what is already queued, then signals end-of-stream.
func (s *stream) finish(conn *websocket.Conn) {
drain:
	for {
		select {
		case b := <-s.out:
			if err := s.write(conn, b); err != nil {
				return
			}
		default:
			break drain
		}
	}
	if m := s.proto.farewell(); m != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(m)
	}
}

func (s *stream) write(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *stream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("recovered in read loop")
			s.fail(fmt.Errorf("%s read: panic: %v", s.name, r))
		}
	}()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.fail(nil)
			} else {
				s.fail(fmt.Errorf("%s read: %w", s.name, err))
			}
			return
		}
		s.touch()
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.proto.handle(data, s.emit); err != nil {
			s.log.Warn().Err(err).Msg("undecodable backend message")
		}
	}
}

// fail reports an unexpected loss of the stream once. It is a no-op after
// Close has started. A nil err means the backend closed cleanly.
func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	conn := s.conn
	s.mu.Unlock()

	s.failOnce.Do(func() {
		s.failed.Store(true)
		if err != nil {
			s.log.Warn().Err(err).Msg("transcription stream failed")
			s.emit(ErrorEvent{Err: err})
		} else {
			s.log.Warn().Msg("transcription stream closed by backend")
		}
		s.emit(ClosedEvent{Unexpected: true})
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// emit delivers in order. It blocks while the consumer is behind and gives
// up only when the channel is being closed.
func (s *stream) emit(ev Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *stream) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *stream) lost() {
	if s.opts.onLost != nil {
		s.opts.onLost()
	}
}

// decodeType reads only the discriminator of a JSON message.
func decodeType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", errors.New("message missing type field")
	}
	return head.Type, nil
}

func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

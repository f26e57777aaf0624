package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/playback"
)

const (
	transport      = "relay"
	writeTimeout   = 5 * time.Second
	maxMessageSize = 1 << 20
	replyRate      = 48000
	tailFrames     = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// mic is a capture session fed from binary websocket messages.
type mic interface {
	capture.Session
	Push(pcm []byte)
}

// Server upgrades browser connections and runs one call at a time per
// connection.
type Server struct {
	sessions *call.Factory
	catalog  *conversation.Catalog
	log      zerolog.Logger
	newMic   func() mic
}

func NewServer(sessions *call.Factory, catalog *conversation.Catalog, log zerolog.Logger) *Server {
	return &Server{
		sessions: sessions,
		catalog:  catalog,
		log:      log.With().Str("component", "relay").Logger(),
		newMic:   func() mic { return capture.NewPushSession() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{srv: s, ws: ws, log: s.log}
	c.sink = playback.NewFrameSink(replyRate, tailFrames, nil, c.writeAudio)
	c.sink.OnWriteError(func(err error) { c.log.Debug().Err(err).Msg("reply audio write failed") })
	c.serve()
}

// conn is one browser connection. Writes are serialized through wmu.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	wmu  sync.Mutex
	sink *playback.FrameSink
	log  zerolog.Logger

	mu   sync.Mutex
	ctrl *call.Controller
	mic  mic
	wg   sync.WaitGroup
}

func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("relay connection panicked")
		}
		c.shutdown()
	}()
	c.ws.SetReadLimit(maxMessageSize)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("relay read ended")
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			// Audio sent before start_call is discarded.
			if m := c.currentMic(); m != nil {
				m.Push(data)
			}
		case websocket.TextMessage:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				c.sendError("invalid message")
				continue
			}
			if done := c.handle(m); done {
				return
			}
		}
	}
}

// handle processes one control message and reports whether the connection
// should close.
func (c *conn) handle(m Message) bool {
	switch m.Type {
	case TypeStartCall:
		c.start(m)
	case TypeUserMessage:
		ctrl := c.controller()
		if ctrl == nil {
			c.sendError("no active call")
			return false
		}
		if err := ctrl.SubmitText(m.Text); err != nil {
			c.sendError(err.Error())
		}
	case TypeStop:
		if ctrl := c.controller(); ctrl != nil {
			ctrl.End()
			c.wg.Wait()
		}
		return true
	default:
		c.sendError("unknown message type: " + m.Type)
	}
	return false
}

func (c *conn) start(m Message) {
	sc, ok := c.srv.catalog.Get(strings.TrimSpace(m.Scenario))
	if !ok {
		c.sendError("unknown scenario: " + m.Scenario)
		return
	}
	sc = ApplyOverrides(sc, m)

	c.mu.Lock()
	if c.ctrl != nil {
		c.mu.Unlock()
		c.sendError("call already started")
		return
	}
	sess := c.srv.newMic()
	ctrl := c.srv.sessions.New(transport, sess, c.sink)
	c.ctrl, c.mic = ctrl, sess
	c.mu.Unlock()
	log := c.log.With().Str("call_id", ctrl.ID()).Logger()

	c.wg.Add(1)
	go c.forward(ctrl, sc.ID, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Start(ctx, sc); err != nil {
		// The controller has already ended and the forwarder reports why.
		// The connection may start another call.
		log.Warn().Err(err).Msg("call failed to start")
		c.mu.Lock()
		if c.ctrl == ctrl {
			c.ctrl, c.mic = nil, nil
		}
		c.mu.Unlock()
	}
}

// forward announces the call and then relays its events until the stream
// closes, so ready precedes everything the call emits.
func (c *conn) forward(ctrl *call.Controller, scenarioID string, log zerolog.Logger) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("relay forwarder panicked")
		}
	}()
	if err := c.writeJSON(Message{Type: TypeReady, CallID: ctrl.ID(), Scenario: scenarioID}); err != nil {
		log.Debug().Err(err).Msg("relay write failed")
	}
	for ev := range ctrl.Events() {
		msg, ok := Encode(ev)
		if !ok {
			continue
		}
		if err := c.writeJSON(msg); err != nil {
			log.Debug().Err(err).Str("type", msg.Type).Msg("relay write failed")
		}
	}
}

func (c *conn) shutdown() {
	if ctrl := c.controller(); ctrl != nil {
		ctrl.End()
	}
	c.wg.Wait()
	c.sink.Close()
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = c.ws.Close()
}

func (c *conn) controller() *call.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl
}

func (c *conn) currentMic() mic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

func (c *conn) sendError(msg string) {
	_ = c.writeJSON(Message{Type: TypeError, Error: msg})
}

func (c *conn) writeJSON(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(m)
}

func (c *conn) writeAudio(pcm []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("relay: write reply audio: %w", err)
	}
	return nil
}

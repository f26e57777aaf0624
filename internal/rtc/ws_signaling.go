package rtc

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the trickle signaling format.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP      string `json:"sdp,omitempty"`
	Scenario string `json:"scenario,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// signalConn serializes writes from pion callbacks and the signaling loop.
type signalConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *signalConn) write(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(m)
}

func (c *signalConn) fail(msg string) {
	_ = c.write(signalMessage{Type: "error", Error: msg})
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer + trickle ICE signaling.
// It expects messages: auth(optional) -> offer -> candidates... and responds with answer + candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer func() { _ = ws.Close() }()
	conn := &signalConn{ws: ws}

	if h.password != "" && !Authorized(r, h.password) {
		// Fall back to an auth message as the first frame.
		m, ok := readSignal(ws)
		if !ok || strings.ToLower(m.Type) != "auth" || !equal(m.Password, h.password) {
			conn.fail("unauthorized")
			return
		}
	}

	var offer signalMessage
	for {
		m, ok := readSignal(ws)
		if !ok {
			return
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP == "" {
				continue
			}
			offer = m
		case "bye":
			return
		default:
			continue
		}
		break
	}

	pc, out, err := h.newPeerConnection()
	if err != nil {
		conn.fail(err.Error())
		return
	}
	p, err := h.attach(pc, out, offer.Scenario)
	if err != nil {
		_ = pc.Close()
		conn.fail(err.Error())
		return
	}
	defer p.end()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.write(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.write(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		conn.fail(err.Error())
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err.Error())
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.fail(err.Error())
		return
	}
	if err := conn.write(signalMessage{Type: "answer", SDP: answer.SDP}); err != nil {
		p.log.Warn().Err(err).Msg("ws write answer")
		return
	}

	// Remote trickle candidates until bye or disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			m, ok := readSignal(ws)
			if !ok {
				return
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
					p.log.Debug().Err(err).Msg("add ice candidate")
				}
			case "bye":
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-p.ctrl.Done():
		_ = conn.write(signalMessage{Type: "bye"})
	}
}

// readSignal returns the next text frame as a signal message. Binary and
// malformed frames are skipped.
func readSignal(ws *websocket.Conn) (signalMessage, bool) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return signalMessage{}, false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		return m, true
	}
}

// Authorized checks the password in ?password=, Authorization: Bearer or
// X-Auth-Token. An empty password allows every request.
func Authorized(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && equal(q, password) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		if equal(strings.TrimSpace(ah[len("bearer "):]), password) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && equal(x, password) {
		return true
	}
	return false
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

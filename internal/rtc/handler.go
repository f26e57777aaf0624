// Package rtc carries practice calls over WebRTC: the browser's microphone
// arrives as an Opus track and persona replies go back on a local track.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/relay"
)

const (
	transport    = "webrtc"
	controlLabel = "control"
	startTimeout = 10 * time.Second
)

var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
// Scenario, when set on an offer, starts the call as soon as media flows.
type SessionDescription struct {
	Type     string `json:"type"`
	SDP      string `json:"sdp"`
	Scenario string `json:"scenario,omitempty"`
}

// Options configure peer connections.
type Options struct {
	// ICEServersJSON is a JSON array of webrtc.ICEServer; a public STUN
	// server is used when empty or invalid.
	ICEServersJSON string
	// Password protects signaling when non-empty.
	Password string
}

// Handler manages WebRTC peer connections, one call per peer.
type Handler struct {
	sessions *call.Factory
	catalog  *conversation.Catalog
	ice      []webrtc.ICEServer
	password string
	log      zerolog.Logger
}

func NewHandler(sessions *call.Factory, catalog *conversation.Catalog, opts Options, log zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		ice:      parseICEServers(opts.ICEServersJSON),
		password: opts.Password,
		log:      log.With().Str("component", "rtc").Logger(),
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering completes.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	pc, out, err := h.newPeerConnection()
	if err != nil {
		return SessionDescription{}, err
	}
	p, err := h.attach(pc, out, offer.Scenario)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		p.end()
		return SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.end()
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		p.end()
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		p.end()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		p.end()
		return SessionDescription{}, errors.New("rtc: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeerConnection prepares a PeerConnection with codecs, interceptors and
// the outbound persona track.
func (h *Handler) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.ice})
	if err != nil {
		return nil, nil, err
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: replyRate, Channels: 1},
		"persona-audio", "persona",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(out); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, out, nil
}

// attach binds a new call session to pc.
func (h *Handler) attach(pc *webrtc.PeerConnection, out *webrtc.TrackLocalStaticSample, scenario string) (*peer, error) {
	writer, err := NewOpusPacedWriter(out)
	if err != nil {
		return nil, err
	}
	mic := capture.NewPushSession()
	ctrl := h.sessions.New(transport, mic, writer)
	p := &peer{
		h:      h,
		pc:     pc,
		mic:    mic,
		writer: writer,
		ctrl:   ctrl,
		log:    h.log.With().Str("call_id", ctrl.ID()).Logger(),
	}
	writer.OnWriteError(func(err error) { p.log.Debug().Err(err).Msg("write persona sample") })

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go p.end()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		p.setControl(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { p.command(string(msg.Data)) })
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.log.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")
		if scenario != "" {
			p.start(scenario)
		}
		go p.readMic(remote)
	})

	go p.forward()
	return p, nil
}

// peer is one browser connection and its call.
type peer struct {
	h      *Handler
	pc     *webrtc.PeerConnection
	mic    *capture.PushSession
	writer *OpusPacedWriter
	ctrl   *call.Controller
	log    zerolog.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	startOnce sync.Once
}

func (p *peer) setControl(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
}

// command handles a control channel message: "start <scenario>",
// "say <text>" or "end".
func (p *peer) command(raw string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(raw), " ")
	switch strings.ToLower(verb) {
	case "start":
		p.start(strings.TrimSpace(arg))
	case "say":
		if err := p.ctrl.SubmitText(arg); err != nil {
			p.sendError(err.Error())
		}
	case "end", "stop", "bye":
		go p.end()
	default:
		p.sendError("unknown command: " + verb)
	}
}

func (p *peer) start(scenarioID string) {
	sc, ok := p.h.catalog.Get(scenarioID)
	if !ok {
		p.sendError("unknown scenario: " + scenarioID)
		return
	}
	p.startOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
			defer cancel()
			if err := p.ctrl.Start(ctx, sc); err != nil {
				p.log.Warn().Err(err).Msg("call failed to start")
			}
		}()
	})
}

func (p *peer) readMic(remote *webrtc.TrackRemote) {
	dec, err := newMicDecoder()
	if err != nil {
		p.log.Error().Err(err).Msg("mic decoder")
		return
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			p.log.Debug().Err(err).Msg("rtp read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			p.log.Debug().Err(err).Msg("opus decode")
			continue
		}
		p.mic.Push(pcm)
	}
}

// forward sends controller events to the control channel as JSON and tears
// the peer down when the call ends.
func (p *peer) forward() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("rtc forwarder panicked")
		}
	}()
	for ev := range p.ctrl.Events() {
		if msg, ok := relay.Encode(ev); ok {
			p.send(msg)
		}
	}
	p.writer.Close()
	_ = p.pc.Close()
}

func (p *peer) end() {
	p.ctrl.End()
}

func (p *peer) sendError(msg string) {
	p.send(relay.Message{Type: relay.TypeError, Error: msg})
}

func (p *peer) send(msg relay.Message) {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		p.log.Debug().Err(err).Str("type", msg.Type).Msg("control send failed")
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

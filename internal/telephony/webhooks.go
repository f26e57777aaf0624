package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/store"
)

const (
	pollyVoice    = "Polly.Joanna-Neural"
	gatherTimeout = "10"
	transport     = "phone"

	lineNoInput  = "I didn't catch that. Are you still there?"
	lineUnclear  = "Sorry, I didn't hear you clearly. Could you repeat that?"
	lineGoodbye  = "I have to go now. Goodbye."
	lineNoRecord = "Sorry, something went wrong on our end. Goodbye."
)

// RegisterWebhooks mounts the Twilio callbacks on g. g should already carry
// SignatureAuth.
func (s *Service) RegisterWebhooks(g *echo.Group) {
	g.POST("/voice-response", s.voiceResponse)
	g.POST("/process-response", s.processResponse)
	g.POST("/call-status", s.callStatus)
	g.POST("/recording-complete", s.recordingComplete)
}

// voiceResponse answers the call with the persona's opening line and starts
// listening.
func (s *Service) voiceResponse(c echo.Context) error {
	sid := param(c, "CallSid")
	sc, ok := s.scenario(c.QueryParam("scenario"))
	if !ok {
		return s.twiml(c, &twiml.VoiceSay{Message: lineNoRecord, Voice: pollyVoice}, &twiml.VoiceHangup{})
	}
	pc := s.attach(sid, sc)
	if pc.answer() {
		s.metrics.CallStarted(transport)
		pc.add(conversation.SpeakerPersona, sc.OpeningLine)
	}
	s.log.Info().Str("call_sid", sid).Str("scenario", sc.ID).Str("from", param(c, "From")).Msg("call answered")

	return s.twiml(c,
		&twiml.VoiceSay{Message: sc.OpeningLine, Voice: pollyVoice},
		s.gather(sc.ID),
		&twiml.VoiceSay{Message: lineNoInput, Voice: pollyVoice},
		s.gather(sc.ID),
		&twiml.VoiceSay{Message: lineGoodbye, Voice: pollyVoice},
		&twiml.VoiceHangup{},
	)
}

// processResponse handles one gathered speech result: the caller's words go
// to the persona and the reply is spoken back, then the gather repeats.
func (s *Service) processResponse(c echo.Context) error {
	sid := param(c, "CallSid")
	sc, ok := s.scenario(c.QueryParam("scenario"))
	if !ok {
		return s.twiml(c, &twiml.VoiceSay{Message: lineNoRecord, Voice: pollyVoice}, &twiml.VoiceHangup{})
	}
	pc := s.attach(sid, sc)

	speech := strings.TrimSpace(param(c, "SpeechResult"))
	if speech == "" {
		speech = strings.TrimSpace(param(c, "UnstableSpeechResult"))
	}
	if speech == "" {
		return s.twiml(c,
			&twiml.VoiceSay{Message: lineUnclear, Voice: pollyVoice},
			s.gather(sc.ID),
			&twiml.VoiceSay{Message: lineGoodbye, Voice: pollyVoice},
			&twiml.VoiceHangup{},
		)
	}

	history := pc.transcript.Window(call.DefaultHistoryWindow)
	pc.add(conversation.SpeakerUser, speech)
	reply := s.respond(c.Request().Context(), speech, history, sc)
	pc.add(conversation.SpeakerPersona, reply)
	s.log.Debug().Str("call_sid", sid).Str("heard", speech).Str("reply", reply).Msg("turn")

	return s.twiml(c,
		&twiml.VoiceSay{Message: reply, Voice: pollyVoice},
		s.gather(sc.ID),
		&twiml.VoiceSay{Message: lineNoInput, Voice: pollyVoice},
		s.gather(sc.ID),
		&twiml.VoiceSay{Message: lineGoodbye, Voice: pollyVoice},
		&twiml.VoiceHangup{},
	)
}

// callStatus persists the transcript once the call reaches a final status.
func (s *Service) callStatus(c echo.Context) error {
	sid := param(c, "CallSid")
	status := param(c, "CallStatus")
	s.log.Info().Str("call_sid", sid).Str("status", status).Str("duration", param(c, "CallDuration")).Msg("call status")
	if !Terminal(status) {
		return c.NoContent(http.StatusNoContent)
	}
	pc, ok := s.forget(sid)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}

	pc.mu.Lock()
	answered := pc.answered
	rec := store.Record{
		ID:         sid,
		ScenarioID: pc.scenario.ID,
		ClientName: pc.scenario.ClientName,
		Transport:  transport,
		StartedAt:  pc.startedAt.UTC(),
		Duration:   time.Since(pc.startedAt),
		Reason:     status,
		Utterances: pc.transcript.Snapshot(),
	}
	pc.mu.Unlock()
	if !answered {
		return c.NoContent(http.StatusNoContent)
	}
	s.metrics.CallEnded(transport, status, rec.Duration)

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.archive.Save(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("call_sid", sid).Msg("failed to archive phone call")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// recordingComplete copies the finished recording into blob storage in the
// background.
func (s *Service) recordingComplete(c echo.Context) error {
	sid := param(c, "CallSid")
	recURL := param(c, "RecordingUrl")
	recSid := param(c, "RecordingSid")
	s.log.Info().Str("call_sid", sid).Str("recording_sid", recSid).Str("duration", param(c, "RecordingDuration")).Msg("recording complete")

	if recURL == "" || s.blobs == nil {
		return c.NoContent(http.StatusNoContent)
	}
	key := fmt.Sprintf("recordings/%s_%s.wav", sid, recSid)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.uploadRecording(ctx, recURL, key); err != nil {
			s.log.Error().Err(err).Str("call_sid", sid).Msg("failed to store recording")
			return
		}
		s.log.Info().Str("call_sid", sid).Str("key", key).Msg("recording stored")
	}()
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) uploadRecording(ctx context.Context, recordingURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return fmt.Errorf("failed to create request to Twilio recording URL: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("failed to download recording, status %d: %s", resp.StatusCode, preview)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	return s.blobs.Upload(ctx, key, "audio/wav", body)
}

// respond asks the persona for a reply with the same timeout and fallback
// policy as every other transport.
func (s *Service) respond(ctx context.Context, utterance string, history []conversation.Utterance, sc conversation.Scenario) string {
	rep, err := call.GenerateReply(ctx, s.responder, call.ReplyPolicy{Timeout: s.cfg.ResponderTimeout}, utterance, history, sc)
	if err != nil {
		s.log.Debug().Err(err).Msg("webhook request ended before the reply")
		return call.DefaultFallbackLine
	}
	if rep.Fallback {
		s.metrics.GenerationFallback(rep.Reason)
		s.log.Warn().Err(rep.Err).Str("reason", rep.Reason).Msg("persona reply failed, using fallback line")
	}
	return rep.Text
}

func (s *Service) scenario(id string) (conversation.Scenario, bool) {
	if sc, ok := s.catalog.Get(id); ok {
		return sc, true
	}
	all := s.catalog.All()
	if len(all) == 0 {
		return conversation.Scenario{}, false
	}
	return all[0], true
}

// attach returns the call state for sid, creating it when Twilio reaches us
// for a call we did not place.
func (s *Service) attach(sid string, sc conversation.Scenario) *phoneCall {
	if pc, ok := s.lookup(sid); ok {
		return pc
	}
	return s.track(sid, sc)
}

func (s *Service) gather(scenarioID string) *twiml.VoiceGather {
	return &twiml.VoiceGather{
		Input:         "speech",
		Action:        "/twilio/process-response?scenario=" + url.QueryEscape(scenarioID),
		Method:        http.MethodPost,
		Timeout:       gatherTimeout,
		SpeechTimeout: "auto",
		Language:      "en-US",
	}
}

func (s *Service) twiml(c echo.Context, verbs ...twiml.Element) error {
	response, err := twiml.Voice(verbs)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

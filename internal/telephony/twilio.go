// Package telephony runs practice calls over the phone network through
// Twilio: it places outbound calls and drives the conversation from Twilio's
// speech-gather webhooks.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/metrics"
	"github.com/chadiek/practice-call/internal/store"
)

var (
	ErrNotConfigured    = errors.New("telephony: TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER are required")
	ErrNoBaseURL        = errors.New("telephony: BASE_URL is required for call webhooks")
	ErrInvalidNumber    = errors.New("telephony: invalid phone number")
	ErrUnknownScenario  = errors.New("telephony: unknown scenario")
	ErrAuthFailed       = errors.New("telephony: twilio authentication failed")
	ErrGeoPermission    = errors.New("telephony: destination country not enabled in geo permissions")
	ErrProviderRejected = errors.New("telephony: twilio rejected the request")
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Config carries Twilio credentials and the public base URL Twilio calls back.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	// ResponderTimeout bounds each persona reply; defaults to 10s.
	ResponderTimeout time.Duration
}

func (c Config) configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// callAPI is the part of the Twilio REST API used here.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioApi.FetchCallParams) (*twilioApi.ApiV2010Call, error)
}

// Status is a snapshot of a phone call.
type Status struct {
	Status   string        `json:"status"`
	Duration time.Duration `json:"-"`
}

// phoneCall is the server-side state of one call, keyed by CallSid.
type phoneCall struct {
	mu         sync.Mutex
	scenario   conversation.Scenario
	transcript *conversation.Transcript
	startedAt  time.Time
	answered   bool
}

// answer marks the call live and reports whether this was the first answer.
func (p *phoneCall) answer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answered {
		return false
	}
	p.answered = true
	p.startedAt = time.Now()
	return true
}

func (p *phoneCall) add(sp conversation.Speaker, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.transcript.Append(conversation.Utterance{
		Speaker: sp,
		Text:    text,
		Final:   true,
		At:      time.Since(p.startedAt),
	})
}

// Deps are the collaborators a Service needs. Archive, Blobs and Metrics
// may be nil.
type Deps struct {
	Catalog   *conversation.Catalog
	Responder call.Responder
	Archive   call.Archive
	Blobs     store.BlobStore
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

type Service struct {
	cfg       Config
	api       callAPI
	catalog   *conversation.Catalog
	responder call.Responder
	archive   call.Archive
	blobs     store.BlobStore
	metrics   *metrics.Metrics
	http      *http.Client
	log       zerolog.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	calls map[string]*phoneCall
}

func New(cfg Config, deps Deps) *Service {
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = call.DefaultResponderTimeout
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Service{
		cfg:       cfg,
		api:       rest.Api,
		catalog:   deps.Catalog,
		responder: deps.Responder,
		archive:   deps.Archive,
		blobs:     deps.Blobs,
		metrics:   deps.Metrics,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       deps.Log.With().Str("component", "telephony").Logger(),
		calls:     make(map[string]*phoneCall),
	}
}

// StartCall dials to and runs scenarioID on answer. It returns the call SID.
func (s *Service) StartCall(ctx context.Context, to, scenarioID string) (string, error) {
	if s.cfg.BaseURL == "" {
		return "", ErrNoBaseURL
	}
	return s.startCall(ctx, s.cfg.BaseURL, to, scenarioID)
}

func (s *Service) startCall(ctx context.Context, base, to, scenarioID string) (string, error) {
	if !s.cfg.configured() {
		return "", ErrNotConfigured
	}
	to = normalizeNumber(to)
	if !e164.MatchString(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, to)
	}
	sc, ok := s.catalog.Get(scenarioID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScenario, scenarioID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	base = strings.TrimRight(base, "/")
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetUrl(base + "/twilio/voice-response?scenario=" + sc.ID)
	params.SetMethod(http.MethodPost)
	params.SetRecord(true)
	params.SetRecordingStatusCallback(base + "/twilio/recording-complete")
	params.SetStatusCallback(base + "/twilio/call-status")
	params.SetStatusCallbackEvent([]string{"completed"})

	resp, err := s.api.CreateCall(params)
	if err != nil {
		return "", classify(err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("%w: no call sid", ErrProviderRejected)
	}
	sid := *resp.Sid
	s.track(sid, sc)
	s.log.Info().Str("call_sid", sid).Str("scenario", sc.ID).Msg("outbound call placed")
	return sid, nil
}

// EndCall hangs up an in-progress call.
func (s *Service) EndCall(ctx context.Context, sid string) error {
	if !s.cfg.configured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := s.api.UpdateCall(sid, params); err != nil {
		return classify(err)
	}
	return nil
}

// Status fetches the call's lifecycle status: queued, ringing, in-progress,
// completed, failed, busy, no-answer or canceled.
func (s *Service) Status(ctx context.Context, sid string) (Status, error) {
	if !s.cfg.configured() {
		return Status{}, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	resp, err := s.api.FetchCall(sid, &twilioApi.FetchCallParams{})
	if err != nil {
		return Status{}, classify(err)
	}
	var st Status
	if resp.Status != nil {
		st.Status = *resp.Status
	}
	if resp.Duration != nil {
		if secs, err := strconv.Atoi(*resp.Duration); err == nil {
			st.Duration = time.Duration(secs) * time.Second
		}
	}
	return st, nil
}

// Terminal reports whether a call status is final.
func Terminal(status string) bool {
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		return true
	}
	return false
}

// Close waits for background recording uploads.
func (s *Service) Close() { s.wg.Wait() }

func (s *Service) track(sid string, sc conversation.Scenario) *phoneCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.calls[sid]; ok {
		return pc
	}
	pc := &phoneCall{scenario: sc, transcript: conversation.NewTranscript(), startedAt: time.Now()}
	s.calls[sid] = pc
	return pc
}

func (s *Service) lookup(sid string) (*phoneCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.calls[sid]
	return pc, ok
}

func (s *Service) forget(sid string) (*phoneCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.calls[sid]
	delete(s.calls, sid)
	return pc, ok
}

func normalizeNumber(n string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(n))
}

func classify(err error) error {
	var te *twclient.TwilioRestError
	if errors.As(err, &te) {
		switch te.Code {
		case 20003:
			return fmt.Errorf("%w: %s", ErrAuthFailed, te.Message)
		case 21215:
			return fmt.Errorf("%w: %s", ErrGeoPermission, te.Message)
		case 21211, 21606:
			return fmt.Errorf("%w: %s", ErrInvalidNumber, te.Message)
		}
		return fmt.Errorf("%w: %d %s", ErrProviderRejected, te.Code, te.Message)
	}
	return fmt.Errorf("twilio: %w", err)
}

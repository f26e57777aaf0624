package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/store"
)

const (
	testToken = "secret-token"
	testBase  = "https://calls.example.test"
)

const testScenarios = `
scenarios:
  - id: cold-call
    client_name: Dana
    personality: D
    difficulty: medium
    opening_line: Hello, who is this?
`

type fakeAPI struct {
	mu      sync.Mutex
	created []*twilioApi.CreateCallParams
	updated map[string]*twilioApi.UpdateCallParams
	status  string
	err     error
}

func (f *fakeAPI) CreateCall(p *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	sid := "CA100"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) UpdateCall(sid string, p *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.updated == nil {
		f.updated = make(map[string]*twilioApi.UpdateCallParams)
	}
	f.updated[sid] = p
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) FetchCall(sid string, _ *twilioApi.FetchCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	status, duration := f.status, "42"
	return &twilioApi.ApiV2010Call{Sid: &sid, Status: &status, Duration: &duration}, nil
}

type responderFunc func(ctx context.Context, utterance string, history []conversation.Utterance, persona conversation.Scenario) (string, error)

func (f responderFunc) Respond(ctx context.Context, utterance string, history []conversation.Utterance, persona conversation.Scenario) (string, error) {
	return f(ctx, utterance, history, persona)
}

type fixture struct {
	svc     *Service
	api     *fakeAPI
	archive *store.Memory
	e       *echo.Echo
}

func newFixture(t *testing.T, r responderFunc) *fixture {
	t.Helper()
	catalog, err := conversation.LoadCatalog(strings.NewReader(testScenarios))
	require.NoError(t, err)
	if r == nil {
		r = func(context.Context, string, []conversation.Utterance, conversation.Scenario) (string, error) {
			return "Sure, Tuesday works.", nil
		}
	}
	archive := store.NewMemory()
	svc := New(Config{
		AccountSID:       "AC123",
		AuthToken:        testToken,
		FromNumber:       "+15550000000",
		BaseURL:          testBase,
		ResponderTimeout: 50 * time.Millisecond,
	}, Deps{Catalog: catalog, Responder: r, Archive: archive, Blobs: archive, Log: zerolog.Nop()})
	api := &fakeAPI{status: "in-progress"}
	svc.api = api

	e := echo.New()
	svc.RegisterWebhooks(e.Group("/twilio", SignatureAuth(testToken, testBase)))
	svc.RegisterAPI(e.Group("/api/twilio"), nil)
	return &fixture{svc: svc, api: api, archive: archive, e: e}
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// webhook posts a correctly signed Twilio callback.
func (f *fixture) webhook(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", sign(testToken, testBase+path, form))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestSignatureAuth(t *testing.T) {
	f := newFixture(t, nil)
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551112222"}}

	ok := f.webhook("/twilio/voice-response?scenario=cold-call", form)
	assert.Equal(t, http.StatusOK, ok.Code)

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice-response?scenario=cold-call", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", sign("wrong-token", testBase+"/twilio/voice-response?scenario=cold-call", form))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/twilio/call-status", strings.NewReader(form.Encode()))
	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature")
}

func TestSignatureAuth_NoToken(t *testing.T) {
	e := echo.New()
	e.POST("/twilio/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, SignatureAuth("", ""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twilio/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAbsoluteURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Host = "localhost:8080"
	assert.Equal(t, "http://localhost:8080/twilio/x", absoluteURL(r, "", "/twilio/x"))
	assert.Equal(t, "https://base.test/twilio/x", absoluteURL(r, "https://base.test/", "twilio/x"))

	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "abc.ngrok.app")
	assert.Equal(t, "https://abc.ngrok.app/twilio/x", absoluteURL(r, "", "/twilio/x"))
}

func TestVoiceResponse_OpensAndGathers(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.webhook("/twilio/voice-response?scenario=cold-call", url.Values{"CallSid": {"CA1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get(echo.HeaderContentType))

	body := rec.Body.String()
	assert.Contains(t, body, "Hello, who is this?")
	assert.Contains(t, body, `voice="Polly.Joanna-Neural"`)
	assert.Contains(t, body, `input="speech"`)
	assert.Contains(t, body, `/twilio/process-response?scenario=cold-call`)
	assert.Contains(t, body, "<Hangup")

	// A retried webhook does not repeat the opening line in the transcript.
	f.webhook("/twilio/voice-response?scenario=cold-call", url.Values{"CallSid": {"CA1"}})
	pc, ok := f.svc.lookup("CA1")
	require.True(t, ok)
	assert.Equal(t, 1, pc.transcript.Len())
}

func TestProcessResponse_RepliesWithHistory(t *testing.T) {
	var gotHistory []conversation.Utterance
	var gotUtterance string
	f := newFixture(t, func(_ context.Context, u string, h []conversation.Utterance, p conversation.Scenario) (string, error) {
		gotUtterance, gotHistory = u, h
		assert.Equal(t, "cold-call", p.ID)
		return "Sure, Tuesday works.", nil
	})
	f.webhook("/twilio/voice-response?scenario=cold-call", url.Values{"CallSid": {"CA1"}})

	rec := f.webhook("/twilio/process-response?scenario=cold-call", url.Values{
		"CallSid":      {"CA1"},
		"SpeechResult": {"Can we meet next week?"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sure, Tuesday works.")
	assert.Equal(t, "Can we meet next week?", gotUtterance)
	require.Len(t, gotHistory, 1)
	assert.Equal(t, conversation.SpeakerPersona, gotHistory[0].Speaker)

	pc, _ := f.svc.lookup("CA1")
	snap := pc.transcript.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, conversation.SpeakerUser, snap[1].Speaker)
	assert.Equal(t, "Sure, Tuesday works.", snap[2].Text)
}

func TestProcessResponse_UnstableAndEmpty(t *testing.T) {
	calls := 0
	f := newFixture(t, func(context.Context, string, []conversation.Utterance, conversation.Scenario) (string, error) {
		calls++
		return "Go on.", nil
	})
	rec := f.webhook("/twilio/process-response?scenario=cold-call", url.Values{"CallSid": {"CA2"}})
	assert.Contains(t, rec.Body.String(), "Could you repeat that?")
	assert.Zero(t, calls)

	rec = f.webhook("/twilio/process-response?scenario=cold-call", url.Values{
		"CallSid":              {"CA2"},
		"UnstableSpeechResult": {"hello there"},
	})
	assert.Contains(t, rec.Body.String(), "Go on.")
	assert.Equal(t, 1, calls)
}

func TestProcessResponse_Fallbacks(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		f := newFixture(t, func(context.Context, string, []conversation.Utterance, conversation.Scenario) (string, error) {
			return "", errors.New("upstream 500")
		})
		rec := f.webhook("/twilio/process-response?scenario=cold-call", url.Values{"CallSid": {"CA3"}, "SpeechResult": {"hi"}})
		assert.Contains(t, rec.Body.String(), "Could you say that again?")
	})
	t.Run("timeout ignoring ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		f := newFixture(t, func(context.Context, string, []conversation.Utterance, conversation.Scenario) (string, error) {
			<-release
			return "too late", nil
		})
		start := time.Now()
		rec := f.webhook("/twilio/process-response?scenario=cold-call", url.Values{"CallSid": {"CA4"}, "SpeechResult": {"hi"}})
		assert.Contains(t, rec.Body.String(), "Could you say that again?")
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestCallStatus_ArchivesOnCompletion(t *testing.T) {
	f := newFixture(t, nil)
	f.webhook("/twilio/voice-response?scenario=cold-call", url.Values{"CallSid": {"CA5"}})
	f.webhook("/twilio/process-response?scenario=cold-call", url.Values{"CallSid": {"CA5"}, "SpeechResult": {"Hi Dana"}})

	rec := f.webhook("/twilio/call-status", url.Values{"CallSid": {"CA5"}, "CallStatus": {"in-progress"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := f.archive.Load(context.Background(), "CA5")
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.webhook("/twilio/call-status", url.Values{"CallSid": {"CA5"}, "CallStatus": {"completed"}})
	got, err := f.archive.Load(context.Background(), "CA5")
	require.NoError(t, err)
	assert.Equal(t, "phone", got.Transport)
	assert.Equal(t, "cold-call", got.ScenarioID)
	assert.Equal(t, "completed", got.Reason)
	assert.Len(t, got.Utterances, 3)

	_, tracked := f.svc.lookup("CA5")
	assert.False(t, tracked)
}

func TestCallStatus_UnansweredIsNotArchived(t *testing.T) {
	f := newFixture(t, nil)
	sid, err := f.svc.StartCall(context.Background(), "+15551234567", "cold-call")
	require.NoError(t, err)

	f.webhook("/twilio/call-status", url.Values{"CallSid": {sid}, "CallStatus": {"no-answer"}})
	_, err = f.archive.Load(context.Background(), sid)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordingComplete_Uploads(t *testing.T) {
	twilioMedia := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != testToken || r.URL.Path != "/Recordings/RE1.wav" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer twilioMedia.Close()

	f := newFixture(t, nil)
	rec := f.webhook("/twilio/recording-complete", url.Values{
		"CallSid":      {"CA6"},
		"RecordingSid": {"RE1"},
		"RecordingUrl": {twilioMedia.URL + "/Recordings/RE1"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	f.svc.Close()

	blob, ok := f.archive.Blob("recordings/CA6_RE1.wav")
	require.True(t, ok)
	assert.Equal(t, []byte("RIFFdata"), blob)
}

func TestStartCall(t *testing.T) {
	f := newFixture(t, nil)
	sid, err := f.svc.StartCall(context.Background(), "+1 (555) 123-4567", "cold-call")
	require.NoError(t, err)
	assert.Equal(t, "CA100", sid)

	require.Len(t, f.api.created, 1)
	p := f.api.created[0]
	assert.Equal(t, "+15551234567", *p.To)
	assert.Equal(t, "+15550000000", *p.From)
	assert.Equal(t, testBase+"/twilio/voice-response?scenario=cold-call", *p.Url)
	assert.True(t, *p.Record)
	assert.Equal(t, testBase+"/twilio/recording-complete", *p.RecordingStatusCallback)
	assert.Equal(t, testBase+"/twilio/call-status", *p.StatusCallback)

	_, tracked := f.svc.lookup("CA100")
	assert.True(t, tracked)
}

func TestStartCall_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.StartCall(ctx, "12345", "cold-call")
	assert.ErrorIs(t, err, ErrInvalidNumber)
	_, err = f.svc.StartCall(ctx, "+15551234567", "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)

	f.api.err = &twclient.TwilioRestError{Code: 21215, Message: "geo"}
	_, err = f.svc.StartCall(ctx, "+15551234567", "cold-call")
	assert.ErrorIs(t, err, ErrGeoPermission)
	f.api.err = &twclient.TwilioRestError{Code: 20003, Message: "auth"}
	_, err = f.svc.StartCall(ctx, "+15551234567", "cold-call")
	assert.ErrorIs(t, err, ErrAuthFailed)
	f.api.err = &twclient.TwilioRestError{Code: 99999, Message: "other"}
	_, err = f.svc.StartCall(ctx, "+15551234567", "cold-call")
	assert.ErrorIs(t, err, ErrProviderRejected)

	f.svc.cfg.BaseURL = ""
	_, err = f.svc.StartCall(ctx, "+15551234567", "cold-call")
	assert.ErrorIs(t, err, ErrNoBaseURL)

	f.svc.cfg = Config{BaseURL: testBase}
	_, err = f.svc.StartCall(ctx, "+15551234567", "cold-call")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEndCallAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.EndCall(ctx, "CA7"))
	assert.Equal(t, "completed", *f.api.updated["CA7"].Status)

	f.api.status = "completed"
	st, err := f.svc.Status(ctx, "CA7")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, 42*time.Second, st.Duration)
	assert.True(t, Terminal(st.Status))
	assert.False(t, Terminal("ringing"))
}

func TestRESTEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.request(http.MethodPost, "/api/twilio/start-call", `{"phoneNumber":"+15551234567","scenario":"cold-call"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var started map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, true, started["success"])
	assert.Equal(t, "CA100", started["callSid"])

	rec = f.request(http.MethodPost, "/api/twilio/start-call", `{"phoneNumber":"call me","scenario":"cold-call"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid phone number")

	rec = f.request(http.MethodPost, "/api/twilio/start-call", `{"scenario":"cold-call"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodPost, "/api/twilio/end-call", `{"callSid":"CA100"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.request(http.MethodPost, "/api/twilio/end-call", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(http.MethodGet, "/api/twilio/call-status/CA100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"in-progress","duration":42}`, rec.Body.String())

	f.api.err = errors.New("connection reset")
	rec = f.request(http.MethodGet, "/api/twilio/call-status/CA100", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	g := e.Group("/api", RateLimit(0.001, 1))
	g.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

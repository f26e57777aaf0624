package rtc

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/conversation"
)

const (
	waitTimeout = 3 * time.Second
	pollEvery   = 5 * time.Millisecond
)

func newTestHandler(password string) *Handler {
	sessions := call.NewFactory(call.Config{}, call.Deps{Log: zerolog.Nop()})
	return NewHandler(sessions, conversation.DefaultCatalog(), Options{Password: password}, zerolog.Nop())
}

func TestAuthorized(t *testing.T) {
	assert.True(t, Authorized(httptest.NewRequest("GET", "/call", nil), ""))
	assert.False(t, Authorized(nil, "secret"))

	q := httptest.NewRequest("GET", "/call?password=secret", nil)
	assert.True(t, Authorized(q, "secret"))

	x := httptest.NewRequest("GET", "/call", nil)
	x.Header.Set("X-Auth-Token", "secret")
	assert.True(t, Authorized(x, "secret"))

	b := httptest.NewRequest("GET", "/call", nil)
	b.Header.Set("Authorization", "bEaReR secret")
	assert.True(t, Authorized(b, "secret"))

	wrong := httptest.NewRequest("GET", "/call?password=nope", nil)
	wrong.Header.Set("Authorization", "Bearer nope")
	wrong.Header.Set("X-Auth-Token", "nope")
	assert.False(t, Authorized(wrong, "secret"))

	basic := httptest.NewRequest("GET", "/call", nil)
	basic.Header.Set("Authorization", "Basic secret")
	assert.False(t, Authorized(basic, "secret"))
}

func TestHandleOffer_RejectsInvalidOffer(t *testing.T) {
	h := newTestHandler("")

	_, err := h.HandleOffer(context.Background(), SessionDescription{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrInvalidOffer)

	_, err = h.HandleOffer(context.Background(), SessionDescription{Type: "offer"})
	assert.ErrorIs(t, err, ErrInvalidOffer)
	assert.Zero(t, h.sessions.Active())
}

func TestHandleOffer_MalformedSDPEndsSession(t *testing.T) {
	h := newTestHandler("")

	_, err := h.HandleOffer(context.Background(), SessionDescription{Type: "offer", SDP: "not sdp"})
	require.Error(t, err)
	assert.Eventually(t, func() bool { return h.sessions.Active() == 0 }, waitTimeout, pollEvery)
}

func TestPeerCommands(t *testing.T) {
	h := newTestHandler("")
	pc, out, err := h.newPeerConnection()
	require.NoError(t, err)
	p, err := h.attach(pc, out, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.sessions.Active())

	// Unknown scenarios and commands are reported, not fatal.
	p.command("start no-such-scenario")
	p.command("dance")
	assert.Equal(t, call.StateIdle, p.ctrl.State())

	p.command("END")
	select {
	case <-p.ctrl.Done():
	case <-time.After(waitTimeout):
		t.Fatal("call did not end")
	}
	assert.Eventually(t, func() bool { return h.sessions.Active() == 0 }, waitTimeout, pollEvery)
}

func TestParseICEServers(t *testing.T) {
	def := parseICEServers("")
	require.Len(t, def, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, def[0].URLs)

	assert.Equal(t, def, parseICEServers("{bad"))

	custom := parseICEServers(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`)
	require.Len(t, custom, 1)
	assert.Equal(t, "u", custom[0].Username)
}

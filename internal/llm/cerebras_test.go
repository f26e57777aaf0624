package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/practice-call/internal/conversation"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, Sampling{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := c.Chat(ctx, []Message{{Role: "user", Content: "hi"}}, Sampling{})
			assert.Error(t, err)
		})
	}
}

func TestPersonaResponder_SendsPersonaAndHistory(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  Um, what's the service charge?  "}}]}`))
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "llama-3.3-70b")
	c.Endpoint = srv.URL
	r := NewPersonaResponder(c)

	persona, ok := conversation.DefaultCatalog().Get("price-negotiation")
	require.True(t, ok)
	history := []conversation.Utterance{
		{Speaker: conversation.SpeakerPersona, Text: "Can we discuss a better deal?", Final: true},
	}
	reply, err := r.Respond(context.Background(), "I can offer two percent off", history, persona)
	require.NoError(t, err)
	assert.Equal(t, "Um, what's the service charge?", reply)

	assert.Equal(t, "llama-3.3-70b", got.Model)
	assert.InDelta(t, 0.9, got.Temperature, 1e-9)
	assert.Equal(t, 80, got.MaxTokens)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "David Kumar")
	assert.Contains(t, got.Messages[0].Content, "Analytical")
	assert.Contains(t, got.Messages[0].Content, "skeptical")
	assert.Equal(t, Message{Role: "assistant", Content: "Can we discuss a better deal?"}, got.Messages[1])
	assert.Equal(t, Message{Role: "user", Content: "I can offer two percent off"}, got.Messages[2])
}

func TestPersonaResponder_TrimsHistoryWindow(t *testing.T) {
	var got chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()
	c := NewCerebrasClient("key", "m")
	c.Endpoint = srv.URL

	var history []conversation.Utterance
	for i := 0; i < 30; i++ {
		history = append(history, conversation.Utterance{Speaker: conversation.SpeakerUser, Text: "x", Final: true})
	}
	_, err := NewPersonaResponder(c).Respond(context.Background(), "hello", history, conversation.Scenario{ClientName: "A"})
	require.NoError(t, err)
	assert.Len(t, got.Messages, HistoryWindow+2)
}

func TestPersonaResponder_RejectsEmptyUtterance(t *testing.T) {
	_, err := NewPersonaResponder(NewCerebrasClient("k", "m")).Respond(context.Background(), "  ", nil, conversation.Scenario{})
	assert.Error(t, err)
}

func TestPersonaPrompt_DefaultsToMedium(t *testing.T) {
	p := PersonaPrompt(conversation.Scenario{ClientName: "Emma", Personality: conversation.Steady})
	assert.Contains(t, p, "You're Emma")
	assert.Contains(t, p, "Patient")
	assert.Contains(t, p, "moderate objections")
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

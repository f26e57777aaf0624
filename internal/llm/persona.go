package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chadiek/practice-call/internal/conversation"
)

// HistoryWindow is how many prior utterances are replayed to the model.
const HistoryWindow = 12

var personalityTraits = map[conversation.Personality]string{
	conversation.Dominant:      "Direct, decisive, impatient. Wants quick results and the bottom line. Challenges statements and values efficiency over relationship.",
	conversation.Influential:   "Enthusiastic, talkative, optimistic. Wants to connect personally, tells stories and gets excited easily. Values relationships and recognition.",
	conversation.Steady:        "Patient, methodical, supportive. Wants security and stability, asks clarifying questions and needs time to decide. Values harmony.",
	conversation.Conscientious: "Analytical, precise, cautious. Wants detailed information and proof, focuses on facts and worries about risk. Values quality and accuracy.",
}

var difficultyModifiers = map[conversation.Difficulty]string{
	conversation.Easy:   "You are cooperative and interested. You have some minor concerns but are generally positive.",
	conversation.Medium: "You have moderate objections and need convincing. You ask probing questions and need clear value demonstration.",
	conversation.Hard:   "You are skeptical and challenging. You push back on proposals, have strong objections, and require significant persuasion.",
}

// PersonaPrompt builds the system prompt that keeps the model in character.
func PersonaPrompt(s conversation.Scenario) string {
	var b strings.Builder
	name := s.ClientName
	if name == "" {
		name = "the client"
	}
	fmt.Fprintf(&b, "You're %s", name)
	if s.ClientType != "" {
		fmt.Fprintf(&b, ", a %s", strings.ToLower(s.ClientType))
	}
	b.WriteString(", a real person on a phone call with a Dubai real estate agent.")
	if s.Brief != "" {
		fmt.Fprintf(&b, " Situation: %s", s.Brief)
	}
	if t, ok := personalityTraits[s.Personality]; ok {
		b.WriteString(" ")
		b.WriteString(t)
	}
	if m, ok := difficultyModifiers[conversation.ParseDifficulty(string(s.Difficulty))]; ok {
		b.WriteString(" ")
		b.WriteString(m)
	}
	b.WriteString("\n\nRespond like a real phone call: natural hesitations, casual contractions, " +
		"realistic reactions and personal details such as budget, timeline or family needs. " +
		"Sound authentic, not scripted. Never say you are an AI. Under 25 words.")
	return b.String()
}

// PersonaResponder answers the agent in character using a chat model.
type PersonaResponder struct {
	client   *CerebrasClient
	sampling Sampling
}

func NewPersonaResponder(c *CerebrasClient) *PersonaResponder {
	return &PersonaResponder{client: c, sampling: Sampling{Temperature: 0.9, MaxTokens: 80}}
}

// Respond maps prior utterances to chat roles (persona as assistant) and
// asks for the next persona line.
func (r *PersonaResponder) Respond(ctx context.Context, utterance string, history []conversation.Utterance, persona conversation.Scenario) (string, error) {
	if strings.TrimSpace(utterance) == "" {
		return "", errors.New("llm: empty utterance")
	}
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: "system", Content: PersonaPrompt(persona)})
	for _, u := range history {
		role := "user"
		if u.Speaker == conversation.SpeakerPersona {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: u.Text})
	}
	msgs = append(msgs, Message{Role: "user", Content: utterance})

	reply, err := r.client.Chat(ctx, msgs, r.sampling)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", ErrEmptyChoices
	}
	return reply, nil
}

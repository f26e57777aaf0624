package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chadiek/practice-call/internal/conversation"
)

// Reply is the outcome of one responder call.
type Reply struct {
	Text string
	// Fallback is set when Text is the fallback line. Reason is then
	// "timeout" or "error" and Err wraps ErrGenerationTimeout or ErrGeneration.
	Fallback bool
	Reason   string
	Err      error
	Latency  time.Duration
}

// ReplyPolicy bounds a responder call. Zero values take the defaults.
type ReplyPolicy struct {
	Timeout      time.Duration
	FallbackLine string
}

func (p ReplyPolicy) withDefaults() ReplyPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultResponderTimeout
	}
	if strings.TrimSpace(p.FallbackLine) == "" {
		p.FallbackLine = DefaultFallbackLine
	}
	return p
}

// GenerateReply asks r for the persona's next line. A failure, an empty
// reply or running past the timeout yields the fallback line, even when the
// responder ignores its context. The error is non-nil only when ctx itself
// ended.
func GenerateReply(ctx context.Context, r Responder, p ReplyPolicy, utterance string, history []conversation.Utterance, persona conversation.Scenario) (Reply, error) {
	p = p.withDefaults()
	tctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	start := time.Now()
	res := make(chan result, 1)
	go func() {
		text, err := r.Respond(tctx, utterance, history, persona)
		res <- result{text, err}
	}()

	var got result
	select {
	case got = <-res:
	case <-tctx.Done():
		got.err = tctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	rep := Reply{Text: strings.TrimSpace(got.text), Latency: time.Since(start)}
	if got.err == nil && rep.Text == "" {
		got.err = errors.New("empty reply")
	}
	if got.err != nil {
		rep.Fallback, rep.Text = true, p.FallbackLine
		rep.Reason, rep.Err = "error", fmt.Errorf("%w: %w", ErrGeneration, got.err)
		if errors.Is(got.err, context.DeadlineExceeded) {
			rep.Reason, rep.Err = "timeout", fmt.Errorf("%w after %s", ErrGenerationTimeout, p.Timeout)
		}
	}
	return rep, nil
}

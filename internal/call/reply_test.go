package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReply(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	tests := []struct {
		name     string
		fn       func(context.Context, string) (string, error)
		policy   ReplyPolicy
		want     string
		reason   string
		sentinel error
	}{
		{
			name: "trimmed reply",
			fn:   func(context.Context, string) (string, error) { return "  Go on.  ", nil },
			want: "Go on.",
		},
		{
			name:     "error uses policy fallback",
			fn:       func(context.Context, string) (string, error) { return "", errors.New("503") },
			policy:   ReplyPolicy{FallbackLine: "Pardon?"},
			want:     "Pardon?",
			reason:   "error",
			sentinel: ErrGeneration,
		},
		{
			name:     "blank reply",
			fn:       func(context.Context, string) (string, error) { return " \n", nil },
			want:     DefaultFallbackLine,
			reason:   "error",
			sentinel: ErrGeneration,
		},
		{
			name: "timeout",
			fn: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			policy:   ReplyPolicy{Timeout: 10 * time.Millisecond},
			want:     DefaultFallbackLine,
			reason:   "timeout",
			sentinel: ErrGenerationTimeout,
		},
		{
			name: "responder ignoring its context",
			fn: func(context.Context, string) (string, error) {
				<-release
				return "too late", nil
			},
			policy:   ReplyPolicy{Timeout: 10 * time.Millisecond},
			want:     DefaultFallbackLine,
			reason:   "timeout",
			sentinel: ErrGenerationTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeResponder{fn: tt.fn}
			rep, err := GenerateReply(context.Background(), r, tt.policy, "Is it cheap?", nil, testPersona)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rep.Text)
			assert.Equal(t, tt.reason, rep.Reason)
			assert.Equal(t, tt.sentinel != nil, rep.Fallback)
			if tt.sentinel != nil {
				assert.ErrorIs(t, rep.Err, tt.sentinel)
			} else {
				assert.NoError(t, rep.Err)
			}
			assert.Equal(t, "Is it cheap?", r.call(0).utterance)
		})
	}
}

func TestGenerateReply_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeResponder{fn: func(ctx context.Context, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}}
	_, err := GenerateReply(ctx, r, ReplyPolicy{}, "Hello?", nil, testPersona)
	assert.ErrorIs(t, err, context.Canceled)
}

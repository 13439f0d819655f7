package mock

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(texts ...string) *inference.Request {
	parts := []messages.Part{}
	for _, t := range texts {
		parts = append(parts, messages.Part{Text: t})
	}
	return &inference.Request{
		Messages: []messages.GroupedMessage{{Role: messages.GroupedRoleUser, Parts: parts}},
	}
}

func TestEcho(t *testing.T) {
	tests := []struct {
		name     string
		req      *inference.Request
		wantType inference.ReplyType
		want     string
	}{
		{name: "strips speaker", req: request("Alice: hi", "Bob: hello there"), wantType: inference.ReplySuccess, want: "hello there"},
		{name: "no speaker", req: request("plain"), wantType: inference.ReplySuccess, want: "plain"},
		{name: "empty", req: &inference.Request{}, wantType: inference.ReplyError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := New().RunInference(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, reply.Type)
			if tt.wantType == inference.ReplySuccess {
				regular, _ := inference.SplitReply(reply.Parts())
				assert.Equal(t, tt.want, regular)
			}
		})
	}
}

func TestScriptedRotation(t *testing.T) {
	e := New(
		inference.NewSuccessReply(inference.TextPart("one")),
		inference.NewErrorReply("two"),
	)
	var got []string
	for i := 0; i < 3; i++ {
		reply, err := e.RunInference(context.Background(), request("x"))
		require.NoError(t, err)
		if reply.Type == inference.ReplyError {
			got = append(got, reply.Error)
		} else {
			got = append(got, reply.Parts()[0].Text)
		}
	}
	assert.Equal(t, []string{"one", "two", "one"}, got)
	assert.Len(t, e.Calls(), 3)
}

func TestDelayIsInterruptible(t *testing.T) {
	e := New()
	e.Delay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.RunInference(ctx, request("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, e.Calls())
}

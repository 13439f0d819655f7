package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/multilogue/pkg/helpers"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessages(t *testing.T) {
	got := toMessages([]messages.GroupedMessage{
		{Role: messages.GroupedRoleUser, Parts: []messages.Part{{Text: "Alice: a"}, {Text: "Bob: b"}}},
		{Role: messages.GroupedRoleModel, Parts: []messages.Part{{Text: "c"}}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "Alice: a\n\nBob: b", got[0].Content)
	assert.Equal(t, "assistant", got[1].Role)
}

func TestToOptions(t *testing.T) {
	tests := []struct {
		name     string
		settings *inference.Settings
		want     map[string]interface{}
	}{
		{name: "nil", settings: nil, want: map[string]interface{}{}},
		{
			name: "mapped",
			settings: &inference.Settings{
				Temperature:     helpers.Pointer(0.7),
				TopP:            helpers.Pointer(0.9),
				TopK:            helpers.Pointer(40.0),
				MaxOutputTokens: helpers.Pointer(128),
				IncludeThoughts: helpers.Pointer(true),
			},
			want: map[string]interface{}{
				"temperature": 0.7,
				"top_p":       0.9,
				"top_k":       40,
				"num_predict": 128,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toOptions(tt.settings))
		})
	}
}

func TestRunInferenceStatusErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		unauthorized bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, unauthorized: true},
		{name: "forbidden", status: http.StatusForbidden, unauthorized: true},
		{name: "missing model", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"request refused"}`))
			}))
			defer srv.Close()
			t.Setenv("OLLAMA_HOST", srv.URL)

			e, err := New(inference.MachineConfig{Name: "BOT"})
			require.NoError(t, err)
			reply, err := e.RunInference(context.Background(), &inference.Request{
				Messages: []messages.GroupedMessage{
					{Role: messages.GroupedRoleUser, Parts: []messages.Part{{Text: "Alice: hi"}}},
				},
			})
			require.NoError(t, err)
			assert.Equal(t, inference.ReplyError, reply.Type)
			assert.Equal(t, tt.unauthorized, reply.Unauthorized)
		})
	}
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "MULTILOGUE_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is the worker binary used by the
// tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	defer os.Exit(0)

	b, _ := io.ReadAll(os.Stdin)
	var req map[string]interface{}
	_ = json.Unmarshal(b, &req)
	if _, ok := req["Credential"]; ok {
		fmt.Fprint(os.Stderr, "credential leaked to stdin")
		os.Exit(3)
	}

	switch os.Getenv("HELPER_MODE") {
	case "echo":
		msgs := req["messages"].([]interface{})
		last := msgs[len(msgs)-1].(map[string]interface{})
		parts := last["parts"].([]interface{})
		text := parts[len(parts)-1].(map[string]interface{})["text"].(string)
		out, _ := json.Marshal(inference.NewSuccessReply(
			inference.ThoughtPart("key="+os.Getenv(CredentialEnv)),
			inference.TextPart("echo "+text),
		))
		_, _ = os.Stdout.Write(out)
	case "fail":
		fmt.Fprint(os.Stderr, "boom")
		os.Exit(1)
	case "garbage":
		fmt.Print(`{"type":"success"}`)
	case "sleep":
		time.Sleep(10 * time.Second)
	}
}

func helperEngine(t *testing.T, mode string, options ...Option) *Engine {
	e, err := New(inference.MachineConfig{Name: "BOT", Work: os.Args[0]},
		append([]Option{
			WithArgs("-test.run=TestHelperProcess", "--"),
			WithEnv(helperEnv+"=1", "HELPER_MODE="+mode),
		}, options...)...)
	require.NoError(t, err)
	return e
}

func testRequest() *inference.Request {
	return &inference.Request{
		Config: inference.MachineConfig{Name: "BOT"},
		Messages: []messages.GroupedMessage{
			{Role: messages.GroupedRoleUser, Parts: []messages.Part{{Text: "Alice: hi"}}},
		},
		Credential: "secret",
	}
}

func TestRunInference(t *testing.T) {
	reply, err := helperEngine(t, "echo").RunInference(context.Background(), testRequest())
	require.NoError(t, err)
	regular, reasoning := inference.SplitReply(reply.Parts())
	assert.Equal(t, "echo Alice: hi", regular)
	assert.Equal(t, "key=secret", reasoning)
}

func TestRunInferenceFailures(t *testing.T) {
	t.Run("non zero exit", func(t *testing.T) {
		reply, err := helperEngine(t, "fail").RunInference(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, inference.ReplyError, reply.Type)
		assert.Equal(t, "worker failed: boom", reply.Error)
	})

	t.Run("invalid reply", func(t *testing.T) {
		_, err := helperEngine(t, "garbage").RunInference(context.Background(), testRequest())
		assert.ErrorIs(t, err, inference.ErrInvalidReply)
	})

	t.Run("timeout", func(t *testing.T) {
		e := helperEngine(t, "sleep", WithTimeout(200*time.Millisecond))
		_, err := e.RunInference(context.Background(), testRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNewRequiresWork(t *testing.T) {
	_, err := New(inference.MachineConfig{Name: "BOT", Work: "  "})
	assert.Error(t, err)
}

package cmds

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-go-golems/multilogue/pkg/engines/mock"
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiktoken-go/tokenizer"
)

const dialogue = "Alice: hello\n\nBob: hi\n\tthere\n\nBOT: hey\n\n"

func TestConvert(t *testing.T) {
	tests := []struct {
		name  string
		opts  convertOptions
		check func(t *testing.T, out string)
	}{
		{
			name: "text to text normalizes",
			opts: convertOptions{From: FormatText, To: FormatText},
			check: func(t *testing.T, out string) {
				assert.Equal(t, dialogue, out)
			},
		},
		{
			name: "markup",
			opts: convertOptions{From: FormatText, To: FormatMarkup},
			check: func(t *testing.T, out string) {
				assert.Equal(t, 3, strings.Count(out, `class="speaker"`))
				back, err := convert(out, convertOptions{From: FormatMarkup, To: FormatText})
				require.NoError(t, err)
				assert.Equal(t, dialogue, back)
			},
		},
		{
			name: "flat as json",
			opts: convertOptions{To: FormatFlat, Machine: "BOT", Output: "json"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, `"role": "assistant"`)
				assert.Contains(t, out, `"name": "Alice"`)
			},
		},
		{
			name: "grouped as yaml",
			opts: convertOptions{To: FormatGrouped, Machine: "BOT", Output: "yaml"},
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "role: user")
				assert.Contains(t, out, "role: model")
				assert.Contains(t, out, "Alice: hello")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := convert(dialogue, tt.opts)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestConvertErrors(t *testing.T) {
	_, err := convert(dialogue, convertOptions{From: "pdf", To: FormatText})
	assert.Error(t, err)
	_, err = convert(dialogue, convertOptions{To: "pdf"})
	assert.Error(t, err)
	_, err = convert(dialogue, convertOptions{To: FormatGrouped})
	assert.ErrorIs(t, err, messages.ErrMissingConfiguration)
	_, err = convert(dialogue, convertOptions{To: FormatFlat, Output: "json"})
	assert.ErrorIs(t, err, messages.ErrMissingConfiguration)
}

func TestPrintStructuredYAML(t *testing.T) {
	var buf bytes.Buffer
	err := printStructured(&buf, "yaml", struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}{Name: "x", Items: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "name: x\nitems:\n  - a\n", buf.String())

	assert.Error(t, printStructured(&buf, "toml", 1))
}

func TestSettingsValues(t *testing.T) {
	settings := inference.ParseSettingsQuery(settingsValues([]string{"temperature=0.5", "top_k=3", "seed"}))
	require.NotNil(t, settings.Temperature)
	assert.Equal(t, 0.5, *settings.Temperature)
	require.NotNil(t, settings.TopK)
	assert.Equal(t, 3.0, *settings.TopK)
}

func TestBindConfigFlags(t *testing.T) {
	v := viper.New()
	v.SetDefault("store.backend", "memory")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddConfigFlags(fs)
	require.NoError(t, BindConfigFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--machine-name", "BOT"}))

	assert.Equal(t, "BOT", v.GetString("machine.name"))
	assert.Equal(t, "memory", v.GetString("store.backend"))
}

func TestTranscriptMarkdown(t *testing.T) {
	utterances, err := transcript.Parse(dialogue)
	require.NoError(t, err)
	assert.Equal(t,
		"**Alice**: hello\n\n**Bob**: hi\n\nthere\n\n**BOT**: hey\n",
		transcriptMarkdown(utterances))
}

func TestCountTokens(t *testing.T) {
	codec, err := getCodec(string(tokenizer.GPT4), "")
	require.NoError(t, err)
	utterances, err := transcript.Parse("Alice: hello\n\nBOT: hey\n\nAlice: how are you today\n\n")
	require.NoError(t, err)

	counts, err := countTokens(codec, utterances)
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, "Alice", counts[0].Speaker)
	assert.Equal(t, 2, counts[0].Utterances)
	assert.Equal(t, "BOT", counts[1].Speaker)
	assert.Equal(t, 3, counts[2].Utterances)
	assert.Equal(t, counts[0].Tokens+counts[1].Tokens, counts[2].Tokens)
	assert.Greater(t, counts[0].Tokens, counts[1].Tokens)

	var buf bytes.Buffer
	require.NoError(t, printTokenCounts(&buf, counts))
	assert.Contains(t, buf.String(), "total")

	_, err = getCodec("", "no-such-encoding")
	assert.Error(t, err)
}

func TestRunCyclePromptsForCredential(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend())
	_, err := st.Set(ctx, st.PrimaryKey(), "Alice: hello\n\n")
	require.NoError(t, err)

	engine := mock.New(inference.NewSuccessReply(inference.TextPart("Hi")))
	failing := inference.CredentialSourceFunc(func(context.Context) (string, error) {
		return "", errors.New("unavailable")
	})
	newOrchestrator := func(t *testing.T) *inference.Orchestrator {
		o, err := inference.NewOrchestrator(st, engine, inference.MachineConfig{Name: "BOT"},
			inference.WithCredentialSource(failing))
		require.NoError(t, err)
		return o
	}

	t.Run("without prompt", func(t *testing.T) {
		outcome, err := runCycle(ctx, newOrchestrator(t), nil, nil)
		assert.ErrorIs(t, err, inference.ErrCredentialRequired)
		require.NotNil(t, outcome)
		assert.Equal(t, inference.StateNeedsCredential, outcome.State)
	})

	t.Run("prompt fails", func(t *testing.T) {
		_, err := runCycle(ctx, newOrchestrator(t), nil, func(string) (string, error) {
			return "", inference.ErrCredentialRequired
		})
		assert.ErrorIs(t, err, inference.ErrCredentialRequired)
	})

	t.Run("prompted", func(t *testing.T) {
		var asked string
		outcome, err := runCycle(ctx, newOrchestrator(t), nil, func(machine string) (string, error) {
			asked = machine
			return "secret", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "BOT", asked)
		assert.Equal(t, inference.StateApplied, outcome.State)

		calls := engine.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "secret", calls[0].Credential)

		text, _, err := st.Get(ctx, st.PrimaryKey())
		require.NoError(t, err)
		assert.Equal(t, "Alice: hello\n\nBOT: Hi\n\n", text)
	})
}

func TestPrintOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome inference.Outcome
		want    string
	}{
		{"applied", inference.Outcome{State: inference.StateApplied, Reply: "Hi"}, "Hi\n"},
		{"passed", inference.Outcome{State: inference.StateApplied, Passed: true}, "(the model passed)\n"},
		{"failed", inference.Outcome{CycleID: "c1", State: inference.StateFailed}, "cycle c1: failed\n"},
		{
			"applied with warning",
			inference.Outcome{State: inference.StateApplied, Reply: "Hi", Warnings: []string{"could not store reasoning: disk full"}},
			"Hi\nwarning: could not store reasoning: disk full\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printOutcome(&buf, "text", &tt.outcome))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

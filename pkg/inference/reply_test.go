package inference

import (
	"encoding/json"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, r *Reply)
	}{
		{
			name:  "success with thought",
			input: `{"type":"success","data":{"content":{"role":"model","parts":[{"text":"thinking","thought":true},{"text":"hello"}]},"finishReason":"STOP"}}`,
			check: func(t *testing.T, r *Reply) {
				require.Len(t, r.Parts(), 2)
				assert.True(t, r.Parts()[0].IsThought())
				assert.False(t, r.Parts()[1].IsThought())
			},
		},
		{
			name:  "error",
			input: `{"type":"error","error":"quota exceeded"}`,
			check: func(t *testing.T, r *Reply) {
				assert.Equal(t, ReplyError, r.Type)
				assert.Equal(t, "quota exceeded", r.ErrorMessage())
			},
		},
		{name: "unknown type", input: `{"type":"maybe"}`, wantErr: true},
		{name: "success without data", input: `{"type":"success"}`, wantErr: true},
		{name: "missing content", input: `{"type":"success","data":{}}`, wantErr: true},
		{name: "part without text", input: `{"type":"success","data":{"content":{"parts":[{"thought":true}]}}}`, wantErr: true},
		{name: "not json", input: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReply([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReply)
				return
			}
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestReplySchemaHasNoDraftVersion(t *testing.T) {
	b, err := json.Marshal(ReplySchema())
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"$schema"`)
	assert.Contains(t, string(b), `"success"`)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"a<br>b<br/>c", "a\nb\nc"},
		{"<p>one</p><p>two</p>", "one\n\ntwo"},
		{"<b>bold</b> &amp; <i>it</i>", "bold & it"},
		{"1 &lt; 2 and 3 > 2", "1 < 2 and 3 > 2"},
		{"it&#39;s", "it's"},
		{"x<script>alert(1)</script>y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSplitReply(t *testing.T) {
	regular, reasoning := SplitReply([]ReplyPart{
		ThoughtPart("I should"),
		TextPart("Hello"),
		ThoughtPart("<b>greet</b>"),
		{Text: "there", Thought: new(bool)},
	})
	assert.Equal(t, "Hello there", regular)
	assert.Equal(t, "I should greet", reasoning)

	regular, reasoning = SplitReply(nil)
	assert.Empty(t, regular)
	assert.Empty(t, reasoning)
}

func TestParseSettingsQuery(t *testing.T) {
	values, err := url.ParseQuery("temperature=0.7&top_p=0.9&topK=40&maxOutputTokens=512.9&thinkingBudget=abc&includeThoughts=true&model=x")
	require.NoError(t, err)

	s := ParseSettingsQuery(values)
	require.NotNil(t, s.Temperature)
	assert.Equal(t, 0.7, *s.Temperature)
	require.NotNil(t, s.TopP)
	assert.Equal(t, 0.9, *s.TopP)
	require.NotNil(t, s.TopK)
	assert.Equal(t, 40.0, *s.TopK)
	require.NotNil(t, s.MaxOutputTokens)
	assert.Equal(t, 512, *s.MaxOutputTokens)
	assert.Nil(t, s.ThinkingBudget)
	require.NotNil(t, s.IncludeThoughts)
	assert.True(t, *s.IncludeThoughts)
	assert.Equal(t, map[string]string{"thinkingBudget": "abc", "model": "x"}, s.Extra)

	s = ParseSettingsQuery(url.Values{"includeThoughts": {"yes"}})
	require.NotNil(t, s.IncludeThoughts)
	assert.False(t, *s.IncludeThoughts)
}

func TestSettingsCloneAndMerge(t *testing.T) {
	temp := 0.5
	base := &Settings{Temperature: &temp, Extra: map[string]string{"a": "1"}}

	c := base.Clone()
	*c.Temperature = 1.0
	c.Extra["a"] = "2"
	assert.Equal(t, 0.5, *base.Temperature)
	assert.Equal(t, "1", base.Extra["a"])

	tokens := 100
	merged := base.Merge(&Settings{MaxOutputTokens: &tokens, Extra: map[string]string{"b": "2"}})
	assert.Equal(t, 0.5, *merged.Temperature)
	assert.Equal(t, 100, *merged.MaxOutputTokens)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Extra)
	assert.Nil(t, base.MaxOutputTokens)
}

func TestRequestJSONOmitsCredential(t *testing.T) {
	b, err := json.Marshal(&Request{Config: MachineConfig{Name: "BOT"}, Credential: "secret"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret")
}

func TestUnauthorizedReply(t *testing.T) {
	tests := []struct {
		code int
		auth bool
	}{
		{code: 401, auth: true},
		{code: 403, auth: true},
		{code: 400},
		{code: 429},
		{code: 500},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.auth, IsAuthStatus(tt.code))
		})
	}

	r := NewUnauthorizedReply("key rejected")
	require.NoError(t, r.Validate())
	assert.Equal(t, ReplyError, r.Type)
	assert.True(t, r.Unauthorized)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"key rejected"}`, string(b))
}

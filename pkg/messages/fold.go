package messages

import (
	"strings"

	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

// PassUtterances are replies meaning the participant deliberately yields the
// turn. They are compared trimmed and case-folded.
var PassUtterances = []string{"...", "silence", "pass"}

func IsPassUtterance(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range PassUtterances {
		if s == p {
			return true
		}
	}
	return false
}

// FoldAssistantReply returns a copy of messages with the reply appended as an
// assistant message. The input slice is left untouched.
func FoldAssistantReply(messages []FlatMessage, modelName string, reply string) []FlatMessage {
	ret := make([]FlatMessage, 0, len(messages)+1)
	if len(messages) > 0 {
		ret = append(ret, clone.Clone(messages).([]FlatMessage)...)
	}
	return append(ret, FlatMessage{
		Role:    RoleAssistant,
		Name:    modelName,
		Content: reply,
	})
}

// FlatMessagesToTranscriptText serializes flat messages back into transcript
// text, with the same normalization as transcript.Serialize.
func FlatMessagesToTranscriptText(messages []FlatMessage) string {
	utterances := make([]transcript.Utterance, 0, len(messages))
	for i, m := range messages {
		if strings.TrimSpace(m.Name) == "" {
			log.Warn().Int("message", i).Msg("skipping flat message without name")
			continue
		}
		utterances = append(utterances, transcript.Utterance{Speaker: m.Name, Body: m.Content})
	}
	return transcript.Serialize(utterances)
}

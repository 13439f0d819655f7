package messages

import (
	"errors"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/markup"
	"github.com/go-go-golems/multilogue/pkg/transcript"
)

// ErrMissingConfiguration is returned when role inference needs a model name
// and none is configured.
var ErrMissingConfiguration = errors.New("model name is not configured")

// InstructionsSpeaker is the speaker whose utterances become system messages.
const InstructionsSpeaker = "INSTRUCTIONS"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type GroupedRole string

const (
	GroupedRoleUser  GroupedRole = "user"
	GroupedRoleModel GroupedRole = "model"
)

// FlatMessage is one role-tagged message per utterance.
type FlatMessage struct {
	Role    Role   `json:"role" yaml:"role"`
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}

type Part struct {
	Text string `json:"text" yaml:"text"`
}

// GroupedMessage is a multi-part message as sent to the inference service.
// Model messages always carry exactly one part.
type GroupedMessage struct {
	Role  GroupedRole `json:"role" yaml:"role"`
	Parts []Part      `json:"parts" yaml:"parts"`
}

// RoleOf maps a speaker to a role. The comparison is case-insensitive.
func RoleOf(speaker, modelName string) Role {
	speaker = strings.TrimSpace(speaker)
	modelName = strings.TrimSpace(modelName)
	switch {
	case modelName != "" && strings.EqualFold(speaker, modelName):
		return RoleAssistant
	case strings.EqualFold(speaker, InstructionsSpeaker):
		return RoleSystem
	default:
		return RoleUser
	}
}

// Source yields utterances from one of the textual representations.
type Source interface {
	Utterances() ([]transcript.Utterance, error)
}

// TextSource is plain transcript text.
type TextSource string

func (s TextSource) Utterances() ([]transcript.Utterance, error) {
	return transcript.Parse(string(s))
}

// MarkupSource is dialogue markup.
type MarkupSource string

func (s MarkupSource) Utterances() ([]transcript.Utterance, error) {
	return markup.Utterances(string(s))
}

// UtteranceSource wraps already parsed utterances.
type UtteranceSource []transcript.Utterance

func (s UtteranceSource) Utterances() ([]transcript.Utterance, error) {
	return s, nil
}

// ToFlatMessages assigns a role to every utterance of source. Like
// ToGroupedMessages it needs a model name unless source is empty.
func ToFlatMessages(source Source, modelName string) ([]FlatMessage, error) {
	utterances, err := source.Utterances()
	if err != nil {
		return nil, err
	}
	if len(utterances) == 0 {
		return []FlatMessage{}, nil
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, ErrMissingConfiguration
	}

	ret := make([]FlatMessage, 0, len(utterances))
	for _, u := range utterances {
		ret = append(ret, FlatMessage{
			Role:    RoleOf(u.Speaker, modelName),
			Name:    u.Speaker,
			Content: u.Body,
		})
	}
	return ret, nil
}

// ToGroupedMessages merges consecutive non-model utterances into a single user
// message whose parts are prefixed with the speaker name. Every model
// utterance becomes its own single-part model message.
func ToGroupedMessages(source Source, modelName string) ([]GroupedMessage, error) {
	utterances, err := source.Utterances()
	if err != nil {
		return nil, err
	}
	if len(utterances) == 0 {
		return []GroupedMessage{}, nil
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, ErrMissingConfiguration
	}

	ret := []GroupedMessage{}
	var pending []Part
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ret = append(ret, GroupedMessage{Role: GroupedRoleUser, Parts: pending})
		pending = nil
	}

	for _, u := range utterances {
		if RoleOf(u.Speaker, modelName) == RoleAssistant {
			flush()
			ret = append(ret, GroupedMessage{
				Role:  GroupedRoleModel,
				Parts: []Part{{Text: u.Body}},
			})
			continue
		}
		pending = append(pending, Part{Text: u.Speaker + ": " + u.Body})
	}
	flush()

	return ret, nil
}

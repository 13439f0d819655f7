package ollama

import (
	"context"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultModel = "llama3"

// Engine runs the conversation against a local ollama server. The server
// address comes from OLLAMA_HOST.
type Engine struct {
	client *api.Client
	model  string
}

var _ inference.Engine = (*Engine)(nil)

func New(machine inference.MachineConfig) (*Engine, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "could not create ollama client")
	}
	model := machine.Model
	if model == "" {
		model = DefaultModel
	}
	return &Engine{client: client, model: model}, nil
}

func toMessages(msgs []messages.GroupedMessage) []api.Message {
	ret := []api.Message{}
	for _, m := range msgs {
		texts := make([]string, 0, len(m.Parts))
		for _, p := range m.Parts {
			texts = append(texts, p.Text)
		}
		role := "user"
		if m.Role == messages.GroupedRoleModel {
			role = "assistant"
		}
		ret = append(ret, api.Message{
			Content: strings.Join(texts, "\n\n"),
			Role:    role,
		})
	}
	return ret
}

func toOptions(s *inference.Settings) map[string]interface{} {
	ret := map[string]interface{}{}
	if s == nil {
		return ret
	}
	if s.Temperature != nil {
		ret["temperature"] = *s.Temperature
	}
	if s.TopP != nil {
		ret["top_p"] = *s.TopP
	}
	if s.TopK != nil {
		ret["top_k"] = int(*s.TopK)
	}
	if s.MaxOutputTokens != nil {
		ret["num_predict"] = *s.MaxOutputTokens
	}
	return ret
}

func (e *Engine) RunInference(ctx context.Context, req *inference.Request) (*inference.Reply, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model:    e.model,
		Messages: toMessages(req.Messages),
		Stream:   &stream,
		Options:  toOptions(req.Settings),
	}

	log.Debug().Str("model", e.model).Int("messages", len(chatReq.Messages)).Msg("calling ollama")
	message := ""
	err := e.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		message += resp.Message.Content
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			if inference.IsAuthStatus(statusErr.StatusCode) {
				return inference.NewUnauthorizedReply(statusErr.Error()), nil
			}
			return inference.NewErrorReply(statusErr.Error()), nil
		}
		return nil, errors.Wrap(err, "ollama request failed")
	}

	return inference.NewSuccessReply(inference.TextPart(message)), nil
}

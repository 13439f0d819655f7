package openai

import (
	"context"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o-mini"

// Engine talks to any OpenAI compatible chat completion endpoint. The
// credential of the request is used as the API key, so the client is built
// per call.
type Engine struct {
	baseURL string
	model   string
}

var _ inference.Engine = (*Engine)(nil)

func New(machine inference.MachineConfig) *Engine {
	ret := &Engine{
		baseURL: strings.TrimRight(machine.BaseURL, "/"),
		model:   machine.Model,
	}
	if ret.model == "" {
		ret.model = DefaultModel
	}
	return ret
}

func (e *Engine) makeClient(apiKey string) *go_openai.Client {
	config := go_openai.DefaultConfig(apiKey)
	if e.baseURL != "" {
		config.BaseURL = e.baseURL
	}
	return go_openai.NewClientWithConfig(config)
}

func toChatMessages(msgs []messages.GroupedMessage) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		texts := make([]string, 0, len(m.Parts))
		for _, p := range m.Parts {
			texts = append(texts, p.Text)
		}
		role := go_openai.ChatMessageRoleUser
		if m.Role == messages.GroupedRoleModel {
			role = go_openai.ChatMessageRoleAssistant
		}
		ret = append(ret, go_openai.ChatCompletionMessage{
			Role:    role,
			Content: strings.Join(texts, "\n\n"),
		})
	}
	return ret
}

func (e *Engine) makeRequest(req *inference.Request) go_openai.ChatCompletionRequest {
	ret := go_openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: toChatMessages(req.Messages),
	}
	if s := req.Settings; s != nil {
		if s.Temperature != nil {
			ret.Temperature = float32(*s.Temperature)
		}
		if s.TopP != nil {
			ret.TopP = float32(*s.TopP)
		}
		if s.MaxOutputTokens != nil {
			ret.MaxTokens = *s.MaxOutputTokens
		}
	}
	return ret
}

func (e *Engine) RunInference(ctx context.Context, req *inference.Request) (*inference.Reply, error) {
	client := e.makeClient(req.Credential)

	log.Debug().Str("model", e.model).Int("messages", len(req.Messages)).Msg("calling openai")
	resp, err := client.CreateChatCompletion(ctx, e.makeRequest(req))
	if err != nil {
		var apiErr *go_openai.APIError
		if errors.As(err, &apiErr) {
			if inference.IsAuthStatus(apiErr.HTTPStatusCode) {
				return inference.NewUnauthorizedReply(apiErr.Message), nil
			}
			return inference.NewErrorReply(apiErr.Message), nil
		}
		var reqErr *go_openai.RequestError
		if errors.As(err, &reqErr) {
			if inference.IsAuthStatus(reqErr.HTTPStatusCode) {
				return inference.NewUnauthorizedReply(reqErr.Error()), nil
			}
			return inference.NewErrorReply(reqErr.Error()), nil
		}
		return nil, errors.Wrap(err, "openai request failed")
	}

	if len(resp.Choices) == 0 {
		return inference.NewErrorReply("no choices returned"), nil
	}
	return inference.NewSuccessReply(inference.TextPart(resp.Choices[0].Message.Content)), nil
}

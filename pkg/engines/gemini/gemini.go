package gemini

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.5-flash"
	// reason attached to a 400 response when the key itself is rejected
	apiKeyInvalidReason = "API_KEY_INVALID"
)

// Engine calls Gemini generateContent through the genai client. Grouped
// messages are sent as contents unchanged, and thought parts of the reply
// keep their flag.
type Engine struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ inference.Engine = (*Engine)(nil)

type Option func(*Engine)

func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

func New(machine inference.MachineConfig, options ...Option) *Engine {
	ret := &Engine{
		baseURL: machine.BaseURL,
		model:   machine.Model,
	}
	if ret.model == "" {
		ret.model = DefaultModel
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (e *Engine) makeClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: e.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: e.baseURL,
		},
	})
}

func roleToGeminiRole(role messages.GroupedRole) genai.Role {
	if role == messages.GroupedRoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func buildContents(req *inference.Request) []*genai.Content {
	ret := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
		ret = append(ret, genai.NewContentFromParts(parts, roleToGeminiRole(m.Role)))
	}
	return ret
}

func float32Ptr(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

func buildConfig(s *inference.Settings) *genai.GenerateContentConfig {
	if s == nil {
		return nil
	}
	ret := &genai.GenerateContentConfig{
		Temperature: float32Ptr(s.Temperature),
		TopP:        float32Ptr(s.TopP),
		TopK:        float32Ptr(s.TopK),
	}
	if s.MaxOutputTokens != nil {
		ret.MaxOutputTokens = int32(*s.MaxOutputTokens)
	}
	if s.ThinkingBudget != nil || s.IncludeThoughts != nil {
		tc := &genai.ThinkingConfig{}
		if s.IncludeThoughts != nil {
			tc.IncludeThoughts = *s.IncludeThoughts
		}
		if s.ThinkingBudget != nil {
			budget := int32(math.Round(*s.ThinkingBudget))
			tc.ThinkingBudget = &budget
		}
		ret.ThinkingConfig = tc
	}
	return ret
}

func isAPIKeyInvalid(apiErr genai.APIError) bool {
	for _, d := range apiErr.Details {
		if reason, ok := d["reason"].(string); ok && reason == apiKeyInvalidReason {
			return true
		}
	}
	return false
}

// apiErrorReply turns a service error into an error reply. Bodies the client
// could not decode carry the HTTP status line in Status.
func apiErrorReply(apiErr genai.APIError) *inference.Reply {
	msg := fmt.Sprintf("%s (%d %s)", apiErr.Message, apiErr.Code, apiErr.Status)
	if apiErr.Status == "" || strings.HasPrefix(apiErr.Status, strconv.Itoa(apiErr.Code)) {
		msg = "gemini returned " + apiErr.Status
		if apiErr.Status == "" {
			msg = "gemini returned " + strconv.Itoa(apiErr.Code)
		}
	}
	if inference.IsAuthStatus(apiErr.Code) || isAPIKeyInvalid(apiErr) {
		return inference.NewUnauthorizedReply(msg)
	}
	return inference.NewErrorReply(msg)
}

func (e *Engine) RunInference(ctx context.Context, req *inference.Request) (*inference.Reply, error) {
	client, err := e.makeClient(ctx, req.Credential)
	if err != nil {
		return nil, errors.Wrap(err, "could not create gemini client")
	}

	log.Debug().Str("model", e.model).Int("contents", len(req.Messages)).Msg("calling gemini")
	resp, err := client.Models.GenerateContent(ctx, e.model, buildContents(req), buildConfig(req.Settings))
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return apiErrorReply(apiErr), nil
		}
		return nil, errors.Wrap(err, "gemini request failed")
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates returned"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return inference.NewErrorReply(reason), nil
	}

	c := resp.Candidates[0]
	parts := make([]inference.ReplyPart, 0, len(c.Content.Parts))
	for _, p := range c.Content.Parts {
		if p == nil {
			continue
		}
		if p.Thought {
			parts = append(parts, inference.ThoughtPart(p.Text))
			continue
		}
		parts = append(parts, inference.TextPart(p.Text))
	}
	log.Debug().Str("finishReason", string(c.FinishReason)).Int("parts", len(parts)).Msg("gemini replied")
	return inference.NewSuccessReply(parts...), nil
}

package inference

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

type ReplyType string

const (
	ReplySuccess ReplyType = "success"
	ReplyError   ReplyType = "error"
)

// ReplyPart is one content segment. Segments whose Thought flag is true carry
// the model's reasoning rather than its answer.
type ReplyPart struct {
	Text    string `json:"text"`
	Thought *bool  `json:"thought,omitempty"`
}

func (p ReplyPart) IsThought() bool {
	return p.Thought != nil && *p.Thought
}

type ReplyContent struct {
	Parts []ReplyPart `json:"parts"`
}

type ReplyData struct {
	Content ReplyContent `json:"content"`
}

// Reply is the tagged union returned by the inference capability: either
// {type: success, data: {content: {parts}}} or {type: error, error}.
type Reply struct {
	Type  ReplyType  `json:"type" jsonschema:"enum=success,enum=error"`
	Data  *ReplyData `json:"data,omitempty"`
	Error string     `json:"error,omitempty"`
	// Unauthorized marks an error reply caused by a rejected credential.
	Unauthorized bool `json:"-"`
}

func NewSuccessReply(parts ...ReplyPart) *Reply {
	if parts == nil {
		parts = []ReplyPart{}
	}
	return &Reply{
		Type: ReplySuccess,
		Data: &ReplyData{Content: ReplyContent{Parts: parts}},
	}
}

func NewErrorReply(message string) *Reply {
	return &Reply{Type: ReplyError, Error: message}
}

// NewUnauthorizedReply is an error reply for a credential the service refused.
func NewUnauthorizedReply(message string) *Reply {
	return &Reply{Type: ReplyError, Error: message, Unauthorized: true}
}

func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func TextPart(text string) ReplyPart {
	return ReplyPart{Text: text}
}

func ThoughtPart(text string) ReplyPart {
	t := true
	return ReplyPart{Text: text, Thought: &t}
}

// Parts returns the content segments of a success reply.
func (r *Reply) Parts() []ReplyPart {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data.Content.Parts
}

// Validate checks the variant invariants that the JSON schema cannot express.
func (r *Reply) Validate() error {
	if r == nil {
		return errors.Wrap(ErrInvalidReply, "no reply")
	}
	switch r.Type {
	case ReplySuccess:
		if r.Data == nil || r.Data.Content.Parts == nil {
			return errors.Wrap(ErrInvalidReply, "success reply without content parts")
		}
	case ReplyError:
	default:
		return errors.Wrapf(ErrInvalidReply, "unknown reply type %q", r.Type)
	}
	return nil
}

func (r *Reply) ErrorMessage() string {
	if strings.TrimSpace(r.Error) == "" {
		return "unknown error"
	}
	return r.Error
}

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
		Anonymous:                 true,
	}
}

func reflectSchema(v interface{}) *jsonschema.Schema {
	s := newReflector().Reflect(v)
	// gojsonschema only understands drafts up to 7
	s.Version = ""
	return s
}

// ReplySchema is the JSON schema replies are validated against.
func ReplySchema() *jsonschema.Schema {
	return reflectSchema(&Reply{})
}

// RequestSchema describes the request sent to the worker engine.
func RequestSchema() *jsonschema.Schema {
	return reflectSchema(&Request{})
}

var (
	replySchemaOnce sync.Once
	replySchema     *gojsonschema.Schema
	replySchemaErr  error
)

func compiledReplySchema() (*gojsonschema.Schema, error) {
	replySchemaOnce.Do(func() {
		b, err := json.Marshal(ReplySchema())
		if err != nil {
			replySchemaErr = err
			return
		}
		replySchema, replySchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	})
	return replySchema, replySchemaErr
}

// DecodeReply parses and validates a reply received as JSON.
func DecodeReply(b []byte) (*Reply, error) {
	schema, err := compiledReplySchema()
	if err != nil {
		return nil, errors.Wrap(err, "could not compile reply schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidReply, err.Error())
	}
	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descriptions = append(descriptions, e.String())
		}
		return nil, errors.Wrap(ErrInvalidReply, strings.Join(descriptions, "; "))
	}

	var reply Reply
	if err := json.Unmarshal(b, &reply); err != nil {
		return nil, errors.Wrap(ErrInvalidReply, err.Error())
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return &reply, nil
}

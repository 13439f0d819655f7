package inference

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-go-golems/multilogue/pkg/helpers"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/huandu/go-clone"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

// MachineConfig describes the automated participant.
type MachineConfig struct {
	// Name is the speaker name of the model in the transcript.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Engine selects the inference backend (gemini, openai, ollama, worker, mock).
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty" mapstructure:"engine"`
	// Work is the executable run by the worker engine.
	Work               string `json:"work,omitempty" yaml:"work,omitempty" mapstructure:"work"`
	Model              string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	BaseURL            string `json:"baseUrl,omitempty" yaml:"base-url,omitempty" mapstructure:"base-url"`
	CredentialEndpoint string `json:"credentialEndpoint,omitempty" yaml:"credential-endpoint,omitempty" mapstructure:"credential-endpoint"`
}

func (c MachineConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.Wrap(messages.ErrMissingConfiguration, "machine name")
	}
	return nil
}

// Settings are the sampling parameters forwarded to the service. Nil fields
// are left to the service's defaults.
type Settings struct {
	Temperature     *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP            *float64 `json:"topP,omitempty" yaml:"top-p,omitempty" mapstructure:"top-p"`
	TopK            *float64 `json:"topK,omitempty" yaml:"top-k,omitempty" mapstructure:"top-k"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty" yaml:"max-output-tokens,omitempty" mapstructure:"max-output-tokens"`
	ThinkingBudget  *float64 `json:"thinkingBudget,omitempty" yaml:"thinking-budget,omitempty" mapstructure:"thinking-budget"`
	IncludeThoughts *bool    `json:"includeThoughts,omitempty" yaml:"include-thoughts,omitempty" mapstructure:"include-thoughts"`
	// Extra keeps parameters that are not understood, or whose value did not
	// parse, as raw strings.
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty" mapstructure:"extra"`
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(*Settings)
}

// Merge returns a copy of s where every field set in override wins.
func (s *Settings) Merge(override *Settings) *Settings {
	ret := s.Clone()
	if ret == nil {
		ret = &Settings{}
	}
	if override == nil {
		return ret
	}
	o := override.Clone()
	if o.Temperature != nil {
		ret.Temperature = o.Temperature
	}
	if o.TopP != nil {
		ret.TopP = o.TopP
	}
	if o.TopK != nil {
		ret.TopK = o.TopK
	}
	if o.MaxOutputTokens != nil {
		ret.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.ThinkingBudget != nil {
		ret.ThinkingBudget = o.ThinkingBudget
	}
	if o.IncludeThoughts != nil {
		ret.IncludeThoughts = o.IncludeThoughts
	}
	for k, v := range o.Extra {
		if ret.Extra == nil {
			ret.Extra = map[string]string{}
		}
		ret.Extra[k] = v
	}
	return ret
}

// ParseSettingsQuery reads settings from URL query parameters. Keys are
// normalized to lower camel case, so top_p, top-p and topP are the same
// parameter. Numeric values that do not parse are kept in Extra.
func ParseSettingsQuery(values url.Values) *Settings {
	ret := &Settings{}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, rawKey := range keys {
		vs := values[rawKey]
		if len(vs) == 0 {
			continue
		}
		value := strings.TrimSpace(vs[len(vs)-1])
		key := strcase.ToLowerCamel(rawKey)

		switch key {
		case "temperature", "topP", "topK", "thinkingBudget":
			f, ok := parseFloat(value)
			if !ok {
				ret.setExtra(key, value)
				continue
			}
			switch key {
			case "temperature":
				ret.Temperature = &f
			case "topP":
				ret.TopP = &f
			case "topK":
				ret.TopK = &f
			case "thinkingBudget":
				ret.ThinkingBudget = &f
			}
		case "maxOutputTokens":
			n, ok := parseInt(value)
			if !ok {
				ret.setExtra(key, value)
				continue
			}
			ret.MaxOutputTokens = &n
		case "includeThoughts":
			ret.IncludeThoughts = helpers.Pointer(value == "true")
		default:
			ret.setExtra(key, value)
		}
	}

	return ret
}

func (s *Settings) setExtra(key, value string) {
	if s.Extra == nil {
		s.Extra = map[string]string{}
	}
	s.Extra[key] = value
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseInt accepts a leading integer, so "512tokens" and "12.7" parse as 512
// and 12.
func parseInt(s string) (int, bool) {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Request is what is sent to an Engine for one cycle.
type Request struct {
	Config   MachineConfig             `json:"config"`
	Settings *Settings                 `json:"settings"`
	Messages []messages.GroupedMessage `json:"messages"`
	// Credential is handed to the engine but never serialized.
	Credential string `json:"-"`
}

package transcript

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	// BlockSeparator terminates every serialized utterance.
	BlockSeparator = "\n\n"
	// ContinuationMarker replaces paragraph breaks inside an utterance body.
	ContinuationMarker = "\n\t"
)

// SpeakerCharset describes the characters allowed in a speaker identifier.
const SpeakerCharset = `A-Za-z0-9_ -`

var (
	blockSplitRe   = regexp.MustCompile(`\n{2,}`)
	blockRe        = regexp.MustCompile(`(?s)^([` + SpeakerCharset + `]+):\s*(.*)$`)
	speakerRe      = regexp.MustCompile(`^[` + SpeakerCharset + `]+$`)
	paragraphRunRe = regexp.MustCompile(`\n{2,}`)
)

// Utterance is one speaker's single turn.
type Utterance struct {
	Speaker string `json:"speaker" yaml:"speaker"`
	Body    string `json:"body" yaml:"body"`
}

// Parse splits text into utterances. Blocks that do not match the
// `speaker: body` grammar are skipped with a warning. Empty or whitespace-only
// input yields an empty slice.
func Parse(text string) ([]Utterance, error) {
	utterances, _, err := ParseWithDiagnostics(text)
	return utterances, err
}

// ParseWithDiagnostics behaves like Parse but also returns the skipped blocks.
func ParseWithDiagnostics(text string) ([]Utterance, []*MalformedBlockError, error) {
	if !utf8.ValidString(text) {
		return nil, nil, ErrInvalidInput
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Utterance{}, nil, nil
	}

	blocks := blockSplitRe.Split(trimmed, -1)
	ret := make([]Utterance, 0, len(blocks))
	var diagnostics []*MalformedBlockError

	for i, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}

		m := blockRe.FindStringSubmatch(block)
		if m == nil {
			d := &MalformedBlockError{Index: i, Block: block, Reason: "block does not match speaker: body"}
			log.Warn().Int("block", i).Str("content", block).Msg("skipping malformed transcript block")
			diagnostics = append(diagnostics, d)
			continue
		}

		u := Utterance{
			Speaker: strings.TrimSpace(m[1]),
			Body:    strings.TrimSpace(m[2]),
		}
		if u.Speaker == "" {
			d := &MalformedBlockError{Index: i, Block: block, Reason: "empty speaker"}
			log.Warn().Int("block", i).Msg("skipping transcript block with empty speaker")
			diagnostics = append(diagnostics, d)
			continue
		}
		if u.Body == "" {
			d := &MalformedBlockError{Index: i, Block: block, Reason: "empty body"}
			log.Warn().Int("block", i).Str("speaker", u.Speaker).Msg("dropping utterance with empty body")
			diagnostics = append(diagnostics, d)
			continue
		}

		ret = append(ret, u)
	}

	return ret, diagnostics, nil
}

// Serialize renders utterances as `speaker: body\n\n` blocks, normalizing
// paragraph breaks in bodies to the continuation marker.
func Serialize(utterances []Utterance) string {
	var sb strings.Builder
	for i, u := range utterances {
		speaker := strings.TrimSpace(u.Speaker)
		body := NormalizeBody(u.Body)
		if speaker == "" || body == "" {
			log.Warn().Int("utterance", i).Str("speaker", speaker).Msg("not serializing empty utterance")
			continue
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(body)
		sb.WriteString(BlockSeparator)
	}
	return sb.String()
}

// NormalizeBody collapses every run of two or more newlines into the
// continuation marker and trims the result.
func NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = paragraphRunRe.ReplaceAllString(body, ContinuationMarker)
	return strings.TrimSpace(body)
}

// ValidSpeaker reports whether s is a usable speaker identifier.
func ValidSpeaker(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && speakerRe.MatchString(s)
}

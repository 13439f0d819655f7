// Package markup converts between the plain-text transcript and its tagged
// display representation:
//
//	<p class="dialogue"><span class="speaker">Alice</span> hello<br />&emsp;again</p>
//
// The codec is purely structural. It never decides which speaker is the model.
package markup

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DialogueClass = "dialogue"
	SpeakerClass  = "speaker"

	LineBreak   = "<br />"
	Indentation = "&emsp;"
)

var (
	escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

	// an em space that directly follows a line break is the continuation marker
	continuationRe = regexp.MustCompile("\n[ \t]*\u2003")
)

// ToMarkup renders transcript text as one dialogue block per utterance.
func ToMarkup(text string) (string, error) {
	utterances, err := transcript.Parse(text)
	if err != nil {
		return "", err
	}
	return Render(utterances), nil
}

// Render turns utterances into dialogue blocks joined by newlines.
func Render(utterances []transcript.Utterance) string {
	blocks := make([]string, 0, len(utterances))
	for _, u := range utterances {
		blocks = append(blocks, fmt.Sprintf(
			`<p class="%s"><span class="%s">%s</span> %s</p>`,
			DialogueClass, SpeakerClass, escaper.Replace(u.Speaker), EncodeBody(u.Body),
		))
	}
	return strings.Join(blocks, "\n")
}

// EncodeBody escapes reserved characters and encodes paragraph and
// continuation breaks.
func EncodeBody(body string) string {
	body = escaper.Replace(body)
	body = strings.ReplaceAll(body, transcript.ContinuationMarker, LineBreak+Indentation)
	return strings.ReplaceAll(body, "\n", LineBreak)
}

// FromMarkup extracts every dialogue block and reconstructs transcript text.
// Blocks without a speaker tag are skipped.
func FromMarkup(markup string) (string, error) {
	utterances, err := Utterances(markup)
	if err != nil {
		return "", err
	}
	return transcript.Serialize(utterances), nil
}

// FromMarkupValue is the entry point for untyped boundaries such as decoded
// JSON. Anything other than a string is rejected with transcript.ErrInvalidInput.
func FromMarkupValue(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errors.Wrapf(transcript.ErrInvalidInput, "markup must be a string, got %T", v)
	}
	return FromMarkup(s)
}

// Utterances extracts the utterances carried by the dialogue blocks of markup.
func Utterances(markup string) ([]transcript.Utterance, error) {
	if !utf8.ValidString(markup) {
		return nil, transcript.ErrInvalidInput
	}
	if strings.TrimSpace(markup) == "" {
		return []transcript.Utterance{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse markup")
	}

	ret := []transcript.Utterance{}
	doc.Find("p." + DialogueClass).Each(func(i int, p *goquery.Selection) {
		speakerSel := p.Find("span." + SpeakerClass).First()
		if speakerSel.Length() == 0 {
			log.Warn().Int("block", i).Msg("skipping dialogue block without speaker tag")
			return
		}

		speaker := strings.TrimSpace(speakerSel.Text())
		if speaker == "" {
			log.Warn().Int("block", i).Msg("skipping dialogue block with empty speaker")
			return
		}

		body := decodeBody(textAfter(p.Get(0), speakerSel.Get(0)))
		if body == "" {
			log.Warn().Int("block", i).Str("speaker", speaker).Msg("dropping dialogue block with empty body")
			return
		}

		ret = append(ret, transcript.Utterance{Speaker: speaker, Body: body})
	})

	return ret, nil
}

// textAfter collects the text of everything following speaker inside p, in
// document order. Line break elements become newlines.
func textAfter(p *html.Node, speaker *html.Node) string {
	var sb strings.Builder
	seen := false

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c == speaker {
				seen = true
				continue
			}
			switch c.Type {
			case html.TextNode:
				if seen {
					sb.WriteString(c.Data)
				}
			case html.ElementNode:
				if c.DataAtom == atom.Br {
					if seen {
						sb.WriteString("\n")
					}
					continue
				}
				walk(c)
			}
		}
	}
	walk(p)

	return sb.String()
}

func decodeBody(raw string) string {
	body := strings.TrimPrefix(raw, " ")
	if strings.HasPrefix(body, ":") {
		body = strings.TrimLeft(body[1:], " ")
	}
	body = continuationRe.ReplaceAllString(body, transcript.ContinuationMarker)
	return strings.TrimSpace(body)
}

package web

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/Masterminds/sprig"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
)

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	t, err := template.New("web").Funcs(sprig.HtmlFuncMap()).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "could not parse templates")
	}
	return t, nil
}

var notesPolicy = bluemonday.UGCPolicy()

// RenderNotes renders the auxiliary notes, which the model writes as
// markdown, to sanitized HTML.
func RenderNotes(notes string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(notes), &buf); err != nil {
		return "", errors.Wrap(err, "could not render notes")
	}
	return notesPolicy.Sanitize(buf.String()), nil
}

// Package files implements the load and save capabilities for transcripts.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tcnksm/go-input"
)

const SuggestedName = "multilogue.txt"

// AcceptedPatterns are the file names a transcript may be loaded from.
var AcceptedPatterns = []string{"*.txt", "*.md", "*.text", "*.plato"}

var (
	ErrCancelled     = errors.New("cancelled")
	ErrNothingToSave = errors.New("nothing to save")
	ErrNotAccepted   = errors.New("file type not accepted")
)

// Error is a failed load or save.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("could not %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Chooser returns the text of a transcript picked by the user.
type Chooser interface {
	ChooseFile(ctx context.Context) (string, error)
}

// Saver stores text somewhere picked by the user.
type Saver interface {
	SaveFile(ctx context.Context, text string, suggestedName string) error
}

// Accepted reports whether name matches one of AcceptedPatterns, ignoring case.
func Accepted(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, pattern := range AcceptedPatterns {
		ok, err := glob.Match(pattern, base)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid accepted pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func readTranscript(path string) (string, error) {
	if !Accepted(path) {
		return "", &Error{Op: "open", Path: path, Err: ErrNotAccepted}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Op: "open", Path: path, Err: err}
	}
	return string(b), nil
}

// PathChooser loads a fixed path.
type PathChooser struct {
	Path string
}

func (p PathChooser) ChooseFile(ctx context.Context) (string, error) {
	if strings.TrimSpace(p.Path) == "" {
		return "", ErrCancelled
	}
	return readTranscript(p.Path)
}

// PromptChooser asks for a path. An empty answer cancels.
type PromptChooser struct {
	UI *input.UI
}

func (p PromptChooser) ChooseFile(ctx context.Context) (string, error) {
	answer, err := p.UI.Ask("File to load dialogue from", &input.Options{
		HideOrder: true,
		ValidateFunc: func(answer string) error {
			if answer != "" && !Accepted(answer) {
				return errors.Errorf("accepted files: %s", strings.Join(AcceptedPatterns, " "))
			}
			return nil
		},
		Loop: true,
	})
	if err != nil {
		if errors.Is(err, input.ErrInterrupted) {
			return "", ErrCancelled
		}
		return "", errors.Wrap(err, "could not ask for a file")
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", ErrCancelled
	}
	return readTranscript(answer)
}

// FileSaver writes the text to Path. When Path is empty and UI is set, the
// user is asked for a path with the suggested name as default. Without UI
// the suggested name is used inside Dir.
type FileSaver struct {
	Path string
	Dir  string
	UI   *input.UI
}

func (f FileSaver) target(suggestedName string) (string, error) {
	if f.Path != "" {
		return f.Path, nil
	}
	if suggestedName == "" {
		suggestedName = SuggestedName
	}
	def := filepath.Join(f.Dir, suggestedName)
	if f.UI == nil {
		return def, nil
	}
	answer, err := f.UI.Ask("Save dialogue as", &input.Options{
		Default:   def,
		HideOrder: true,
	})
	if err != nil {
		if errors.Is(err, input.ErrInterrupted) {
			return "", ErrCancelled
		}
		return "", errors.Wrap(err, "could not ask for a file")
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", ErrCancelled
	}
	return answer, nil
}

func (f FileSaver) SaveFile(ctx context.Context, text string, suggestedName string) error {
	if strings.TrimSpace(text) == "" {
		return ErrNothingToSave
	}
	path, err := f.target(suggestedName)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, []byte(text), 0o644); err != nil {
		return &Error{Op: "save", Path: path, Err: err}
	}
	log.Debug().Str("path", path).Int("bytes", len(text)).Msg("dialogue saved")
	return nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

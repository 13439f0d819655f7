package cmds

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/multilogue/pkg/companion"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// transcriptMarkdown renders utterances with the speaker in bold. Continued
// paragraphs become markdown paragraphs.
func transcriptMarkdown(utterances []transcript.Utterance) string {
	var b strings.Builder
	for i, u := range utterances {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "**%s**: ", u.Speaker)
		paragraphs := strings.Split(u.Body, transcript.ContinuationMarker)
		for j, p := range paragraphs {
			// markdown needs two trailing spaces for a line break
			paragraphs[j] = strings.ReplaceAll(p, "\n", "  \n")
		}
		b.WriteString(strings.Join(paragraphs, "\n\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func NewShowCommand() *cobra.Command {
	var (
		thoughts bool
		style    string
		plain    bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the shared transcript, or the model's notes with --thoughts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := loadConfig()
			if err != nil {
				return err
			}
			st, closer, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()

			var md string
			if thoughts {
				md = companion.NotesText(ctx, st, st.AuxiliaryKey())
			} else {
				text, _, err := st.Get(ctx, st.PrimaryKey())
				if err != nil {
					return err
				}
				utterances, err := transcript.Parse(text)
				if err != nil {
					return err
				}
				md = transcriptMarkdown(utterances)
			}

			if !plain && isatty.IsTerminal(os.Stdout.Fd()) {
				styled, err := glamour.Render(md, style)
				if err != nil {
					return err
				}
				md = styled
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		},
	}
	cmd.Flags().BoolVar(&thoughts, "thoughts", false, "Show the model's notes instead of the transcript")
	cmd.Flags().StringVar(&style, "style", "dark", "Glamour style used on terminals")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print markdown without styling")
	return cmd
}

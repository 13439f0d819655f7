package cmds

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-go-golems/multilogue/pkg/files"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

func NewLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [file]",
		Short: "Replace the shared transcript with the contents of a file",
		Long:  "Replace the shared transcript with the contents of a file. Without a file argument the path is asked for.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var chooser files.Chooser
			if len(args) == 1 {
				chooser = files.PathChooser{Path: args[0]}
			} else {
				chooser = files.PromptChooser{UI: &input.UI{Reader: os.Stdin, Writer: cmd.ErrOrStderr()}}
			}
			path, err := chooser.ChooseFile(ctx)
			if errors.Is(err, files.ErrCancelled) {
				log.Info().Msg("no file chosen, transcript left as it was")
				return nil
			}
			if err != nil {
				return err
			}

			b, err := os.ReadFile(path)
			if err != nil {
				return &files.Error{Op: "load", Path: path, Err: err}
			}
			text := string(b)
			_, diagnostics, err := transcript.ParseWithDiagnostics(text)
			if err != nil {
				return err
			}
			for _, d := range diagnostics {
				log.Warn().Err(d).Str("file", path).Msg("block will be dropped")
			}

			c, err := loadConfig()
			if err != nil {
				return err
			}
			st, closer, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()

			doc, err := st.Set(ctx, st.PrimaryKey(), text)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "loaded %s (revision %d)\n", filepath.Base(path), doc.Revision)
			return err
		},
	}
	return cmd
}

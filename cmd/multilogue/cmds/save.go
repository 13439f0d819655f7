package cmds

import (
	"os"

	"github.com/go-go-golems/multilogue/pkg/files"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

func NewSaveCommand() *cobra.Command {
	var (
		dir    string
		prompt bool
	)
	cmd := &cobra.Command{
		Use:   "save [file]",
		Short: "Write the shared transcript to a file",
		Args:  cobra.MaximumNArgs(1),
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

			text, _, err := st.Get(ctx, st.PrimaryKey())
			if err != nil {
				return err
			}

			saver := files.FileSaver{Dir: dir}
			if len(args) == 1 {
				saver.Path = args[0]
			} else if prompt {
				saver.UI = &input.UI{Reader: os.Stdin, Writer: cmd.ErrOrStderr()}
			}
			err = saver.SaveFile(ctx, text, files.SuggestedName)
			switch {
			case errors.Is(err, files.ErrNothingToSave):
				log.Info().Msg("the transcript is empty, nothing saved")
				return nil
			case errors.Is(err, files.ErrCancelled):
				log.Info().Msg("save cancelled")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory the suggested file name is placed in")
	cmd.Flags().BoolVar(&prompt, "prompt", true, "Ask for the file name when none is given")
	return cmd
}

package cmds

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-go-golems/multilogue/pkg/config"
	"github.com/go-go-golems/multilogue/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change notifications for the transcript and notes as JSON lines",
		Long: "Print change notifications for the transcript and notes as JSON lines. " +
			"Changes made by other processes are only seen with a relay configured.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Relay.Kind == config.RelayNone {
				log.Warn().Msg("no relay configured, only local changes will be shown")
			}
			st, closer, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			printChange := func(ctx context.Context, e store.ChangeEvent) {
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(e); err != nil {
					log.Error().Err(err).Msg("could not print change")
				}
			}
			defer st.OnChange(st.PrimaryKey(), printChange)()
			defer st.OnChange(st.AuxiliaryKey(), printChange)()

			err = st.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

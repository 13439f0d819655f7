package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/multilogue/pkg/web"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dialogue page and its companion thoughts page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = c.Server.Addr
			}
			st, closer, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer func() { _ = closer() }()

			options := []web.Option{
				web.WithLogger(log.Logger),
				web.WithModelName(c.Machine.Name),
				web.WithCompanion(
					c.Companion.Address,
					c.Companion.Handle,
					c.Companion.PrimaryAddress,
					c.Companion.RedirectDelay,
				),
			}
			if c.Machine.Name != "" {
				o, err := newOrchestrator(c, st)
				if err != nil {
					return err
				}
				options = append(options, web.WithOrchestrator(o))
			} else {
				log.Warn().Msg("no machine name configured, running the model is disabled")
			}

			server, err := web.NewServer(st, options...)
			if err != nil {
				return err
			}
			err = server.Run(ctx, addr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default: server.addr)")
	return cmd
}

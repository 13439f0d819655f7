package cmds

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

type runOptions struct {
	Output      string
	Interactive bool
	Settings    []string
}

// credentialPrompt asks the user for the credential of the named machine.
type credentialPrompt func(machine string) (string, error)

func terminalPrompt(ui *input.UI) credentialPrompt {
	return func(machine string) (string, error) {
		credential, err := ui.Ask("Credential for "+machine, &input.Options{
			Required:  true,
			Mask:      true,
			HideOrder: true,
			Loop:      true,
		})
		if errors.Is(err, input.ErrInterrupted) {
			return "", inference.ErrCredentialRequired
		}
		return credential, err
	}
}

// runCycle runs one cycle. When no credential could be obtained and prompt
// is set, the user is asked for one and the cycle is resumed.
func runCycle(
	ctx context.Context,
	o *inference.Orchestrator,
	override *inference.Settings,
	prompt credentialPrompt,
) (*inference.Outcome, error) {
	outcome, err := o.RunWithSettings(ctx, override)
	if !errors.Is(err, inference.ErrCredentialRequired) || prompt == nil {
		return outcome, err
	}
	log.Warn().Err(err).Msg("asking for a credential")

	credential, err := prompt(o.Machine().Name)
	if err != nil {
		return outcome, errors.Wrap(err, "could not read credential")
	}
	return o.ResumeWithCredential(ctx, credential)
}

func NewRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send the transcript to the model and append its reply",
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

			o, err := newOrchestrator(c, st)
			if err != nil {
				return err
			}

			var prompt credentialPrompt
			if opts.Interactive {
				prompt = terminalPrompt(&input.UI{Reader: os.Stdin, Writer: cmd.ErrOrStderr()})
			}
			override := inference.ParseSettingsQuery(settingsValues(opts.Settings))

			outcome, err := runCycle(ctx, o, override, prompt)
			if outcome != nil {
				if perr := printOutcome(cmd.OutOrStdout(), opts.Output, outcome); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Output, "output", "text", "Output format (text, json, yaml)")
	cmd.Flags().BoolVar(&opts.Interactive, "interactive", true, "Ask for a credential when none is available")
	cmd.Flags().StringArrayVar(&opts.Settings, "set", nil, "Sampling parameter for this cycle, as name=value")
	return cmd
}

func printOutcome(w io.Writer, format string, outcome *inference.Outcome) error {
	if format != "text" {
		return printStructured(w, format, outcome)
	}
	var err error
	switch {
	case outcome.State != inference.StateApplied:
		_, err = fmt.Fprintf(w, "cycle %s: %s\n", outcome.CycleID, outcome.State)
	case outcome.Passed:
		_, err = fmt.Fprintln(w, "(the model passed)")
	default:
		_, err = fmt.Fprintln(w, outcome.Reply)
	}
	if err != nil {
		return err
	}
	for _, warning := range outcome.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

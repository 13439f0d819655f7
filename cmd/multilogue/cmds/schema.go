package cmds

import (
	"github.com/go-go-golems/multilogue/pkg/inference"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewSchemaCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:       "schema {reply|request}",
		Short:     "Print the JSON schema of the worker request or reply",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reply", "request"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "reply":
				return printStructured(cmd.OutOrStdout(), output, inference.ReplySchema())
			case "request":
				return printStructured(cmd.OutOrStdout(), output, inference.RequestSchema())
			default:
				return errors.Errorf("unknown schema %q", args[0])
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", "json", "Output format (json, yaml)")
	return cmd
}

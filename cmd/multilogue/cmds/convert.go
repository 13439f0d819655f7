package cmds

import (
	"bytes"
	"fmt"

	"github.com/go-go-golems/multilogue/pkg/markup"
	"github.com/go-go-golems/multilogue/pkg/messages"
	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	FormatText    = "text"
	FormatMarkup  = "markup"
	FormatFlat    = "flat"
	FormatGrouped = "grouped"
)

type convertOptions struct {
	From    string
	To      string
	Machine string
	Output  string
}

func convert(input string, opts convertOptions) (string, error) {
	var source messages.Source
	switch opts.From {
	case FormatText, "":
		source = messages.TextSource(input)
	case FormatMarkup:
		source = messages.MarkupSource(input)
	default:
		return "", errors.Errorf("cannot convert from %q", opts.From)
	}

	switch opts.To {
	case FormatText:
		utterances, err := source.Utterances()
		if err != nil {
			return "", err
		}
		return transcript.Serialize(utterances), nil
	case FormatMarkup:
		utterances, err := source.Utterances()
		if err != nil {
			return "", err
		}
		return markup.Render(utterances), nil
	case FormatFlat:
		flat, err := messages.ToFlatMessages(source, opts.Machine)
		if err != nil {
			return "", err
		}
		return encodeStructured(opts.Output, flat)
	case FormatGrouped:
		grouped, err := messages.ToGroupedMessages(source, opts.Machine)
		if err != nil {
			return "", err
		}
		return encodeStructured(opts.Output, grouped)
	default:
		return "", errors.Errorf("cannot convert to %q", opts.To)
	}
}

func encodeStructured(format string, v interface{}) (string, error) {
	var buf bytes.Buffer
	if err := printStructured(&buf, format, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func NewConvertCommand() *cobra.Command {
	opts := convertOptions{}
	cmd := &cobra.Command{
		Use:   "convert [file|-]",
		Short: "Convert a dialogue between transcript text, markup and message lists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if opts.Machine == "" {
				opts.Machine = viper.GetString("machine.name")
			}
			out, err := convert(input, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", FormatText, "Input format (text, markup)")
	cmd.Flags().StringVar(&opts.To, "to", FormatMarkup, "Output format (text, markup, flat, grouped)")
	cmd.Flags().StringVar(&opts.Machine, "machine", "", "Speaker name of the model (default: machine.name)")
	cmd.Flags().StringVar(&opts.Output, "output", "json", "Encoding of message lists (json, yaml)")
	return cmd
}

package cmds

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-go-golems/multilogue/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"
)

func getCodec(model, encoding string) (tokenizer.Codec, error) {
	if encoding != "" {
		c, err := tokenizer.Get(tokenizer.Encoding(encoding))
		if err != nil {
			return nil, errors.Wrapf(err, "could not load encoding %s", encoding)
		}
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		return nil, errors.Wrapf(err, "could not load tokenizer for %s", model)
	}
	return c, nil
}

type tokenCount struct {
	Speaker    string `json:"speaker,omitempty" yaml:"speaker,omitempty"`
	Utterances int    `json:"utterances" yaml:"utterances"`
	Tokens     int    `json:"tokens" yaml:"tokens"`
}

// countTokens counts the tokens of every utterance body, per speaker in
// order of first appearance, followed by the total.
func countTokens(codec tokenizer.Codec, utterances []transcript.Utterance) ([]tokenCount, error) {
	bySpeaker := map[string]*tokenCount{}
	order := []string{}
	total := tokenCount{}
	for _, u := range utterances {
		ids, _, err := codec.Encode(u.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "could not encode utterance of %s", u.Speaker)
		}
		c, ok := bySpeaker[u.Speaker]
		if !ok {
			c = &tokenCount{Speaker: u.Speaker}
			bySpeaker[u.Speaker] = c
			order = append(order, u.Speaker)
		}
		c.Utterances++
		c.Tokens += len(ids)
		total.Utterances++
		total.Tokens += len(ids)
	}

	ret := make([]tokenCount, 0, len(order)+1)
	for _, s := range order {
		ret = append(ret, *bySpeaker[s])
	}
	return append(ret, total), nil
}

func printTokenCounts(w io.Writer, counts []tokenCount) error {
	rows := append([]tokenCount(nil), counts[:len(counts)-1]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Tokens > rows[j].Tokens })
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-20s %6d tokens in %d utterances\n", r.Speaker, r.Tokens, r.Utterances); err != nil {
			return err
		}
	}
	total := counts[len(counts)-1]
	_, err := fmt.Fprintf(w, "%-20s %6d tokens in %d utterances\n", "total", total.Tokens, total.Utterances)
	return err
}

func NewTokensCommand() *cobra.Command {
	var (
		model    string
		encoding string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "tokens [file|-]",
		Short: "Count the tokens of a transcript per speaker",
		Long:  "Count the tokens of a transcript per speaker. Without a file the shared transcript is counted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var text string
			if len(args) == 1 {
				var err error
				text, err = readInput(args, cmd.InOrStdin())
				if err != nil {
					return err
				}
			} else {
				c, err := loadConfig()
				if err != nil {
					return err
				}
				st, closer, err := openStore(ctx, c)
				if err != nil {
					return err
				}
				defer func() { _ = closer() }()
				text, _, err = st.Get(ctx, st.PrimaryKey())
				if err != nil {
					return err
				}
			}

			codec, err := getCodec(model, encoding)
			if err != nil {
				return err
			}
			utterances, err := transcript.Parse(text)
			if err != nil {
				return err
			}
			counts, err := countTokens(codec, utterances)
			if err != nil {
				return err
			}
			if output != "text" {
				return printStructured(cmd.OutOrStdout(), output, counts)
			}
			return printTokenCounts(cmd.OutOrStdout(), counts)
		},
	}
	cmd.Flags().StringVar(&model, "tokenizer-model", string(tokenizer.GPT4), "Model whose tokenizer is used")
	cmd.Flags().StringVar(&encoding, "encoding", "", "Encoding to use instead of the model's")
	cmd.Flags().StringVar(&output, "output", "text", "Output format (text, json, yaml)")
	return cmd
}

package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atmx/predicta/internal/model"
)

// NewDecodeCommand creates the decode command, which turns a base64 record
// in its persisted layout (as served by GET /markets/{address}/raw) back
// into fields.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a persisted record",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "market <base64|->",
		Short: "Decode a market record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRecord(cmd, args[0])
			if err != nil {
				return err
			}
			var m model.Market
			if err := m.UnmarshalBinary(raw); err != nil {
				return err
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(m,
				Field{"authority", m.Authority},
				Field{"team_a", m.TeamA},
				Field{"team_b", m.TeamB},
				Field{"league", m.League},
				Field{"match_id", m.MatchID},
				Field{"start_time", m.StartTime},
				Field{"end_time", m.EndTime},
				Field{"resolved", m.Resolved},
				Field{"winner", m.Winner},
				Field{"total_yes", m.TotalYes},
				Field{"total_no", m.TotalNo},
				Field{"address_nonce", m.Nonce},
			)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "registry <base64|->",
		Short: "Decode a registry record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRecord(cmd, args[0])
			if err != nil {
				return err
			}
			var r model.Registry
			if err := r.UnmarshalBinary(raw); err != nil {
				return err
			}
			fields := []Field{
				{"authority", r.Authority},
				{"markets", len(r.Markets)},
				{"address_nonce", r.Nonce},
			}
			for i, m := range r.Markets {
				fields = append(fields, Field{fmt.Sprintf("market[%d]", i), m})
			}
			return newPrinter(rootOpts, cmd.OutOrStdout()).print(r, fields...)
		},
	})

	return cmd
}

func readRecord(cmd *cobra.Command, arg string) ([]byte, error) {
	text := arg
	if arg == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return raw, nil
}

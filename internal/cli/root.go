// Package cli implements predictactl, the operator tool for deriving
// addresses, managing signing keys, signing API requests and inspecting
// persisted records.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/predicta/internal/address"
	"github.com/atmx/predicta/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Program string
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for predictactl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "predictactl",
		Short: "Operator tool for the predicta engine",
		Long:  "Derive record addresses, manage Ed25519 keys, sign API requests and decode persisted records.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Program, "program", config.DefaultProgramID, "program identity records are derived under")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDeriveCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewDecodeCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

func (o *RootOptions) programID() (address.Address, error) {
	p, err := address.Parse(o.Program)
	if err != nil {
		return address.Zero, fmt.Errorf("--program: %w", err)
	}
	return p, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

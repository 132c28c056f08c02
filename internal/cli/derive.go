package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/predicta/internal/address"
)

// NewDeriveCommand creates the derive command and its per-kind subcommands.
func NewDeriveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive record addresses",
		Long: `Derive the address and nonce of a market, registry or escrow vault.

Derivation is deterministic: the same inputs under the same program always
produce the same address.`,
	}

	cmd.AddCommand(newDeriveMarketCommand(rootOpts))
	cmd.AddCommand(newDeriveRegistryCommand(rootOpts))
	cmd.AddCommand(newDeriveVaultCommand(rootOpts))
	return cmd
}

type derivedOutput struct {
	Kind    string          `json:"kind"`
	Program address.Address `json:"program"`
	Address address.Address `json:"address"`
	Nonce   uint8           `json:"nonce"`
}

func printDerived(cmd *cobra.Command, opts *RootOptions, kind string, program address.Address, d address.Derived) error {
	out := derivedOutput{Kind: kind, Program: program, Address: d.Address, Nonce: d.Nonce}
	return newPrinter(opts, cmd.OutOrStdout()).print(out,
		Field{"kind", kind},
		Field{"address", d.Address},
		Field{"nonce", d.Nonce},
	)
}

func newDeriveMarketCommand(rootOpts *RootOptions) *cobra.Command {
	var authority, teamA, teamB, matchID string

	cmd := &cobra.Command{
		Use:   "market",
		Short: "Derive a market address from its authority and team names or match id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := rootOpts.programID()
			if err != nil {
				return err
			}
			auth, err := address.Parse(authority)
			if err != nil {
				return fmt.Errorf("--authority: %w", err)
			}

			var d address.Derived
			switch {
			case matchID != "" && (teamA != "" || teamB != ""):
				return fmt.Errorf("--match-id cannot be combined with --team-a/--team-b")
			case matchID != "":
				d, err = address.MarketForMatch(program, auth, matchID)
			case teamA != "" && teamB != "":
				d, err = address.Market(program, auth, teamA, teamB)
			default:
				return fmt.Errorf("either --team-a and --team-b or --match-id is required")
			}
			if err != nil {
				return err
			}
			return printDerived(cmd, rootOpts, address.NamespaceMarket, program, d)
		},
	}

	cmd.Flags().StringVar(&authority, "authority", "", "market authority (base58)")
	cmd.Flags().StringVar(&teamA, "team-a", "", "first team name")
	cmd.Flags().StringVar(&teamB, "team-b", "", "second team name")
	cmd.Flags().StringVar(&matchID, "match-id", "", "external match identifier")
	cmd.MarkFlagRequired("authority")
	return cmd
}

func newDeriveRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	var authority string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Derive the registry address of an authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := rootOpts.programID()
			if err != nil {
				return err
			}
			auth, err := address.Parse(authority)
			if err != nil {
				return fmt.Errorf("--authority: %w", err)
			}
			d, err := address.Registry(program, auth)
			if err != nil {
				return err
			}
			return printDerived(cmd, rootOpts, address.NamespaceRegistry, program, d)
		},
	}

	cmd.Flags().StringVar(&authority, "authority", "", "registry authority (base58)")
	cmd.MarkFlagRequired("authority")
	return cmd
}

func newDeriveVaultCommand(rootOpts *RootOptions) *cobra.Command {
	var market string

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Derive the escrow vault address of a market",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := rootOpts.programID()
			if err != nil {
				return err
			}
			m, err := address.Parse(market)
			if err != nil {
				return fmt.Errorf("--market: %w", err)
			}
			d, err := address.Vault(program, m)
			if err != nil {
				return err
			}
			return printDerived(cmd, rootOpts, address.NamespaceVault, program, d)
		},
	}

	cmd.Flags().StringVar(&market, "market", "", "market address (base58)")
	cmd.MarkFlagRequired("market")
	return cmd
}

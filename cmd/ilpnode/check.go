package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ilp-node/internal/config"
)

// newCheckCmd validates the configuration without starting anything.
func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configFile, flags.envFiles...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node %s (%s), owner ledger %s\n", cfg.Node.Address, cfg.Environment, cfg.Node.OwnerLedger)
			for _, l := range cfg.Ledgers {
				fmt.Fprintf(out, "ledger %s: %s scale %d\n", l.ID, l.Currency, l.Scale)
			}
			for _, p := range cfg.Peers {
				fmt.Fprintf(out, "peer %s on %s via %s\n", p.NodeID, p.Ledger, p.Prefix)
			}
			fmt.Fprintf(out, "storage %s, http %s, grpc %s\n", cfg.Storage.Driver, cfg.HTTP.Addr, cfg.GRPC.Addr)
			return nil
		},
	}
}

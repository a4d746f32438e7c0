package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
)

func newNodesCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Probe the nodes of the selected network and list those that answered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := prepare(cmd, baseLogger)
			if err != nil {
				return err
			}
			runner, err := paydist.NewRunner(cfg, paydist.WithLogger(logger))
			if err != nil {
				return err
			}
			live, err := runner.Probe(cmd.Context())
			if err != nil {
				return err
			}
			for _, ep := range live {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ep.Account, ep.Address)
			}
			if len(live) == 0 {
				return fmt.Errorf("no node of network %q answered", runner.Config().Network)
			}
			return nil
		},
	}
}

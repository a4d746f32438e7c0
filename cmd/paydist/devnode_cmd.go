package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
	"pkt.systems/paydist/internal/devnode"
	"pkt.systems/paydist/internal/discovery"
)

func newDevnodeCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		genesisPath string
		bookOut     string
	)
	cmd := &cobra.Command{
		Use:   "devnode",
		Short: "Serve simulated ledger nodes over an in-memory ledger (development only)",
		Long: `devnode applies a YAML genesis file to an empty in-memory ledger and serves
every node it declares until interrupted. Use --address-book-out to write an
address book naming the network "devnet" for other paydist commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			g, err := devnode.LoadGenesis(genesisPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := paydist.StartDevnet(ctx, g, nil, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := d.Close(shutdownCtx); err != nil {
					logger.Warn("cli.devnode.close_failed", "error", err)
				}
			}()
			for _, ep := range d.Endpoints() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ep.Account, ep.Address)
			}
			if bookOut != "" {
				raw, err := discovery.MarshalBook(d.Book())
				if err != nil {
					return err
				}
				tmp := bookOut + ".tmp"
				if err := os.WriteFile(tmp, raw, 0o644); err != nil {
					return fmt.Errorf("write address book: %w", err)
				}
				if err := os.Rename(tmp, bookOut); err != nil {
					return fmt.Errorf("write address book: %w", err)
				}
				logger.Info("cli.devnode.address_book", "path", bookOut, "network", paydist.DevnetName)
			}
			<-ctx.Done()
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&genesisPath, "genesis", "g", "", "YAML genesis file describing nodes, accounts and tokens")
	flags.StringVar(&bookOut, "address-book-out", "", "write an address book for the started network to this path")
	_ = cmd.MarkFlagRequired("genesis")
	return cmd
}

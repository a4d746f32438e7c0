package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
	"pkt.systems/paydist/internal/plan"
)

func newPlanCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		file    string
		watch   bool
		asJSON  bool
		settle  = defaultWatchSettle
		outFunc = writeSummary
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate a distribution file against the network without submitting transactions",
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
			if asJSON {
				outFunc = writeSummaryJSON
			}
			ctx := cmd.Context()
			once := func() (plan.Summary, error) {
				f, err := runner.LoadFile(file)
				if err != nil {
					return plan.Summary{}, err
				}
				for _, perr := range f.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", perr.Error())
				}
				_, problems := cfg.Input().Parse()
				for _, p := range problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", p)
				}
				summary, err := runner.NewRun(f).GeneratePlan(ctx)
				if err != nil {
					return summary, err
				}
				return summary, outFunc(cmd.OutOrStdout(), summary)
			}
			summary, err := once()
			if !watch {
				if err != nil {
					return err
				}
				if len(summary.Errors) > 0 {
					return paydist.ErrPlanRejected
				}
				return nil
			}
			if err != nil {
				logger.Warn("cli.plan.failed", "error", err)
			}
			changes, stop, err := watchFile(file, settle)
			if err != nil {
				return err
			}
			defer stop()
			logger.Info("cli.plan.watching", "file", file)
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-changes:
					if !ok {
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), "---")
					if _, err := once(); err != nil {
						logger.Warn("cli.plan.failed", "error", err)
					}
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "distribution CSV file (account,amount per row)")
	flags.BoolVarP(&watch, "watch", "w", false, "re-run the plan whenever the file changes")
	flags.BoolVar(&asJSON, "json", false, "print the summary as JSON")
	flags.DurationVar(&settle, "watch-settle", defaultWatchSettle, "quiet period after a change before re-planning")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func writeSummaryJSON(w io.Writer, summary plan.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func writeSummary(w io.Writer, summary plan.Summary) error {
	var b strings.Builder
	if summary.TreasuryBalance != "" {
		fmt.Fprintf(&b, "Treasury balance: %s\n", summary.TreasuryBalance)
	}
	fmt.Fprintf(&b, "Transfers: %d\n", len(summary.Transfers))
	if summary.TotalAmount != "" {
		fmt.Fprintf(&b, "Total amount: %s\n", summary.TotalAmount)
	}
	for _, t := range summary.Transfers {
		fmt.Fprintf(&b, "  %s\t%s\n", t.Account, t.Amount)
	}
	for _, msg := range summary.Warnings {
		fmt.Fprintf(&b, "WARNING: %s\n", msg)
	}
	for _, msg := range summary.Errors {
		fmt.Fprintf(&b, "ERROR: %s\n", msg)
	}
	if len(summary.Errors) == 0 {
		b.WriteString("Plan OK\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

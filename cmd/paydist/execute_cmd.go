package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
	"pkt.systems/paydist/internal/progress"
)

func newExecuteCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		file  string
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Plan and execute a distribution, then store the CSV report",
		Long: `execute plans the distribution first and stops when planning found errors.
Otherwise every payment is scheduled (or countersigned when another party
already created the identical schedule) and confirmed. Payments waiting for
other signatures are reported as Scheduled; run execute again with the other
party's keys to complete them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := prepare(cmd, baseLogger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tel, err := paydist.StartTelemetry(ctx, cfg.TelemetryConfig(), logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			runner, err := paydist.NewRunner(cfg, paydist.WithLogger(logger))
			if err != nil {
				return err
			}
			f, err := runner.LoadFile(file)
			if err != nil {
				return err
			}
			sink, info, err := paydist.OpenReportSink(ctx, runner.Config(), logger, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Reports go to %s (%s)\n", info.Target, info.Scheme)

			rc := runner.NewRun(f)
			sub := rc.Progress().Subscribe(16)
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for snap := range sub.C() {
					if !quiet {
						writeSnapshot(cmd.ErrOrStderr(), snap)
					}
				}
			}()
			out, err := runner.Execute(ctx, rc, sink)
			sub.Close()
			<-printed

			if errors.Is(err, paydist.ErrPlanRejected) {
				_ = writeSummary(cmd.OutOrStdout(), out.Plan)
				return err
			}
			writeOutcome(cmd.OutOrStdout(), out)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "distribution CSV file (account,amount per row)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not print progress snapshots")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func writeSnapshot(w io.Writer, snap progress.Snapshot) {
	if snap.Status == "" && len(snap.Summary) == 0 {
		return
	}
	stages := make([]string, 0, len(snap.Summary))
	for label, n := range snap.Summary {
		stages = append(stages, fmt.Sprintf("%s=%d", label, n))
	}
	sort.Strings(stages)
	fmt.Fprintf(w, "[%5.1f%%] %s %s\n", snap.Percent, snap.Status, strings.Join(stages, " "))
}

func writeOutcome(w io.Writer, out paydist.Outcome) {
	counts := make(map[string]int)
	for _, p := range out.Result.Payments {
		counts[p.Stage.Label()]++
	}
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	fmt.Fprintf(w, "Payments: %d\n", len(out.Result.Payments))
	for _, label := range labels {
		fmt.Fprintf(w, "  %s: %d\n", label, counts[label])
	}
	for _, msg := range out.Result.Errors {
		fmt.Fprintf(w, "ERROR: %s\n", msg)
	}
	if out.ReportLocation != "" {
		fmt.Fprintf(w, "Report: %s\n", out.ReportLocation)
	}
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
	"pkt.systems/paydist/internal/report"
)

func newReportCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Manage stored distribution reports",
	}
	cmd.AddCommand(newReportKeygenCommand(baseLogger))
	cmd.AddCommand(newReportDecryptCommand(baseLogger))
	return cmd
}

func newReportKeygenCommand(baseLogger pslog.Logger) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the kryptograf key bundle used to encrypt reports (idempotent)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(out)
			if path == "" {
				var err error
				if path, err = paydist.DefaultReportKeyPath(); err != nil {
					return err
				}
			}
			path, err := expandPath(path)
			if err != nil {
				return err
			}
			if _, err := report.EnsureRootKey(path); err != nil {
				return err
			}
			baseLogger.Info("cli.report.key_ready", "path", path)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "bundle path (defaults to $HOME/.paydist/report-key.pem)")
	return cmd
}

func newReportDecryptCommand(baseLogger pslog.Logger) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "decrypt NAME",
		Short: "Fetch an encrypted report from the --report sink and print the plaintext CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := prepare(cmd, baseLogger)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.ReportKeyFile) == "" {
				return fmt.Errorf("--report-key is required to decrypt reports")
			}
			sink, _, err := paydist.OpenReportSink(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			getter, ok := sink.(report.Getter)
			if !ok {
				return fmt.Errorf("report sink %s cannot read reports", cfg.Report)
			}
			rc, err := getter.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("open output: %w", err)
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, rc)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "write the plaintext here instead of stdout")
	return cmd
}

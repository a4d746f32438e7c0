package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/paydist"
	"pkt.systems/paydist/internal/pathutil"
	"pkt.systems/paydist/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PAYDIST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "paydist")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := paydist.DefaultConfigFile(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	return pathutil.Resolve(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "paydist",
		Short:         "paydist distributes tokens to many accounts through multi-party scheduled transfers",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Check a distribution file against testnet without submitting anything
  paydist plan --file payroll.csv --token 0.0.5000 --treasury 0.0.1001 \
    --submit-payer 0.0.1002 --transfer-payer 0.0.1003 --submit-payer-key $KEY

  # Execute and store the report in MinIO
  PAYDIST_REPORT='s3://localhost:9000/reports?insecure=true' paydist execute --file payroll.csv

  # Serve a local development network and use it
  paydist devnode --genesis genesis.yaml --address-book-out devnet.yaml
  paydist nodes --network devnet --address-book devnet.yaml
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.paydist/paydist.yaml)")
	persistentFlags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringP("network", "n", paydist.DefaultNetwork, "network name from the address book")
	persistentFlags.String("address-book", "", "YAML address book replacing built-in networks of the same name")
	persistentFlags.String("token", "", "token to distribute (shard.realm.num)")
	persistentFlags.String("treasury", "", "token treasury account")
	persistentFlags.String("submit-payer", "", "account paying for scheduling and countersigning transactions")
	persistentFlags.String("transfer-payer", "", "account paying for the scheduled transfers")
	persistentFlags.String("memo", "", "memo attached to every schedule")
	persistentFlags.StringSlice("submit-payer-key", nil, "hex ed25519 private key of the submit payer (repeatable)")
	persistentFlags.StringSlice("transfer-payer-key", nil, "hex ed25519 private key of the transfer payer (repeatable)")
	persistentFlags.StringSlice("treasury-key", nil, "hex ed25519 private key of the treasury (repeatable)")
	persistentFlags.String("node-scheme", paydist.DefaultNodeScheme, "scheme for address book entries without one (http or https)")
	persistentFlags.String("node-ca", "", "PEM file with additional CA certificates for node gateways")
	persistentFlags.Bool("node-insecure-skip-verify", false, "skip TLS verification of node gateways (development only)")
	persistentFlags.Duration("node-http-timeout", paydist.DefaultNodeHTTPTimeout, "upper bound of one HTTP exchange with a node")
	persistentFlags.Duration("submit-timeout", 0, "time allowed for one transaction submission including its receipt (0 uses default)")
	persistentFlags.Duration("query-timeout", 0, "time allowed for one query (0 uses default)")
	persistentFlags.Duration("receipt-poll-interval", 0, "pause between receipt polls (0 uses default)")
	persistentFlags.Duration("retry-delay", 0, "pause before retrying a busy node (0 uses default)")
	persistentFlags.Duration("probe-step", 0, "probe timeout increment per discovery round (0 uses default)")
	persistentFlags.Int("probe-rounds", 0, "discovery rounds (0 uses default)")
	persistentFlags.Int("max-in-flight", 0, "maximum concurrent payments across all nodes (0 uses default)")
	persistentFlags.Int("max-in-flight-per-node", 0, "maximum concurrent payments per node (0 uses default)")
	persistentFlags.Duration("unhealthy-settle", 0, "pause before reusing a node that failed (0 uses default)")
	persistentFlags.Duration("reconcile-interval", 0, "interval between reconciliation passes over scheduled payments (0 uses default)")
	persistentFlags.Duration("final-reconcile-delay", 0, "delay before the final reconciliation pass (0 uses default, negative skips the delay)")
	persistentFlags.Int("reconcile-max-rounds", 0, "dispatch rounds per reconciliation pass (0 uses default)")
	persistentFlags.Duration("progress-interval", 0, "minimum interval between progress snapshots (0 uses default)")
	persistentFlags.String("max-file-size", humanizeBytes(paydist.DefaultMaxFileBytes), "largest accepted distribution file")
	persistentFlags.String("report", paydist.DefaultReport, "report sink URL (disk://, mem://, s3://, aws://, azure://)")
	persistentFlags.String("report-key", "", "kryptograf PEM bundle; when set reports are stored encrypted")
	persistentFlags.String("s3-access-key-id", "", "access key for s3:// report sinks")
	persistentFlags.String("s3-secret-access-key", "", "secret key for s3:// report sinks")
	persistentFlags.String("s3-session-token", "", "session token for s3:// report sinks")
	persistentFlags.String("aws-region", "", "AWS region for aws:// report sinks")
	persistentFlags.String("aws-kms-key-id", "", "KMS key ID for aws:// report sinks")
	persistentFlags.String("s3-sse", "", "server-side encryption mode for aws:// report sinks")
	persistentFlags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or use PAYDIST_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("metrics-listen", paydist.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("pprof-listen", paydist.DefaultPprofListen, "pprof listen address (empty disables)")
	persistentFlags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")

	viper.SetEnvPrefix("PAYDIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	persistentFlags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newPlanCommand(svcfields.WithSubsystem(baseLogger, "cli.plan")))
	cmd.AddCommand(newExecuteCommand(svcfields.WithSubsystem(baseLogger, "cli.execute")))
	cmd.AddCommand(newNodesCommand(svcfields.WithSubsystem(baseLogger, "cli.nodes")))
	cmd.AddCommand(newDevnodeCommand(svcfields.WithSubsystem(baseLogger, "cli.devnode")))
	cmd.AddCommand(newReportCommand(svcfields.WithSubsystem(baseLogger, "cli.report")))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// prepare loads the config file, binds flags and environment into a
// Config and applies --log-level.
func prepare(cmd *cobra.Command, logger pslog.Logger) (paydist.Config, pslog.Logger, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return paydist.Config{}, logger, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		logger.Info("cli.config.loaded", "path", configFile)
	}
	cfg, err := bindConfig()
	if err != nil {
		return cfg, logger, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

func bindConfig() (paydist.Config, error) {
	cfg := paydist.Config{
		Network:                viper.GetString("network"),
		AddressBook:            viper.GetString("address-book"),
		Token:                  viper.GetString("token"),
		Treasury:               viper.GetString("treasury"),
		SubmitPayer:            viper.GetString("submit-payer"),
		TransferPayer:          viper.GetString("transfer-payer"),
		Memo:                   viper.GetString("memo"),
		SubmitPayerKeys:        viper.GetStringSlice("submit-payer-key"),
		TransferPayerKeys:      viper.GetStringSlice("transfer-payer-key"),
		TreasuryKeys:           viper.GetStringSlice("treasury-key"),
		NodeScheme:             viper.GetString("node-scheme"),
		NodeCAFile:             viper.GetString("node-ca"),
		NodeInsecureSkipVerify: viper.GetBool("node-insecure-skip-verify"),
		NodeHTTPTimeout:        viper.GetDuration("node-http-timeout"),
		SubmitTimeout:          viper.GetDuration("submit-timeout"),
		QueryTimeout:           viper.GetDuration("query-timeout"),
		ReceiptPollInterval:    viper.GetDuration("receipt-poll-interval"),
		RetryDelay:             viper.GetDuration("retry-delay"),
		ProbeStep:              viper.GetDuration("probe-step"),
		ProbeRounds:            viper.GetInt("probe-rounds"),
		MaxInFlightTotal:       viper.GetInt("max-in-flight"),
		MaxInFlightPerEndpoint: viper.GetInt("max-in-flight-per-node"),
		UnhealthySettle:        viper.GetDuration("unhealthy-settle"),
		ReconcileInterval:      viper.GetDuration("reconcile-interval"),
		FinalReconcileDelay:    viper.GetDuration("final-reconcile-delay"),
		ReconcileMaxRounds:     viper.GetInt("reconcile-max-rounds"),
		ProgressInterval:       viper.GetDuration("progress-interval"),
		Report:                 viper.GetString("report"),
		ReportKeyFile:          viper.GetString("report-key"),
		S3AccessKeyID:          viper.GetString("s3-access-key-id"),
		S3SecretAccessKey:      viper.GetString("s3-secret-access-key"),
		S3SessionToken:         viper.GetString("s3-session-token"),
		AWSRegion:              viper.GetString("aws-region"),
		AWSKMSKeyID:            viper.GetString("aws-kms-key-id"),
		AWSSSE:                 viper.GetString("s3-sse"),
		AzureAccount:           viper.GetString("azure-account"),
		AzureAccountKey:        viper.GetString("azure-key"),
		AzureSASToken:          viper.GetString("azure-sas-token"),
		AzureEndpoint:          viper.GetString("azure-endpoint"),
		OTLPEndpoint:           viper.GetString("otlp-endpoint"),
		MetricsListen:          viper.GetString("metrics-listen"),
		PprofListen:            viper.GetString("pprof-listen"),
		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
	}
	if raw := strings.TrimSpace(viper.GetString("max-file-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-file-size: %w", err)
		}
		cfg.MaxFileBytes = int64(size)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

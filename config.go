package paydist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/dispatch"
	"pkt.systems/paydist/internal/nodeclient"
	"pkt.systems/paydist/internal/pathutil"
	"pkt.systems/paydist/internal/plan"
)

const (
	// DefaultNetwork is used when no network is configured.
	DefaultNetwork = discovery.Testnet
	// DefaultNodeScheme is used for address book entries without a scheme.
	DefaultNodeScheme = "https"
	// DefaultReport stores reports in the working directory.
	DefaultReport = "disk://./reports"
	// DefaultMaxFileBytes caps the size of a distribution file.
	DefaultMaxFileBytes int64 = 16 << 20
	// DefaultMetricsListen disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof listener.
	DefaultPprofListen = ""
	// DefaultNodeHTTPTimeout caps one HTTP exchange with a node.
	DefaultNodeHTTPTimeout = 5 * time.Minute
)

// Config carries every knob of a distribution run. Zero durations and
// counts select the package defaults of the component they tune.
type Config struct {
	Network     string
	AddressBook string

	Token             string
	Treasury          string
	SubmitPayer       string
	TransferPayer     string
	Memo              string
	SubmitPayerKeys   []string
	TransferPayerKeys []string
	TreasuryKeys      []string

	NodeScheme             string
	NodeCAFile             string
	NodeInsecureSkipVerify bool
	NodeHTTPTimeout        time.Duration

	SubmitTimeout       time.Duration
	QueryTimeout        time.Duration
	ReceiptPollInterval time.Duration
	RetryDelay          time.Duration

	ProbeStep   time.Duration
	ProbeRounds int

	MaxInFlightTotal       int
	MaxInFlightPerEndpoint int
	UnhealthySettle        time.Duration

	ReconcileInterval   time.Duration
	FinalReconcileDelay time.Duration
	ReconcileMaxRounds  int
	ProgressInterval    time.Duration

	MaxFileBytes int64

	// Report is the sink URL: disk://, mem://, s3://, aws:// or azure://.
	Report string
	// ReportKeyFile points at a kryptograf PEM bundle. When set, reports are
	// stored encrypted.
	ReportKeyFile string

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AWSKMSKeyID       string
	AWSSSE            string
	AzureAccount      string
	AzureAccountKey   string
	AzureSASToken     string
	AzureEndpoint     string

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

// Validate normalises the configuration and reports settings that cannot
// work. Distribution parameters are validated by the planner so every
// problem reaches the operator in one list.
func (c *Config) Validate() error {
	c.Network = strings.ToLower(strings.TrimSpace(c.Network))
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	c.NodeScheme = strings.ToLower(strings.TrimSpace(c.NodeScheme))
	switch c.NodeScheme {
	case "":
		c.NodeScheme = DefaultNodeScheme
	case "http", "https":
	default:
		return fmt.Errorf("config: node scheme must be http or https, got %q", c.NodeScheme)
	}
	for _, p := range []*string{&c.AddressBook, &c.NodeCAFile, &c.ReportKeyFile} {
		expanded, err := pathutil.Expand(*p)
		if err != nil {
			return fmt.Errorf("config: expand %q: %w", *p, err)
		}
		*p = expanded
	}
	if c.NodeHTTPTimeout == 0 {
		c.NodeHTTPTimeout = DefaultNodeHTTPTimeout
	}
	if c.Report == "" {
		c.Report = DefaultReport
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.MaxInFlightPerEndpoint < 0 || c.MaxInFlightTotal < 0 {
		return fmt.Errorf("config: in-flight limits must be >= 0")
	}
	if c.MaxInFlightTotal > 0 && c.MaxInFlightPerEndpoint > c.MaxInFlightTotal {
		return fmt.Errorf("config: per-endpoint in-flight limit %d exceeds total %d", c.MaxInFlightPerEndpoint, c.MaxInFlightTotal)
	}
	for name, d := range map[string]time.Duration{
		"submit timeout":        c.SubmitTimeout,
		"query timeout":         c.QueryTimeout,
		"receipt poll interval": c.ReceiptPollInterval,
		"probe step":            c.ProbeStep,
		"unhealthy settle":      c.UnhealthySettle,
		"reconcile interval":    c.ReconcileInterval,
		"progress interval":     c.ProgressInterval,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must be >= 0", name)
		}
	}
	if c.ReconcileMaxRounds < 0 || c.ProbeRounds < 0 {
		return fmt.Errorf("config: round counts must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// Input returns the distribution parameters in their raw form.
func (c Config) Input() plan.Input {
	return plan.Input{
		Network:           c.Network,
		Token:             c.Token,
		Treasury:          c.Treasury,
		SubmitPayer:       c.SubmitPayer,
		TransferPayer:     c.TransferPayer,
		Memo:              c.Memo,
		SubmitPayerKeys:   c.SubmitPayerKeys,
		TransferPayerKeys: c.TransferPayerKeys,
		TreasuryKeys:      c.TreasuryKeys,
	}
}

func (c Config) nodeConfig() nodeclient.Config {
	return nodeclient.Config{
		SubmitTimeout:       c.SubmitTimeout,
		QueryTimeout:        c.QueryTimeout,
		ReceiptPollInterval: c.ReceiptPollInterval,
		RetryDelay:          c.RetryDelay,
	}
}

func (c Config) dispatchOptions() []dispatch.Option {
	var opts []dispatch.Option
	if c.MaxInFlightTotal > 0 || c.MaxInFlightPerEndpoint > 0 {
		opts = append(opts, dispatch.WithMaxInFlight(c.MaxInFlightTotal, c.MaxInFlightPerEndpoint))
	}
	if c.UnhealthySettle > 0 {
		opts = append(opts, dispatch.WithUnhealthySettle(c.UnhealthySettle))
	}
	return opts
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.paydist), overridden by PAYDIST_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PAYDIST_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".paydist"), nil
}

// DefaultConfigFile returns the default YAML configuration path.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "paydist.yaml"), nil
}

// DefaultReportKeyPath returns the default kryptograf bundle for report
// encryption.
func DefaultReportKeyPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "report-key.pem"), nil
}

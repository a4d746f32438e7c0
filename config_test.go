package paydist

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/paydist/internal/discovery"
	"pkt.systems/paydist/internal/ledger"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Network: "  TestNet "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Network != discovery.Testnet {
		t.Fatalf("network = %q", cfg.Network)
	}
	if cfg.NodeScheme != DefaultNodeScheme {
		t.Fatalf("node scheme = %q", cfg.NodeScheme)
	}
	if cfg.Report != DefaultReport {
		t.Fatalf("report = %q", cfg.Report)
	}
	if cfg.MaxFileBytes != DefaultMaxFileBytes {
		t.Fatalf("max file bytes = %d", cfg.MaxFileBytes)
	}
	if cfg.NodeHTTPTimeout != DefaultNodeHTTPTimeout {
		t.Fatalf("node http timeout = %s", cfg.NodeHTTPTimeout)
	}

	empty := Config{}
	if err := empty.Validate(); err != nil {
		t.Fatalf("Validate empty: %v", err)
	}
	if empty.Network != DefaultNetwork {
		t.Fatalf("default network = %q", empty.Network)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"scheme", Config{NodeScheme: "grpc"}, "node scheme"},
		{"negative in-flight", Config{MaxInFlightTotal: -1}, "in-flight"},
		{"per endpoint above total", Config{MaxInFlightTotal: 2, MaxInFlightPerEndpoint: 3}, "exceeds total"},
		{"negative duration", Config{ReconcileInterval: -time.Second}, "reconcile interval"},
		{"negative rounds", Config{ProbeRounds: -1}, "round counts"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigInputParsesKeys(t *testing.T) {
	key, err := ledger.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := Config{
		Network:         "testnet",
		Token:           "0.0.5000",
		Treasury:        "0.0.1001",
		SubmitPayer:     "0.0.1002",
		TransferPayer:   "0.0.1003",
		SubmitPayerKeys: []string{ledger.EncodePrivateKey(key)},
		TreasuryKeys:    []string{"not-hex"},
	}
	params, problems := cfg.Input().Parse()
	if len(problems) != 1 || !strings.Contains(problems[0], "Treasury Private Key") {
		t.Fatalf("problems = %v", problems)
	}
	if params.Treasury.String() != "0.0.1001" || params.TransferPayer.String() != "0.0.1003" {
		t.Fatalf("params = %+v", params)
	}
	if got := len(params.Keys.Keys(ledger.RoleSubmitPayer)); got != 1 {
		t.Fatalf("submit payer keys = %d", got)
	}
}

func TestConfigDispatchOptions(t *testing.T) {
	if opts := (Config{}).dispatchOptions(); len(opts) != 0 {
		t.Fatalf("zero config produced %d dispatch options", len(opts))
	}
	cfg := Config{MaxInFlightTotal: 8, MaxInFlightPerEndpoint: 2, UnhealthySettle: time.Second}
	if opts := cfg.dispatchOptions(); len(opts) != 2 {
		t.Fatalf("dispatch options = %d", len(opts))
	}
}

func TestDefaultConfigPathsHonourOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PAYDIST_CONFIG_DIR", dir)
	got, err := DefaultConfigFile()
	if err != nil {
		t.Fatalf("DefaultConfigFile: %v", err)
	}
	if got != filepath.Join(dir, "paydist.yaml") {
		t.Fatalf("config file = %s", got)
	}
	key, err := DefaultReportKeyPath()
	if err != nil {
		t.Fatalf("DefaultReportKeyPath: %v", err)
	}
	if key != filepath.Join(dir, "report-key.pem") {
		t.Fatalf("report key = %s", key)
	}
}

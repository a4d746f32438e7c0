package paydist

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/report"
)

func TestBuildDiskRoot(t *testing.T) {
	cases := map[string]string{
		"disk://./reports":              "reports",
		"disk:///var/lib/paydist":       "/var/lib/paydist",
		"disk://reports/nested/":        "reports/nested",
		"/srv/paydist/reports":          "/srv/paydist/reports",
		"disk:///var/lib/paydist/../x/": "/var/lib/x",
	}
	for raw, want := range cases {
		got, err := BuildDiskRoot(raw)
		if err != nil {
			t.Fatalf("BuildDiskRoot(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("BuildDiskRoot(%q) = %q, want %q", raw, got, want)
		}
	}
	for _, raw := range []string{"disk://", "disk:///", "s3://host/bucket"} {
		if _, err := BuildDiskRoot(raw); err == nil {
			t.Fatalf("BuildDiskRoot(%q) should fail", raw)
		}
	}
}

func TestBuildS3Config(t *testing.T) {
	cfg := Config{
		Report:            "s3://minio:9000/reports/payroll/2026?insecure=true&path-style=true&region=eu-north-1",
		S3AccessKeyID:     "paydist",
		S3SecretAccessKey: "secret",
	}
	s3cfg, summary, err := BuildS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildS3Config: %v", err)
	}
	if s3cfg.Endpoint != "minio:9000" || s3cfg.Bucket != "reports" || s3cfg.Prefix != "payroll/2026" {
		t.Fatalf("unexpected target: %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || s3cfg.Region != "eu-north-1" {
		t.Fatalf("unexpected flags: %+v", s3cfg)
	}
	if s3cfg.Creds == nil || summary.Source != "config" || summary.AccessKey != "paydist" || !summary.HasSecret {
		t.Fatalf("unexpected credentials: %+v", summary)
	}

	if _, _, err := BuildS3Config(Config{Report: "s3://minio:9000/"}); err == nil {
		t.Fatalf("missing bucket should fail")
	}
	if _, _, err := BuildS3Config(Config{Report: "s3://minio/bucket", S3AccessKeyID: "only-id"}); err == nil {
		t.Fatalf("incomplete credentials should fail")
	}
}

func TestBuildS3ConfigCredentialsFromEnv(t *testing.T) {
	t.Setenv("PAYDIST_S3_ACCESS_KEY_ID", "env-id")
	t.Setenv("PAYDIST_S3_SECRET_ACCESS_KEY", "env-secret")
	_, summary, err := BuildS3Config(Config{Report: "s3://minio/bucket?scheme=http"})
	if err != nil {
		t.Fatalf("BuildS3Config: %v", err)
	}
	if summary.AccessKey != "env-id" || !strings.HasPrefix(summary.Source, "env:") {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	awscfg, _, err := BuildAWSConfig(Config{Report: "aws://reports-bucket/paydist?region=eu-west-1&kms-key-id=alias/reports"})
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "reports-bucket" || awscfg.Prefix != "paydist" || awscfg.Region != "eu-west-1" {
		t.Fatalf("unexpected config: %+v", awscfg)
	}
	if awscfg.KMSKeyID != "alias/reports" || awscfg.ServerSideEncryption != "aws:kms" {
		t.Fatalf("unexpected encryption: %+v", awscfg)
	}
	if _, _, err := BuildAWSConfig(Config{Report: "aws://bucket"}); err == nil {
		t.Fatalf("missing region should fail")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_KEY", "")
	t.Setenv("PAYDIST_AZURE_ACCOUNT_KEY", "")
	azcfg, err := BuildAzureConfig(Config{
		Report:          "azure://acct/reports/paydist?endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "a2V5",
	})
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "reports" || azcfg.Prefix != "paydist" {
		t.Fatalf("unexpected target: %+v", azcfg)
	}
	if azcfg.Endpoint != "http://127.0.0.1:10000/acct" || azcfg.AccountKey != "a2V5" {
		t.Fatalf("unexpected endpoint or key: %+v", azcfg)
	}
	if _, err := BuildAzureConfig(Config{Report: "azure://acct"}); err == nil {
		t.Fatalf("missing container should fail")
	}
}

func TestOpenReportSinkMemory(t *testing.T) {
	ctx := context.Background()
	sink, info, err := OpenReportSink(ctx, Config{Report: "mem://"}, nil, clock.Real{})
	if err != nil {
		t.Fatalf("OpenReportSink: %v", err)
	}
	if info.Scheme != "mem" || info.Encrypted {
		t.Fatalf("info = %+v", info)
	}
	location, err := sink.Put(ctx, "r.csv", strings.NewReader("a,b\n"), 4)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if location != "mem://r.csv" {
		t.Fatalf("location = %q", location)
	}
}

func TestOpenReportSinkEncryptedDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "report-key.pem")
	if _, err := report.EnsureRootKey(keyPath); err != nil {
		t.Fatalf("EnsureRootKey: %v", err)
	}
	cfg := Config{Report: "disk://" + filepath.Join(dir, "reports"), ReportKeyFile: keyPath}
	sink, info, err := OpenReportSink(ctx, cfg, nil, clock.Real{})
	if err != nil {
		t.Fatalf("OpenReportSink: %v", err)
	}
	if !info.Encrypted || info.Target != filepath.Join(dir, "reports") {
		t.Fatalf("info = %+v", info)
	}
	body := []byte("Account,Amount\n0.0.2001,12.5\n")
	if _, err := sink.Put(ctx, "distribution.csv", bytes.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stored, err := os.ReadFile(filepath.Join(dir, "reports", "distribution.csv"))
	if err != nil {
		t.Fatalf("read stored report: %v", err)
	}
	if bytes.Contains(stored, []byte("0.0.2001")) {
		t.Fatalf("report stored in plaintext")
	}
	getter, ok := sink.(report.Getter)
	if !ok {
		t.Fatalf("encrypted sink does not support Get")
	}
	rc, err := getter.Get(ctx, "distribution.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	plain, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Fatalf("decrypted %q, want %q", plain, body)
	}

	// A second EnsureRootKey keeps the committed key.
	first, err := report.LoadRootKey(keyPath)
	if err != nil {
		t.Fatalf("LoadRootKey: %v", err)
	}
	again, err := report.EnsureRootKey(keyPath)
	if err != nil {
		t.Fatalf("EnsureRootKey again: %v", err)
	}
	if first != again {
		t.Fatalf("root key changed on second ensure")
	}
}

func TestOpenReportSinkUnknownScheme(t *testing.T) {
	if _, _, err := OpenReportSink(context.Background(), Config{Report: "ftp://host/x"}, nil, nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

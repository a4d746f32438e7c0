package paydist

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/report"
	"pkt.systems/paydist/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// SinkInfo describes an opened report sink for logs and CLI output.
type SinkInfo struct {
	Scheme      string
	Target      string
	Credentials CredentialSummary
	Encrypted   bool
}

// OpenReportSink builds the sink named by cfg.Report, wrapped with retries
// and, when cfg.ReportKeyFile is set, envelope encryption.
func OpenReportSink(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (report.Sink, SinkInfo, error) {
	logger = svcfields.WithSubsystem(logger, "report.sink")
	sink, info, err := openBaseSink(ctx, cfg)
	if err != nil {
		return nil, info, err
	}
	sink = report.WithRetry(sink, logger, clk, report.DefaultRetryConfig)
	if strings.TrimSpace(cfg.ReportKeyFile) != "" {
		root, err := report.LoadRootKey(cfg.ReportKeyFile)
		if err != nil {
			return nil, info, err
		}
		enc, err := report.NewEncryptor(root)
		if err != nil {
			return nil, info, err
		}
		sink = report.Encrypted(sink, enc)
		info.Encrypted = true
	}
	sink = report.Traced(sink, logger, info.Scheme)
	logger.Info("report.sink.ready",
		"scheme", info.Scheme,
		"target", info.Target,
		"credentials", info.Credentials.Source,
		"encrypted", info.Encrypted,
	)
	return sink, info, nil
}

func openBaseSink(ctx context.Context, cfg Config) (report.Sink, SinkInfo, error) {
	raw := strings.TrimSpace(cfg.Report)
	if raw == "" {
		raw = DefaultReport
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, SinkInfo{}, fmt.Errorf("parse report URL: %w", err)
	}
	info := SinkInfo{Scheme: u.Scheme}
	switch u.Scheme {
	case "memory", "mem":
		info.Target = "memory"
		return report.NewMemory(), info, nil
	case "disk", "":
		root, err := BuildDiskRoot(raw)
		if err != nil {
			return nil, info, err
		}
		sink, err := report.NewDisk(root)
		if err != nil {
			return nil, info, err
		}
		info.Target = sink.Root()
		return sink, info, nil
	case "s3":
		s3cfg, summary, err := BuildS3Config(cfg)
		info.Credentials = summary
		if err != nil {
			return nil, info, err
		}
		sink, err := report.NewS3(s3cfg)
		if err != nil {
			return nil, info, err
		}
		readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := sink.EnsureBucket(readyCtx); err != nil {
			return nil, info, fmt.Errorf("report bucket %s not usable: %w", s3cfg.Bucket, err)
		}
		info.Target = s3cfg.Endpoint + "/" + s3cfg.Bucket
		return sink, info, nil
	case "aws":
		awscfg, summary, err := BuildAWSConfig(cfg)
		info.Credentials = summary
		if err != nil {
			return nil, info, err
		}
		sink, err := report.NewAWS(ctx, awscfg)
		if err != nil {
			return nil, info, err
		}
		info.Target = awscfg.Bucket
		return sink, info, nil
	case "azure":
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, info, err
		}
		info.Credentials = CredentialSummary{AccessKey: azcfg.Account, HasSecret: azcfg.AccountKey != "" || azcfg.SASToken != "", Source: "azure"}
		sink, err := report.NewAzure(ctx, azcfg)
		if err != nil {
			return nil, info, err
		}
		info.Target = azcfg.Account + "/" + azcfg.Container
		return sink, info, nil
	default:
		return nil, info, fmt.Errorf("report scheme %q not supported", u.Scheme)
	}
}

// BuildDiskRoot resolves disk:// URLs. disk://./reports is relative to the
// working directory, disk:///var/lib/paydist absolute.
func BuildDiskRoot(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse report URL: %w", err)
	}
	if u.Scheme != "disk" && u.Scheme != "" {
		return "", fmt.Errorf("report scheme %q is not disk", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return "", fmt.Errorf("disk report path required (e.g. disk:///var/lib/paydist/reports)")
	}
	return filepath.Clean(pathPart), nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs for S3
// compatible services.
func BuildS3Config(cfg Config) (report.S3Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Report)
	if err != nil {
		return report.S3Config{}, CredentialSummary{}, fmt.Errorf("parse report URL: %w", err)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return report.S3Config{}, CredentialSummary{}, fmt.Errorf("s3 report missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if bucket == "" {
		return report.S3Config{}, CredentialSummary{}, fmt.Errorf("s3 report missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := queryBool(query, "insecure", false) || strings.EqualFold(query.Get("scheme"), "http")
	creds, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return report.S3Config{}, summary, err
	}
	return report.S3Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style", false),
		Creds:          creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=... URLs.
func BuildAWSConfig(cfg Config) (report.AWSConfig, CredentialSummary, error) {
	u, err := url.Parse(cfg.Report)
	if err != nil {
		return report.AWSConfig{}, CredentialSummary{}, fmt.Errorf("parse report URL: %w", err)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return report.AWSConfig{}, CredentialSummary{}, fmt.Errorf("aws report missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return report.AWSConfig{}, CredentialSummary{}, fmt.Errorf("aws report requires region (set --aws-region or PAYDIST_AWS_REGION)")
	}
	kmsKey := cfg.AWSKMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	sse := cfg.AWSSSE
	if kmsKey != "" && sse == "" {
		sse = "aws:kms"
	}
	return report.AWSConfig{
		Bucket:               bucket,
		Prefix:               strings.Trim(u.Path, "/"),
		Region:               region,
		Endpoint:             query.Get("endpoint"),
		Insecure:             queryBool(query, "insecure", false),
		ServerSideEncryption: sse,
		KMSKeyID:             kmsKey,
	}, awsCredentialSummary(), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (report.AzureConfig, error) {
	u, err := url.Parse(cfg.Report)
	if err != nil {
		return report.AzureConfig{}, fmt.Errorf("parse report URL: %w", err)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return report.AzureConfig{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if container == "" {
		return report.AzureConfig{}, fmt.Errorf("azure report missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("PAYDIST_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("PAYDIST_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return report.AzureConfig{
		Account:    account,
		AccountKey: key,
		SASToken:   sas,
		Endpoint:   endpoint,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	access := strings.TrimSpace(cfg.S3AccessKeyID)
	secret := cfg.S3SecretAccessKey
	token := cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && token == "" {
		access = firstEnv("PAYDIST_S3_ACCESS_KEY_ID")
		secret = os.Getenv("PAYDIST_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("PAYDIST_S3_SESSION_TOKEN")
		source = "env:PAYDIST_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" && secret == "" && token == "" {
		// Fall through to the client's env/file/IAM chain.
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

func awsCredentialSummary() CredentialSummary {
	switch {
	case firstEnv("AWS_ACCESS_KEY_ID") != "":
		return CredentialSummary{
			AccessKey: firstEnv("AWS_ACCESS_KEY_ID"),
			HasSecret: firstEnv("AWS_SECRET_ACCESS_KEY") != "",
			Source:    "env:AWS_ACCESS_KEY_ID",
		}
	case firstEnv("AWS_PROFILE") != "":
		return CredentialSummary{Source: "profile:" + firstEnv("AWS_PROFILE")}
	default:
		return CredentialSummary{Source: "auto"}
	}
}

func queryBool(q url.Values, key string, fallback bool) bool {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

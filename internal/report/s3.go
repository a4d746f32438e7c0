package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3 compatible sink served through the MinIO client.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ContentType    string
	// Creds overrides the default environment/file/IAM credential chain.
	Creds     *credentials.Credentials
	Transport http.RoundTripper
}

// S3 uploads reports to an S3 compatible bucket.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 builds the MinIO client for cfg.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report: s3 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("report: s3 create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv"
	}
	return &S3{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return wrapError(err, "report: s3 bucket exists", s3Status)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return wrapError(err, "report: s3 make bucket", s3Status)
	}
	return nil
}

// Put implements Sink.
func (s *S3) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	key := objectKey(s.cfg.Prefix, name)
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, body, size, minio.PutObjectOptions{ContentType: s.cfg.ContentType})
	if err != nil {
		return "", wrapError(err, "report: s3 put "+key, s3Status)
	}
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// Get implements Getter.
func (s *S3) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	key := objectKey(s.cfg.Prefix, name)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapError(err, "report: s3 get "+key, s3Status)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapError(err, "report: s3 stat "+key, s3Status)
	}
	return obj, nil
}

func s3Status(err error) (int, bool) {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return 0, false
	}
	return resp.StatusCode, true
}

func isS3NotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

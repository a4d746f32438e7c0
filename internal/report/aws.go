package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// AWSConfig configures a sink backed by the AWS SDK.
type AWSConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Insecure bool
	// ServerSideEncryption is passed through as the SSE header, e.g.
	// "AES256" or "aws:kms".
	ServerSideEncryption string
	KMSKeyID             string
}

// AWS uploads reports with the AWS SDK v2 S3 client.
type AWS struct {
	client *s3.Client
	cfg    AWSConfig
}

// NewAWS loads the default AWS configuration chain for cfg.Region.
func NewAWS(ctx context.Context, cfg AWSConfig) (*AWS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report: aws bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("report: aws region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}),
	)
	if err != nil {
		return nil, fmt.Errorf("report: aws load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &AWS{client: client, cfg: cfg}, nil
}

// Put implements Sink.
func (a *AWS) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	key := objectKey(a.cfg.Prefix, name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if sse := strings.TrimSpace(a.cfg.ServerSideEncryption); sse != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(sse)
		if a.cfg.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(a.cfg.KMSKeyID)
		}
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", wrapError(err, "report: aws put "+key, awsStatus)
	}
	return "aws://" + a.cfg.Bucket + "/" + key, nil
}

// Get implements Getter.
func (a *AWS) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	key := objectKey(a.cfg.Prefix, name)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapError(err, "report: aws get "+key, awsStatus)
	}
	return out.Body, nil
}

func awsStatus(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	status, ok := awsStatus(err)
	return ok && status == http.StatusNotFound
}

package assets

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Metadata header names the blob store requires on presigned uploads.
const (
	HeaderXXHash          = "x-amz-meta-xxhash"
	HeaderUploadTimestamp = "x-amz-meta-upload-timestamp"
)

// Presigner mints short-lived URLs against the blob store so asset bytes
// never proxy through the session server. The minimal interface keeps the
// manager testable without AWS.
type Presigner interface {
	// PresignUpload returns a PUT URL plus the headers the uploader must
	// send for the signature to validate.
	PresignUpload(ctx context.Context, key, contentType string,
		metadata map[string]string, expires time.Duration) (url string, headers map[string]string, err error)

	// PresignDownload returns a GET URL for a stored object.
	PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error)
}

// S3Config carries the blob store settings. Endpoint overrides the AWS
// default for S3-compatible stores (MinIO, localstack).
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// DisabledPresigner rejects every request; used when no blob store is
// configured so asset routes fail cleanly instead of panicking.
type DisabledPresigner struct{}

var _ Presigner = DisabledPresigner{}

func (DisabledPresigner) PresignUpload(context.Context, string, string, map[string]string, time.Duration) (string, map[string]string, error) {
	return "", nil, fmt.Errorf("no blob store configured")
}

func (DisabledPresigner) PresignDownload(context.Context, string, time.Duration) (string, error) {
	return "", fmt.Errorf("no blob store configured")
}

// S3Presigner implements Presigner against S3 via aws-sdk-go-v2.
type S3Presigner struct {
	presign *s3.PresignClient
	bucket  string
}

// NewS3Presigner builds the pooled S3 client once per process.
func NewS3Presigner(ctx context.Context, cfg S3Config) (*S3Presigner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Presigner{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

var _ Presigner = (*S3Presigner)(nil)

func (p *S3Presigner) PresignUpload(ctx context.Context, key, contentType string,
	metadata map[string]string, expires time.Duration) (string, map[string]string, error) {

	// Strip the x-amz-meta- prefix; the SDK adds it back per metadata key.
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if len(k) > len("x-amz-meta-") && k[:len("x-amz-meta-")] == "x-amz-meta-" {
			k = k[len("x-amz-meta-"):]
		}
		meta[k] = v
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		Metadata: meta,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := p.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", nil, fmt.Errorf("presign put %s: %w", key, err)
	}

	required := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		required[k] = v
	}
	if contentType != "" {
		required["Content-Type"] = contentType
	}
	return req.URL, required, nil
}

func (p *S3Presigner) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

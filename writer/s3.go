package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	appconfig "evecache/config"
	"evecache/logger"
)

// objectPutter is the part of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader pushes export files to a bucket under
// <prefix>/<yyyy>/<mm>/<dd>/<run id>/<name>. Requests are paced by a token
// bucket limiter.
type S3Uploader struct {
	config  appconfig.S3Config
	version string
	runID   string
	client  objectPutter
	limiter *rate.Limiter
	now     func() time.Time
	log     *logger.Log
}

// NewS3Uploader configures the AWS SDK from cfg. Static credentials are used
// when both keys are set, otherwise the default provider chain.
func NewS3Uploader(ctx context.Context, cfg *appconfig.Config, runID string) (*S3Uploader, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_uploader").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
		"run_id":     runID,
	}).Info("s3 uploader initialized")

	return newS3Uploader(cfg.Storage.S3, cfg.App.Version, runID, client), nil
}

func newS3Uploader(cfg appconfig.S3Config, version, runID string, client objectPutter) *S3Uploader {
	rps := cfg.UploadsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &S3Uploader{
		config:  cfg,
		version: version,
		runID:   runID,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Key returns the object key name is stored under.
func (u *S3Uploader) Key(name string) string {
	ts := u.now().UTC()
	parts := []string{
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		u.runID,
		name,
	}
	if prefix := strings.Trim(u.config.Prefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

// Upload stores data under Key(name) and returns the key.
func (u *S3Uploader) Upload(ctx context.Context, name, contentType, digest string, data []byte) (string, error) {
	key := u.Key(name)
	log := u.log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"key":       key,
		"data_size": len(data),
	})

	if err := u.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"source-digest":    digest,
			"run-id":           u.runID,
			"evecache-version": u.version,
		},
	}

	start := time.Now()
	if _, err := u.client.PutObject(ctx, input); err != nil {
		log.WithError(err).Error("upload failed")
		return "", fmt.Errorf("failed to upload to S3 bucket %s: %w", u.config.Bucket, err)
	}
	logger.RecordChannelMessage("s3_upload", len(data))
	logger.LogPerformanceEntry(log, "s3_uploader", "put_object", time.Since(start), logger.Fields{"key": key})
	log.Info("successfully uploaded to S3")
	return key, nil
}

// Package publish mirrors completed artifacts to an S3 bucket.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numUploadRetries = 3
	checksumMetaKey  = "sha256"
	partSizeMB       = 10
)

// S3Params configures the bucket artifacts are mirrored to.
type S3Params struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type objectHeader interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Publisher uploads artifacts to s3://<bucket>/<prefix><name>.
type S3Publisher struct {
	bucket    string
	prefix    string
	header    objectHeader
	uploader  objectUploader
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Publisher loads AWS credentials and creates a publisher for params.Bucket.
func NewS3Publisher(ctx context.Context, params S3Params, logger log.Logger) (*S3Publisher, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
	})

	return newS3Publisher(params, client, uploader, 5*time.Second, logger), nil
}

func newS3Publisher(params S3Params, header objectHeader, uploader objectUploader, retryWait time.Duration, logger log.Logger) *S3Publisher {
	return &S3Publisher{
		bucket:    params.Bucket,
		prefix:    params.Prefix,
		header:    header,
		uploader:  uploader,
		retryWait: retryWait,
		logger:    logger,
	}
}

// Key returns the object key of an artifact.
func (p *S3Publisher) Key(artifact transfer.Artifact) string {
	return p.prefix + artifact.Name
}

// Publish uploads the artifact unless an object with the same checksum is already present.
func (p *S3Publisher) Publish(ctx context.Context, artifact transfer.Artifact) error {
	key := p.Key(artifact)

	checksum, err := p.findChecksumWithRetry(ctx, key)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}
	if checksum != "" && checksum == artifact.Checksum {
		p.logger.Debugf("s3://%s/%s is up to date", p.bucket, key)
		return nil
	}

	if err := p.putObjectWithRetry(ctx, key, artifact); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	p.logger.Donef("Mirrored %s to s3://%s/%s", artifact.Name, p.bucket, key)

	return nil
}

// findChecksumWithRetry returns the checksum recorded on an existing object, or "" when the
// object does not exist.
func (p *S3Publisher) findChecksumWithRetry(ctx context.Context, key string) (string, error) {
	var checksum string
	err := retry.Times(numUploadRetries).Wait(p.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := p.header.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return nil, true
				}
			}
			return fmt.Errorf("head object: %w", err), false
		}

		if out != nil {
			checksum = out.Metadata[checksumMetaKey]
		}
		return nil, true
	})

	return checksum, err
}

func (p *S3Publisher) putObjectWithRetry(ctx context.Context, key string, artifact transfer.Artifact) error {
	contentType := transfer.ContentTypeFor(filepath.Ext(artifact.Name))

	return retry.Times(numUploadRetries).Wait(p.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(artifact.Path)
		if err != nil {
			return fmt.Errorf("open artifact: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(p.bucket),
			Key:               aws.String(key),
			ContentType:       aws.String(contentType),
			ContentLength:     aws.Int64(artifact.Size),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
			Metadata:          map[string]string{checksumMetaKey: artifact.Checksum},
		})
		if err != nil {
			p.logger.Debugf("Attempt %d to upload %s failed: %s", attempt+1, key, err)
			return fmt.Errorf("put object: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	return &cfg, nil
}

// ABOUTME: S3 watermark store that keeps the watermark in a single JSON object.
// ABOUTME: Credentials come from the default AWS chain, with optional role assumption.

package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Document struct {
	Watermark time.Time `json:"watermark"`
	UpdatedAt time.Time `json:"updated_at"`
}

type S3Store struct {
	client s3API
	bucket string
	key    string
	logger *logrus.Logger
}

// OpenS3 creates an S3 store. AWS_IAM_ASSUME_ROLE_ARN switches credentials to an assumed role.
func OpenS3(ctx context.Context, bucket, key, region string, logger *logrus.Logger) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if assumeRoleARN := os.Getenv("AWS_IAM_ASSUME_ROLE_ARN"); assumeRoleARN != "" {
		logger.WithField("role_arn", assumeRoleARN).Info("Assuming role from AWS_IAM_ASSUME_ROLE_ARN environment variable")

		stsClient := sts.NewFromConfig(cfg.Copy())
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN))
	}

	return newS3Store(s3.NewFromConfig(cfg), bucket, key, logger), nil
}

func newS3Store(client s3API, bucket, key string, logger *logrus.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key, logger: logger}
}

func (s *S3Store) Load(ctx context.Context) (time.Time, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark object: %w", err)
	}

	var doc s3Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode watermark object: %w", err)
	}
	if doc.Watermark.IsZero() {
		return time.Time{}, false, nil
	}
	return doc.Watermark.UTC(), true, nil
}

func (s *S3Store) Save(ctx context.Context, watermark time.Time) error {
	body, err := json.Marshal(s3Document{Watermark: watermark.UTC(), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode watermark object: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket":    s.bucket,
		"key":       s.key,
		"watermark": watermark,
	}).Debug("Saved watermark to S3")
	return nil
}

func (s *S3Store) Close() {}

package auditlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
)

// S3Config holds the configuration of the snapshot mirror.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// s3API is the subset of the S3 client the sink uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Sink mirrors every published snapshot to an S3 compatible bucket as
// <prefix>/<poll>/<leafCount>.json and <prefix>/<poll>/latest.json, so
// auditors can fetch roots without talking to the node.
type S3Sink struct {
	client s3API
	conf   *S3Config
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates the sink and its client.
func NewS3Sink(ctx context.Context, conf *S3Config) (*S3Sink, error) {
	if conf == nil || !conf.Enabled {
		return nil, fmt.Errorf("s3 mirror not enabled")
	}
	if conf.AccessKey == "" || conf.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	if conf.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := conf.Region
	if region == "" {
		region = "us-east-1"
	}
	sdkConfig, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, "")),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, conf: conf}, nil
}

// Check verifies the bucket is reachable.
func (s *S3Sink) Check(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.conf.Bucket)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 bucket %s: %s: %s", s.conf.Bucket, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("s3 bucket %s: %w", s.conf.Bucket, err)
	}
	return nil
}

func (s *S3Sink) objectKey(pollID, name string) string {
	return path.Join(s.conf.Prefix, pollID, name)
}

// PublishSnapshot implements Sink.
func (s *S3Sink) PublishSnapshot(ctx context.Context, snap *types.RootSnapshot) error {
	data, err := storage.EncodeArtifact(snap, storage.ArtifactEncodingJSON)
	if err != nil {
		return err
	}
	for _, key := range []string{
		s.objectKey(snap.PollID, fmt.Sprintf("%d.json", snap.LeafCount)),
		s.objectKey(snap.PollID, "latest.json"),
	} {
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.conf.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		}); err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) {
				return fmt.Errorf("failed to upload %s: %s", key, apiErr.ErrorCode())
			}
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}
	log.Debugw("snapshot mirrored", "poll", snap.PollID, "leaves", snap.LeafCount, "bucket", s.conf.Bucket)
	return nil
}

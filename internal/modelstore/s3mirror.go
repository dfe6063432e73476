package modelstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror mirrors stored blobs and artifacts to an S3-compatible bucket.
// Disk is always authoritative; mirror write failures are logged by the
// caller and never fail the originating operation (spec.md §4.2 and
// SPEC_FULL.md's domain stack table).
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror builds a mirror against the given bucket/region using the
// default AWS credential chain, the way the teacher's S3Repository does in
// src/repository/s3.go.
func NewS3Mirror(ctx context.Context, bucket, region, prefix string) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Mirror{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Put uploads data under prefix/key.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte) error {
	fullKey := key
	if m.prefix != "" {
		fullKey = m.prefix + "/" + key
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", fullKey, err)
	}
	return nil
}

// Package blobstore persists a job's final mix to object storage and hands
// back a read-only, far-future-expiry signed URL (spec.md §6's Blob Store
// interface). Grounded on the aws-sdk-go-v2 S3 client, the dependency the
// audio-serving repos in the reference pack reach for to do the same job.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dubforge/retargetd/internal/retargeterr"
)

// defaultSignedURLTTL is the "far-future expiry" spec.md §6 calls for on a
// read-only download link: long enough that a caller never has to refresh
// it, short of never expiring at all (S3 presigned URLs cap at 7 days).
const defaultSignedURLTTL = 7 * 24 * time.Hour

// s3API narrows *s3.Client to what this package calls, for testability.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// presignAPI narrows *s3.PresignClient.
type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*s3.PresignedHTTPRequest, error)
}

// Store implements jobpipeline.BlobStore against an S3-compatible bucket.
type Store struct {
	client    s3API
	presigner presignAPI
	bucket    string
	keyPrefix string
	signedTTL time.Duration
}

// Option configures a [Store].
type Option func(*Store)

// WithKeyPrefix namespaces every uploaded object under prefix (e.g.
// "retargetd/final-mixes/").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithSignedURLTTL overrides the presigned URL validity window.
func WithSignedURLTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.signedTTL = d
		}
	}
}

// New builds a Store from the ambient AWS configuration (environment,
// shared credentials file, or an EC2/ECS role) and the target bucket name.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket name must not be empty")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	s := &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		signedTTL: defaultSignedURLTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Upload puts localPath's contents in the bucket under a key made of
// localPath's base name (joined to the key prefix, if one is set) and
// returns a presigned, read-only GET URL valid for the store's signed URL
// TTL. Uploading two files with the same base name overwrites the object.
func (s *Store) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("blobstore: open %q: %w", localPath, err)
	}
	defer f.Close()

	key := s.objectKey(localPath)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", retargeterr.New(retargeterr.KindUploadFailed, "blobstore", fmt.Sprintf("put %q", key), err)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.signedTTL))
	if err != nil {
		return "", retargeterr.New(retargeterr.KindUploadFailed, "blobstore", fmt.Sprintf("presign %q", key), err)
	}
	return req.URL, nil
}

func (s *Store) objectKey(localPath string) string {
	name := filepath.Base(localPath)
	if s.keyPrefix == "" {
		return name
	}
	return filepath.ToSlash(filepath.Join(s.keyPrefix, name))
}

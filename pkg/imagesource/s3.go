package imagesource

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of the S3 client the source needs, split out so tests
// can stand in for the real service.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type s3Source struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 serves images from an S3 bucket using the same shard key layout as
// the local tree, under an optional key prefix.
func NewS3(ctx context.Context, bucket, region, prefix string) (Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("could not load AWS configuration: %w", err)
	}
	return &s3Source{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func newS3WithClient(client s3API, bucket, prefix string) Source {
	return &s3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *s3Source) Name() string { return "s3" }

// ResolvePath never resolves for S3; remote images must be downloaded.
func (s *s3Source) ResolvePath(string) (string, bool) { return "", false }

func (s *s3Source) key(sha string) string {
	shard := path.Join(sha[0:2], sha[2:4], sha+".jpg")
	if s.prefix == "" {
		return shard
	}
	return path.Join(s.prefix, shard)
}

func (s *s3Source) Exists(ctx context.Context, sha string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(sha))})
	return err == nil
}

func (s *s3Source) Download(ctx context.Context, sha, dest string) error {
	key := s.key(sha)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("could not fetch s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return writeAtomically(dest, out.Body)
}

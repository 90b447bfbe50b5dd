package objectstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"knowgraph/internal/config"
)

// S3Store reads source documents from an S3-compatible bucket (AWS S3,
// MinIO). The store is read-only: documents are authored elsewhere and
// this engine only indexes them. A configured prefix is prepended on the
// wire and stripped from every returned path, so callers work with
// vault-relative paths throughout.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.TLSInsecureSkipVerify {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and other self-hosted endpoints need path-style addressing.
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Store) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	if path == "" {
		return s.prefix
	}
	return s.prefix + "/" + path
}

func (s *S3Store) relative(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

// List returns every document under prefix, following truncated pages to
// exhaustion.
func (s *S3Store) List(ctx context.Context, prefix string) ([]SourceObject, error) {
	var out []SourceObject
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			so := SourceObject{
				Path: s.relative(aws.ToString(obj.Key)),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				so.Modified = *obj.LastModified
			}
			out = append(out, so)
		}
	}
	return out, nil
}

// Fetch downloads one document. A missing key maps to ErrNotFound so the
// caller can distinguish a deleted source from a transport failure.
func (s *S3Store) Fetch(ctx context.Context, path string) ([]byte, SourceObject, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, SourceObject{}, fmt.Errorf("objectstore: %s: %w", path, ErrNotFound)
		}
		return nil, SourceObject{}, fmt.Errorf("objectstore: get %q: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, SourceObject{}, fmt.Errorf("objectstore: read %q: %w", path, err)
	}
	so := SourceObject{
		Path: path,
		ETag: strings.Trim(aws.ToString(resp.ETag), `"`),
		Size: int64(len(data)),
	}
	if resp.LastModified != nil {
		so.Modified = *resp.LastModified
	}
	return data, so, nil
}

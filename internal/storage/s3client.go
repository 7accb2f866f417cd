package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shardvault/shardvault/internal/nodes"
)

// S3Options configures the S3-compatible node clients.
type S3Options struct {
	AccessKey      string
	SecretKey      string
	Region         string
	UseTLS         bool
	RequestTimeout time.Duration
	MaxAttempts    int
	CABundle       string // PEM file trusted in addition to the system roots
}

// S3ClientFactory returns a factory that builds an S3 client per node.
func S3ClientFactory(opts S3Options) ClientFactory {
	return func(_ int, node nodes.Node) (ObjectStore, error) {
		return NewS3Store(node, opts)
	}
}

// S3Store talks to one S3-compatible node (MinIO, SeaweedFS, Ceph RGW...).
type S3Store struct {
	node   nodes.Node
	client *s3.Client
}

// NewS3Store creates a client for node. Each client gets its own HTTP
// transport so a stuck connection pool on one node cannot affect another.
// The SDK configuration is built from opts alone; AWS_* environment
// variables and shared profiles are not consulted.
func NewS3Store(node nodes.Node, opts S3Options) (*S3Store, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}

	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, node.Address())

	httpClient := awshttp.NewBuildableClient().WithTimeout(opts.RequestTimeout)
	if opts.CABundle != "" {
		roots, err := loadCABundle(opts.CABundle)
		if err != nil {
			return nil, err
		}
		httpClient = httpClient.WithTransportOptions(func(tr *http.Transport) {
			if tr.TLSClientConfig == nil {
				tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
			tr.TLSClientConfig.RootCAs = roots
		})
	}

	cfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		HTTPClient:  httpClient,
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		o.RetryMaxAttempts = opts.MaxAttempts
	})

	return &S3Store{node: node, client: client}, nil
}

// loadCABundle returns the system roots plus the PEM certificates in path.
func loadCABundle(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if !roots.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("ca bundle %s: no PEM certificates found", path)
	}
	return roots, nil
}

// PutObject uploads data under key.
func (s *S3Store) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// GetObject opens a read stream for key.
func (s *S3Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// StatObject returns object info from a HEAD request.
func (s *S3Store) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// RemoveObject deletes key. S3 reports success for absent keys.
func (s *S3Store) RemoveObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// BucketExists reports whether bucket exists.
func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head bucket: %w", err)
}

// MakeBucket creates bucket.
func (s *S3Store) MakeBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

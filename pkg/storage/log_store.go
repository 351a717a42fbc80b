package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogStore archives the combined output of closed job attempts.
type LogStore interface {
	// Store saves logs and returns a reference path/URL
	Store(ctx context.Context, name string, logs []byte) (string, error)
	// Retrieve fetches logs by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// ArchiveName names the archive of one attempt: the job id plus the attempt
// start time, so restarts do not overwrite earlier output.
func ArchiveName(jobID string, started time.Time) string {
	return fmt.Sprintf("%s-%d", jobID, started.UTC().UnixMilli())
}

// S3API is the subset of the S3 client used by S3LogStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3LogStore stores logs in S3-compatible storage
type S3LogStore struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// S3LogStoreConfig holds S3 configuration
type S3LogStoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "lenrd/output/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3LogStore creates a new S3-backed log store
func NewS3LogStore(ctx context.Context, cfg S3LogStoreConfig) (*S3LogStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return NewS3LogStoreWithClient(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3LogStoreWithClient wraps an existing client.
func NewS3LogStoreWithClient(client S3API, bucket, prefix string) *S3LogStore {
	return &S3LogStore{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Store uploads logs under <prefix><yyyy/mm/dd>/<name>.log.
func (s *S3LogStore) Store(ctx context.Context, name string, logs []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%s.log", s.prefix, s.now().UTC().Format("2006/01/02"), name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve downloads logs by s3:// reference or bare key.
func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	bucket, key := s.bucket, reference
	if rest, ok := strings.CutPrefix(reference, "s3://"); ok {
		b, k, found := strings.Cut(rest, "/")
		if !found {
			return nil, fmt.Errorf("malformed s3 reference %q", reference)
		}
		bucket, key = b, k
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return data, nil
}

// LocalLogStore stores logs on local filesystem (for development/single-node)
type LocalLogStore struct {
	basePath string
}

// NewLocalLogStore creates a local filesystem log store
func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalLogStore{basePath: basePath}, nil
}

// Store saves logs to local filesystem
func (l *LocalLogStore) Store(ctx context.Context, name string, logs []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.Base(name)+".log")
	if err := os.WriteFile(path, logs, 0o644); err != nil {
		return "", fmt.Errorf("failed to write logs: %w", err)
	}
	return path, nil
}

// Retrieve reads logs written by Store. References outside the base path are
// rejected.
func (l *LocalLogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, reference)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("reference %q is outside %s", reference, l.basePath)
	}
	data, err := os.ReadFile(reference)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return data, nil
}

package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectConfig contains configuration for S3-compatible storage.
type ObjectConfig struct {
	Bucket string
	Prefix string // key prefix, default "cmdlog"

	// Endpoint overrides the S3 endpoint (MinIO, test servers). When empty
	// and AccountID is set, the Cloudflare R2 endpoint is used.
	Endpoint  string
	AccountID string
	Region    string

	AccessKeyID     string
	SecretAccessKey string
}

// ObjectBackend stores each record as its own object:
// {prefix}/{seq:012d}.rec. Listing by key returns append order.
type ObjectBackend struct {
	client *s3.Client
	bucket string
	prefix string
	log    *slog.Logger

	mu  sync.Mutex
	seq int64 // next sequence number
}

// NewObjectBackend creates an S3-backed journal and resumes numbering after
// any records already in the bucket.
func NewObjectBackend(ctx context.Context, cfg ObjectConfig, log *slog.Logger) (*ObjectBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cmdlog"
	}

	endpoint := cfg.Endpoint
	region := cfg.Region
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		if region == "" {
			region = "auto"
		}
	}
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	b := &ObjectBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		log:    log,
	}

	keys, err := b.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		b.seq = b.seqOf(keys[len(keys)-1]) + 1
	}
	return b, nil
}

// Name implements Backend.
func (b *ObjectBackend) Name() string {
	return "s3"
}

func (b *ObjectBackend) key(seq int64) string {
	return fmt.Sprintf("%s/%012d.rec", b.prefix, seq)
}

func (b *ObjectBackend) seqOf(key string) int64 {
	name := strings.TrimSuffix(strings.TrimPrefix(key, b.prefix+"/"), ".rec")
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Append uploads data as the next record object. PutObject returns only once
// the object is stored.
func (b *ObjectBackend) Append(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := b.key(b.seq)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		b.log.Error("failed to upload record", "key", key, "error", err)
		return fmt.Errorf("upload record: %w", err)
	}
	b.seq++
	return nil
}

// ReadAll downloads every record object in key order.
func (b *ObjectBackend) ReadAll(ctx context.Context) ([]byte, error) {
	keys, err := b.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	var content bytes.Buffer
	for _, key := range keys {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		_, err = io.Copy(&content, resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
	}
	return content.Bytes(), nil
}

// Reset deletes every record object.
func (b *ObjectBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, err := b.listKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	b.seq = 0
	return nil
}

// Close implements Backend. The S3 client holds no resources to release.
func (b *ObjectBackend) Close() error {
	return nil
}

// listKeys returns the record keys sorted by sequence number.
func (b *ObjectBackend) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".rec") {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}
	// Zero-padded sequence numbers sort lexically in append order.
	sort.Strings(keys)
	return keys, nil
}

package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by S3Archive.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config configures the S3 archive. Endpoint selects an S3-compatible
// service (MinIO, LocalStack) with path-style addressing. Static keys are
// optional; without them the default AWS credential chain is used.
type S3Config struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	SessionToken    string `yaml:"session_token" json:"-"`
}

// S3Archive implements Archive on an S3-compatible bucket.
// Objects are stored under {prefix}/runs/{runID}/{key}.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archive builds an S3 client for cfg.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact.s3: bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact.s3: load AWS config: %w", err)
	}
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		ep := cfg.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &ep
			o.UsePathStyle = true
		})
	}
	return NewS3ArchiveWithClient(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient wraps an existing client.
func NewS3ArchiveWithClient(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (a *S3Archive) runPrefix(runID uuid.UUID) string {
	return path.Join(a.prefix, "runs", runID.String()) + "/"
}

// Put buffers the content to compute its checksum, then uploads it with the
// checksum and size as object metadata.
func (a *S3Archive) Put(ctx context.Context, runID uuid.UUID, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("artifact.s3: read %s: %w", key, err)
	}
	sum := sha256.Sum256(data)
	objectKey := a.runPrefix(runID) + strings.TrimPrefix(key, "/")

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.bucket,
		Key:           &objectKey,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
		Metadata: map[string]string{
			"checksum":   hex.EncodeToString(sum[:]),
			"size":       strconv.Itoa(len(data)),
			"created-at": a.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("artifact.s3: put %s: %w", objectKey, err)
	}
	return nil
}

// List returns the run's objects. Checksums are not fetched.
func (a *S3Archive) List(ctx context.Context, runID uuid.UUID) ([]Object, error) {
	prefix := a.runPrefix(runID)
	var out []Object
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: &a.bucket,
		Prefix: &prefix,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifact.s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			o := Object{Key: strings.TrimPrefix(aws.ToString(obj.Key), prefix)}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.CreatedAt = *obj.LastModified
			}
			out = append(out, o)
		}
	}
	return out, nil
}

// DeleteRun removes every object under the run's prefix.
func (a *S3Archive) DeleteRun(ctx context.Context, runID uuid.UUID) (int, error) {
	objs, err := a.List(ctx, runID)
	if err != nil {
		return 0, err
	}
	prefix := a.runPrefix(runID)
	deleted := 0
	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(objs); start += 1000 {
		end := min(start+1000, len(objs))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, o := range objs[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(prefix + o.Key)})
		}
		out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &a.bucket,
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("artifact.s3: delete %s: %w", prefix, err)
		}
		deleted += len(ids) - len(out.Errors)
	}
	return deleted, nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".js":
		return "text/javascript"
	case ".css":
		return "text/css"
	default:
		return "application/octet-stream"
	}
}

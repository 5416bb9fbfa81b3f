package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

var tracer = otel.Tracer("extensionhost/plugins/sources")

// S3API is the subset of the S3 client used for plugin locations
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 client
type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client creates an S3 client, using static credentials when both keys are set
// and the default credential chain otherwise
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Source reads plugin files from s3://bucket/prefix locations
type S3Source struct {
	client S3API
}

// NewS3Source creates an S3 transport
func NewS3Source(client S3API) *S3Source {
	return &S3Source{client: client}
}

// ReadFile fetches the object <prefix>/<name>. Missing keys map to plugins.ErrNotFound.
func (s *S3Source) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	bucket, key, err := ParseS3(Join(location, name))
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "S3.GetObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", plugins.ErrNotFound, bucket, key)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxResourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object: %w", err)
	}
	if len(data) > maxResourceSize {
		return nil, fmt.Errorf("s3 object s3://%s/%s exceeds %d bytes", bucket, key, maxResourceSize)
	}

	span.SetAttributes(attribute.Int("content.size", len(data)))
	return data, nil
}

// S3Enumerator lists plugin "directories" (common prefixes) under an S3 root
type S3Enumerator struct {
	client S3API
	root   string
}

// NewS3Enumerator creates an enumerator over s3://bucket/prefix
func NewS3Enumerator(client S3API, root string) *S3Enumerator {
	return &S3Enumerator{client: client, root: root}
}

// Enumerate returns the names of the prefixes directly below the root, sorted
func (e *S3Enumerator) Enumerate(ctx context.Context) ([]string, error) {
	bucket, prefix, err := ParseS3(e.root)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(e.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if isCandidate(name) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	return names, nil
}

func isNotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

// Package s3 loads images to annotate from an S3-compatible object store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/phrazzld/scry-batch/internal/config"
)

// MaxImageBytes bounds how much of an object is read. Larger images cannot
// be sent inline to the model.
const MaxImageBytes = 20 << 20

var (
	// ErrObjectNotFound is returned when the key does not exist in the bucket.
	ErrObjectNotFound = errors.New("image not found")

	// ErrObjectTooLarge is returned when an object exceeds MaxImageBytes.
	ErrObjectTooLarge = errors.New("image too large")

	// ErrNotAnImage is returned when the object's content type is not image/*.
	ErrNotAnImage = errors.New("object is not an image")
)

// getObjectAPI is the part of *s3.Client the image source calls.
type getObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ImageSource reads image objects from a single bucket.
type ImageSource struct {
	client getObjectAPI
	bucket string
	logger *slog.Logger
}

// NewImageSource builds an S3 client from cfg. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
// A non-empty Endpoint switches to path-style addressing for R2 or MinIO.
func NewImageSource(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*ImageSource, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newImageSource(client, cfg.Bucket, logger), nil
}

func newImageSource(client getObjectAPI, bucket string, logger *slog.Logger) *ImageSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageSource{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "s3_image_source", "bucket", bucket),
	}
}

// FetchImage downloads the object stored under key and returns its bytes and
// MIME type. The type comes from the object's Content-Type, or is sniffed
// from the bytes when the store reports none.
func (s *ImageSource) FetchImage(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if out.ContentLength != nil && *out.ContentLength > MaxImageBytes {
		return nil, "", fmt.Errorf("%w: %s is %d bytes", ErrObjectTooLarge, key, *out.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if len(data) > MaxImageBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrObjectTooLarge, key)
	}

	mimeType := contentType(aws.ToString(out.ContentType), data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("%w: %s has type %s", ErrNotAnImage, key, mimeType)
	}

	s.logger.DebugContext(ctx, "fetched image",
		"key", key,
		"bytes", len(data),
		"mime_type", mimeType)

	return data, mimeType, nil
}

// contentType strips parameters from the reported type, falling back to
// sniffing when the store reports nothing useful.
func contentType(reported string, data []byte) string {
	if mediaType, _, _ := strings.Cut(reported, ";"); mediaType != "" {
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		if mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
			return mediaType
		}
	}
	mediaType, _, _ := strings.Cut(http.DetectContentType(data), ";")
	return mediaType
}

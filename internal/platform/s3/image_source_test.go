package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type mockS3 struct {
	GetObjectFn func(ctx context.Context, params *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	lastInput   *s3.GetObjectInput
}

func (m *mockS3) GetObject(
	ctx context.Context,
	params *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	m.lastInput = params
	return m.GetObjectFn(ctx, params)
}

func objectOutput(data []byte, contentType string) *s3.GetObjectOutput {
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		out.ContentType = aws.String(contentType)
	}
	return out
}

func TestFetchImage(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		output   *s3.GetObjectOutput
		err      error
		wantType string
		wantErr  error
	}{
		{
			name:     "reported content type",
			output:   objectOutput([]byte("jpeg-bytes"), "image/jpeg"),
			wantType: "image/jpeg",
		},
		{
			name:     "content type parameters stripped",
			output:   objectOutput([]byte("webp-bytes"), "Image/WebP; charset=binary"),
			wantType: "image/webp",
		},
		{
			name:     "sniffed when missing",
			output:   objectOutput(pngHeader, ""),
			wantType: "image/png",
		},
		{
			name:     "sniffed when generic",
			output:   objectOutput(pngHeader, "application/octet-stream"),
			wantType: "image/png",
		},
		{
			name:    "not an image",
			output:  objectOutput([]byte("hello world"), "text/plain"),
			wantErr: ErrNotAnImage,
		},
		{
			name: "too large by header",
			output: &s3.GetObjectOutput{
				Body:          io.NopCloser(bytes.NewReader(nil)),
				ContentLength: aws.Int64(MaxImageBytes + 1),
			},
			wantErr: ErrObjectTooLarge,
		},
		{
			name:    "missing key",
			err:     &types.NoSuchKey{},
			wantErr: ErrObjectNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3{GetObjectFn: func(context.Context, *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
				return tt.output, tt.err
			}}
			source := newImageSource(client, "vocab-images", nil)

			data, mimeType, err := source.FetchImage(ctx, "cards/apple.png")
			require.NotNil(t, client.lastInput)
			assert.Equal(t, "vocab-images", aws.ToString(client.lastInput.Bucket))
			assert.Equal(t, "cards/apple.png", aws.ToString(client.lastInput.Key))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, data)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, mimeType)
			assert.NotEmpty(t, data)
		})
	}

	t.Run("transport error is wrapped", func(t *testing.T) {
		netErr := errors.New("dial tcp: connection refused")
		client := &mockS3{GetObjectFn: func(context.Context, *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			return nil, netErr
		}}

		_, _, err := newImageSource(client, "b", nil).FetchImage(ctx, "k")
		assert.ErrorIs(t, err, netErr)
		assert.NotErrorIs(t, err, ErrObjectNotFound)
	})
}

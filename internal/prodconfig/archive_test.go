package prodconfig

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	b, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &manager.UploadOutput{}, nil
}

func TestS3ArchiverKeyLayout(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "churn-configs", prefix: "staging", uploader: up}
	ts := time.Date(2024, 3, 7, 9, 30, 0, 5, time.UTC)

	key, err := a.Archive(context.Background(), []byte("workers: 2\n"), ts)
	require.NoError(t, err)
	assert.Equal(t, "staging/prod-config/2024/03/07/20240307T093000.000000005Z.yml", key)
	assert.Equal(t, "churn-configs", aws.ToString(up.input.Bucket))
	assert.Equal(t, key, aws.ToString(up.input.Key))
	assert.Equal(t, "workers: 2\n", string(up.body))
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), "", "")
	assert.Error(t, err)
}

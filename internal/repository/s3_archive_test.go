package repository

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/service"
)

var _ service.RawArchiver = (*S3Archiver)(nil)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	fake := &fakeS3{}
	a := newS3Archiver(fake, "logs-bucket", "raw")
	upload := &model.Upload{ID: "u1", UserID: "user-1", Filename: `C:\exports\proxy.csv`}
	data := []byte("datetime,clientip\n")

	require.NoError(t, a.Archive(context.Background(), upload, data))

	assert.Equal(t, "logs-bucket", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "raw/u1/proxy.csv.gz", aws.ToString(fake.input.Key))
	assert.Equal(t, "gzip", aws.ToString(fake.input.ContentEncoding))
	assert.Equal(t, "u1", fake.input.Metadata["upload-id"])
	assert.Equal(t, int64(len(fake.body)), aws.ToInt64(fake.input.ContentLength))

	text, err := decompressText(fake.body)
	require.NoError(t, err)
	assert.Equal(t, string(data), text)
}

func TestS3Archiver_KeyAndErrors(t *testing.T) {
	fake := &fakeS3{err: errors.New("access denied")}
	a := newS3Archiver(fake, "b", "")

	assert.Equal(t, "u2/upload.csv.gz", a.ObjectKey(&model.Upload{ID: "u2"}))

	err := a.Archive(context.Background(), &model.Upload{ID: "u2", Filename: "x.csv"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestRawTextCompression(t *testing.T) {
	gz, err := compressText("héllo")
	require.NoError(t, err)
	out, err := decompressText(gz)
	require.NoError(t, err)
	assert.Equal(t, "héllo", out)

	empty, err := decompressText(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decompressText([]byte("plain"))
	assert.Error(t, err)
}

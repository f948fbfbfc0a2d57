package s3io

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves one object out of memory, honoring Range headers the way
// the service does.
type fakeS3 struct {
	s3iface.S3API
	data []byte
}

func (f *fakeS3) HeadObjectWithContext(aws.Context, *s3.HeadObjectInput, ...request.Option) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(f.data)))}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	var start, end int64
	if _, err := fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	if end >= int64(len(f.data)) {
		end = int64(len(f.data)) - 1
	}
	body := f.data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func TestParsePath(t *testing.T) {
	bucket, key, err := parsePath("s3://bucket/a/b.h5")
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "/a/b.h5", key)

	_, _, err = parsePath("file:///a/b.h5")
	assert.ErrorIs(t, err, ErrInvalidS3Path)
	assert.False(t, IsS3Path("https://bucket/a"))
	assert.True(t, IsS3Path("s3://bucket/a"))
}

func TestReaderReadAt(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	r, err := NewReader(context.Background(), "s3://bucket/key", &fakeS3{data: data})
	require.NoError(t, err)
	defer r.Close()

	size, err := r.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 1000, size)

	b := make([]byte, 10)
	n, err := r.ReadAt(b, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[100:110], b)

	// Reads crossing the end of the object are clamped and report EOF.
	n, err = r.ReadAt(b, 995)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, data[995:], b[:n])

	_, err = r.ReadAt(b, 1000)
	assert.ErrorIs(t, err, io.EOF)
}

package s3io

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Reader reads byte ranges out of one S3 object. Each ReadAt issues a
// single GET with a Range header for exactly [off, off+len(p)).
type Reader struct {
	ctx    context.Context
	client s3iface.S3API
	bucket string
	key    string
	size   int64
}

// NewReader stats the object so that reads past the end can be clamped and
// Size is available without another round trip. A missing object surfaces
// here as the open failure.
func NewReader(ctx context.Context, path string, client s3iface.S3API) (*Reader, error) {
	bucket, key, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	size, err := Stat(ctx, path, client)
	if err != nil {
		return nil, err
	}
	return &Reader{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		key:    key,
		size:   size,
	}, nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	var eof bool
	if max := r.size - off; int64(len(p)) > max {
		p = p[:max]
		eof = true
	}
	if len(p) == 0 {
		return 0, nil
	}
	out, err := r.client.GetObjectWithContext(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && eof {
		err = io.EOF
	}
	return n, err
}

func (r *Reader) Size() (int64, error) {
	return r.size, nil
}

func (r *Reader) Close() error {
	return nil
}

package storage

import (
	"context"

	"github.com/arraylab/h5slab/h5err"
	"github.com/arraylab/h5slab/pkg/s3io"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type S3Engine struct {
	client s3iface.S3API
}

var _ Engine = (*S3Engine)(nil)
var _ Reader = (*s3io.Reader)(nil)

func NewS3() *S3Engine {
	return &S3Engine{
		client: s3io.NewClient(nil),
	}
}

func (s *S3Engine) Get(ctx context.Context, u *URI) (Reader, error) {
	r, err := s3io.NewReader(ctx, u.String(), s.client)
	if err != nil {
		return nil, h5err.E(h5err.OpenFailed, err)
	}
	return r, nil
}

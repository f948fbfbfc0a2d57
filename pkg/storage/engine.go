package storage

import (
	"context"
	"io"
)

// Reader is a positioned byte-range reader over a file or object. Back-ends
// do not interpret bytes and never cache; the range cache above them owns
// all read amortization.
type Reader interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

type Engine interface {
	Get(context.Context, *URI) (Reader, error)
}

// NewEngine returns the engine serving u's scheme. ParseURI has already
// rejected anything but file and s3.
func NewEngine(u *URI) Engine {
	if u.HasScheme(S3Scheme) {
		return NewS3()
	}
	return NewFileSystem()
}

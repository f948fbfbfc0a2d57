package storage

import (
	"bytes"
)

type bytesReader struct {
	*bytes.Reader
}

var _ Reader = (*bytesReader)(nil)

// NewBytesReader adapts an in-memory buffer to the Reader contract, which
// is handy for tests and for callers that already hold the whole file.
func NewBytesReader(b []byte) *bytesReader {
	return &bytesReader{bytes.NewReader(b)}
}

func (*bytesReader) Close() error {
	return nil
}

func (b *bytesReader) Size() (int64, error) {
	return b.Reader.Size(), nil
}

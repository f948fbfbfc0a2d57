package storage

import (
	"context"
	"os"

	"github.com/arraylab/h5slab/h5err"
)

type FileSystem struct{}

var _ Engine = (*FileSystem)(nil)

func NewFileSystem() *FileSystem {
	return &FileSystem{}
}

func (f *FileSystem) Get(_ context.Context, u *URI) (Reader, error) {
	r, err := os.Open(u.Filepath())
	if err != nil {
		return nil, h5err.E(h5err.OpenFailed, err)
	}
	return &fileSizer{r}, nil
}

type fileSizer struct {
	*os.File
}

func (f *fileSizer) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

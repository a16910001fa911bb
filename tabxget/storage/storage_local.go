package storage

import (
	"context"
	"io"
	"os"
	"strings"
)

// LocalStorage serves resources from the local filesystem.
type LocalStorage struct{}

func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

func localPath(name string) string {
	return strings.TrimPrefix(name, "file://")
}

func (s *LocalStorage) Open(ctx context.Context, name string) (Resource, error) {
	f, err := os.Open(localPath(name))
	if err != nil {
		return nil, err
	}
	return &localResource{file: f}, nil
}

func (s *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(localPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type localResource struct {
	file *os.File
}

func (r *localResource) Size(ctx context.Context) (int64, error) {
	stat, err := r.file.Stat()
	if err != nil {
		return -1, err
	}
	return stat.Size(), nil
}

func (r *localResource) ReadRange(ctx context.Context, offset int64, length int64) (io.ReadCloser, error) {
	size, err := r.Size(ctx)
	if err != nil {
		return nil, err
	}
	if offset > size {
		offset = size
	}
	if length <= 0 || offset+length > size {
		length = size - offset
	}
	return io.NopCloser(io.NewSectionReader(r.file, offset, length)), nil
}

func (r *localResource) Close() error {
	return r.file.Close()
}

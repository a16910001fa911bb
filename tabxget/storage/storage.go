package storage

import (
	"context"
	"io"
	"strings"
)

// Resource is an independent positioned-read handle onto one byte source.
// A Resource may be used by exactly one reader cursor at a time; callers
// that need concurrent scans open one Resource per cursor.
type Resource interface {
	// Size returns the total length of the resource in bytes.
	Size(ctx context.Context) (int64, error)

	// ReadRange reads length bytes starting at offset. A length of 0 reads
	// to the end of the resource. Reading past the end returns the available
	// prefix; the reader detects truncation by byte count.
	ReadRange(ctx context.Context, offset int64, length int64) (io.ReadCloser, error)

	Close() error
}

// Storage abstracts where feature files and their indexes live.
type Storage interface {
	// Open returns a fresh positioned-read handle for the named resource.
	Open(ctx context.Context, name string) (Resource, error)

	// Exists reports whether the named resource is present without
	// transferring its contents.
	Exists(ctx context.Context, name string) (bool, error)
}

// ForPath selects a storage backend from the path's URL scheme. Plain
// paths and file:// URLs map to local storage, http:// and https:// to
// ranged HTTP storage.
func ForPath(path string, opts ...HTTPOption) Storage {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return NewHTTPStorage(opts...)
	}
	return NewLocalStorage()
}

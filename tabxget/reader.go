package tabxget

import (
	"context"
	"math"

	"github.com/flaneur2020/tabx-get/tabxget/bgzfutil"
	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/logger"
	"github.com/flaneur2020/tabx-get/tabxget/storage"
	"github.com/flaneur2020/tabx-get/tabxget/tabixutil"
)

// IndexSuffix is appended to a data file's name to locate its companion
// index.
const IndexSuffix = ".tbi"

// FeatureSource is the record-supply surface consumed by display and
// analysis layers. Reader implements it.
type FeatureSource interface {
	SequenceNames() []string
	Query(ctx context.Context, seq string, start, end int) (*FeatureIterator, error)
	Iterator(ctx context.Context) (*FeatureIterator, error)
	Close() error
}

// Reader provides indexed read access to one block-compressed feature
// file. The index and header are loaded once at open time and shared,
// read-only, by every iterator; each iterator gets its own positioned-read
// handle, so iterators may run concurrently.
type Reader struct {
	path  string
	stor  storage.Storage
	idx   *tabixutil.Index
	codec Codec
	hdr   *Header
}

type openOptions struct {
	codec    Codec
	stor     storage.Storage
	httpOpts []storage.HTTPOption
}

// Option configures Open.
type Option func(*openOptions)

// WithCodec overrides the codec selected from the index's format field.
func WithCodec(c Codec) Option {
	return func(o *openOptions) { o.codec = c }
}

// WithStorage overrides the storage backend selected from the path scheme.
func WithStorage(s storage.Storage) Option {
	return func(o *openOptions) { o.stor = s }
}

// WithCredential sets basic-auth credentials for HTTP sources.
func WithCredential(username, password string) Option {
	return func(o *openOptions) {
		o.httpOpts = append(o.httpOpts, storage.WithCredential(username, password))
	}
}

// WithInsecureTLS disables TLS verification for HTTPS sources.
func WithInsecureTLS() Option {
	return func(o *openOptions) {
		o.httpOpts = append(o.httpOpts, storage.WithInsecureTLS())
	}
}

// Open loads the companion index and the file header, returning a handle
// retaining both. The index file name is derived from the data file name.
func Open(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	stor := o.stor
	if stor == nil {
		stor = storage.ForPath(path, o.httpOpts...)
	}

	indexPath := path + IndexSuffix
	exists, err := stor.Exists(ctx, indexPath)
	if err != nil {
		return nil, tabxerrors.ErrSourceOpen.WithDetail("path", indexPath).WithCause(err)
	}
	if !exists {
		return nil, tabxerrors.ErrIndexNotFound.WithDetail("path", indexPath)
	}

	idx, err := loadIndex(ctx, stor, indexPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded index %s: %d sequences", indexPath, len(idx.Names()))

	codec := o.codec
	if codec == nil {
		codec = CodecForConfig(idx.Config())
	}

	hdr, err := readHeader(ctx, stor, path, codec)
	if err != nil {
		return nil, err
	}
	logger.Debug("Read header for %s: %d lines", path, len(hdr.Lines))

	return &Reader{
		path:  path,
		stor:  stor,
		idx:   idx,
		codec: codec,
		hdr:   hdr,
	}, nil
}

func loadIndex(ctx context.Context, stor storage.Storage, indexPath string) (*tabixutil.Index, error) {
	res, err := stor.Open(ctx, indexPath)
	if err != nil {
		return nil, tabxerrors.ErrIndexNotFound.WithDetail("path", indexPath).WithCause(err)
	}
	defer res.Close()

	rc, err := res.ReadRange(ctx, 0, 0)
	if err != nil {
		return nil, tabxerrors.ErrCorruptIndex.WithDetail("path", indexPath).WithCause(err)
	}
	defer rc.Close()

	idx, err := tabixutil.Load(rc)
	if err != nil {
		if te, ok := err.(*tabxerrors.TabxError); ok {
			return nil, te.WithDetail("path", indexPath)
		}
		return nil, err
	}
	return idx, nil
}

// readHeader consumes the preamble from a throwaway cursor, mirroring how
// the header is read exactly once per open.
func readHeader(ctx context.Context, stor storage.Storage, path string, codec Codec) (*Header, error) {
	br, err := openBlockReader(ctx, stor, path)
	if err != nil {
		return nil, err
	}
	defer br.Close()

	hdr, err := codec.ReadHeader(br)
	if err != nil {
		if te, ok := err.(*tabxerrors.TabxError); ok {
			return nil, te.WithDetail("path", path)
		}
		return nil, err
	}
	return hdr, nil
}

func openBlockReader(ctx context.Context, stor storage.Storage, path string) (*bgzfutil.BlockReader, error) {
	res, err := stor.Open(ctx, path)
	if err != nil {
		return nil, tabxerrors.ErrSourceOpen.WithDetail("path", path).WithCause(err)
	}
	br, err := bgzfutil.NewBlockReader(ctx, res)
	if err != nil {
		res.Close()
		return nil, err
	}
	return br, nil
}

// SequenceNames returns the sequence names as declared in the index, in
// declaration order.
func (r *Reader) SequenceNames() []string {
	return r.idx.Names()
}

// Header returns the preamble parsed at open time.
func (r *Reader) Header() *Header {
	return r.hdr
}

// Index exposes the loaded interval index (read-only).
func (r *Reader) Index() *tabixutil.Index {
	return r.idx
}

// Query returns an iterator over all records overlapping the half-open,
// 0-based interval [start, end) on the named sequence. An unknown sequence
// name yields an empty iterator with no I/O against the data file.
func (r *Reader) Query(ctx context.Context, seq string, start, end int) (*FeatureIterator, error) {
	if end < start {
		return nil, tabxerrors.ErrInvalidRange.
			WithDetail("seq", seq).WithDetail("start", start).WithDetail("end", end)
	}
	if !r.idx.Has(seq) {
		logger.Debug("Sequence %q not in index for %s", seq, r.path)
		return newEmptyIterator(), nil
	}

	chunks := r.idx.Chunks(seq, start, end)
	logger.Debug("Query %s:%d-%d: %d chunks", seq, start, end, len(chunks))
	if len(chunks) == 0 {
		return newEmptyIterator(), nil
	}

	br, err := openBlockReader(ctx, r.stor, r.path)
	if err != nil {
		return nil, err
	}
	// A chunk list touching the start of the file includes the preamble;
	// the skip-count lines there are not records.
	skip := 0
	if chunks[0].Beg == 0 {
		skip = int(r.idx.Config().Skip)
	}
	return newFeatureIterator(br, r.codec, r.path, seq, start, end, chunks, skip), nil
}

// Iterator returns a whole-file scan: the same machine as Query with an
// unbounded interval and a single chunk spanning the entire stream.
func (r *Reader) Iterator(ctx context.Context) (*FeatureIterator, error) {
	br, err := openBlockReader(ctx, r.stor, r.path)
	if err != nil {
		return nil, err
	}
	chunks := []tabixutil.Chunk{{
		Beg: bgzfutil.NewVirtualOffset(0, 0),
		End: bgzfutil.NewVirtualOffset(br.Size(), 0),
	}}
	return newFeatureIterator(br, r.codec, r.path, "", 0, math.MaxInt32, chunks, int(r.idx.Config().Skip)), nil
}

// Close releases the facade. Iterators hold their own handles and stay
// usable until individually closed.
func (r *Reader) Close() error {
	return nil
}

var _ FeatureSource = (*Reader)(nil)

package bgzfutil

import (
	"bytes"
	"context"
	"io"

	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/storage"
)

// BlockReader is a seekable decompression cursor over a BGZF stream. It
// holds exactly one decompressed block in memory; re-reads within the
// current block are served from that cache, and forward movement loads
// blocks on demand. A BlockReader owns its Resource and is not safe for
// concurrent use; open one per scan.
type BlockReader struct {
	ctx    context.Context
	res    storage.Resource
	size   int64
	cur    *Block
	off    int
	eof    bool
	closed bool
}

// NewBlockReader creates a cursor positioned at the start of the stream.
// No block is loaded until the first read or seek.
func NewBlockReader(ctx context.Context, res storage.Resource) (*BlockReader, error) {
	size, err := res.Size(ctx)
	if err != nil {
		return nil, tabxerrors.ErrSourceOpen.WithCause(err)
	}
	return &BlockReader{ctx: ctx, res: res, size: size}, nil
}

// Seek positions the cursor at the given virtual offset. The block-start
// component must point at a valid block boundary.
func (r *BlockReader) Seek(v VirtualOffset) error {
	coffset := v.CompressedOffset()
	if r.cur == nil || r.cur.CompressedOffset != coffset {
		if coffset >= r.size {
			return tabxerrors.ErrCorruptIndex.
				WithMessage("virtual offset points past the end of the file").
				WithDetail("offset", v.String())
		}
		block, err := ReadBlockAt(r.ctx, r.res, coffset)
		if err != nil {
			// A block that fails to parse at an index-supplied position
			// means the index does not match the data file.
			code := tabxerrors.GetErrorCode(err)
			if code == tabxerrors.ErrCorruptData.Code || code == tabxerrors.ErrTruncatedFile.Code {
				return tabxerrors.ErrCorruptIndex.
					WithMessage("virtual offset does not point at a block boundary").
					WithDetail("offset", v.String()).WithCause(err)
			}
			return err
		}
		r.cur = block
	}

	off := int(v.BlockOffset())
	if off > len(r.cur.Data) {
		return tabxerrors.ErrCorruptIndex.
			WithMessage("virtual offset points past the end of its block").
			WithDetail("offset", v.String())
	}
	r.off = off
	r.eof = len(r.cur.Data) == 0
	return nil
}

// Tell reports the virtual offset of the next byte to be read. When the
// current block is fully consumed this is the start of the next block, so
// comparisons against chunk end offsets behave.
func (r *BlockReader) Tell() VirtualOffset {
	if r.cur == nil {
		return NewVirtualOffset(0, 0)
	}
	if r.off >= len(r.cur.Data) {
		return NewVirtualOffset(r.cur.NextOffset(), 0)
	}
	return NewVirtualOffset(r.cur.CompressedOffset, uint16(r.off))
}

// advance loads the block following the current one. Returns io.EOF at the
// terminal marker block or the physical end of the source.
func (r *BlockReader) advance() error {
	next := int64(0)
	if r.cur != nil {
		next = r.cur.NextOffset()
	}
	if next >= r.size {
		// Missing terminal marker; treat the physical end as end of stream.
		r.eof = true
		return io.EOF
	}
	block, err := ReadBlockAt(r.ctx, r.res, next)
	if err != nil {
		return err
	}
	r.cur = block
	r.off = 0
	if len(block.Data) == 0 {
		r.eof = true
		return io.EOF
	}
	return nil
}

// ReadLine returns the next newline-delimited line of decompressed text,
// crossing block boundaries as needed. The trailing newline (and any
// carriage return) is stripped. Returns io.EOF at end of stream; a final
// line without a newline is returned before EOF.
func (r *BlockReader) ReadLine() (string, error) {
	if r.eof {
		return "", io.EOF
	}

	var buf bytes.Buffer
	for {
		if r.cur == nil || r.off >= len(r.cur.Data) {
			if err := r.advance(); err != nil {
				if err == io.EOF && buf.Len() > 0 {
					return trimEOL(buf.Bytes()), nil
				}
				return "", err
			}
		}

		data := r.cur.Data[r.off:]
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			buf.Write(data[:i+1])
			r.off += i + 1
			return trimEOL(buf.Bytes()), nil
		}
		buf.Write(data)
		r.off = len(r.cur.Data)
	}
}

func trimEOL(line []byte) string {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return string(line[:n])
}

// Size returns the compressed size of the underlying source.
func (r *BlockReader) Size() int64 {
	return r.size
}

// Close releases the underlying resource. Idempotent.
func (r *BlockReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.res.Close()
}

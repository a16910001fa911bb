package bgzfutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"

	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/storage"
)

const (
	gzipID1   = 0x1f
	gzipID2   = 0x8b
	gzipCM    = 0x08
	flagExtra = 0x04

	// fixed gzip header (10 bytes) plus the XLEN field (2 bytes)
	fixedHeaderSize = 12

	// header size when the BC subfield is the only extra subfield, which is
	// what every known writer emits
	typicalHeaderSize = 18

	// MaxBlockSize is the largest compressed or decompressed size of a
	// single block; BSIZE is stored as a 16-bit value minus one.
	MaxBlockSize = 0x10000
)

// Block is one fully decompressed BGZF block.
type Block struct {
	// CompressedOffset is the block's start offset in the underlying source.
	CompressedOffset int64
	// CompressedSize is the total on-disk size of the block (BSIZE+1).
	CompressedSize int64
	// Data is the decompressed payload. Empty for the terminal marker block.
	Data []byte
}

// NextOffset returns the file offset of the block following this one. The
// block's self-declared size makes forward seeks possible without
// decompressing intermediate blocks.
func (b *Block) NextOffset() int64 {
	return b.CompressedOffset + b.CompressedSize
}

// readRangeFull reads exactly want bytes from the resource, tolerating a
// short result at end of source (the caller decides whether that means
// truncation or a clean end).
func readRangeFull(ctx context.Context, res storage.Resource, offset int64, want int64) ([]byte, error) {
	rc, err := res.ReadRange(ctx, offset, want)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf, err := io.ReadAll(io.LimitReader(rc, want))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBlockAt reads and decompresses the block starting at compressedOffset.
// The offset must point at a block boundary.
func ReadBlockAt(ctx context.Context, res storage.Resource, compressedOffset int64) (*Block, error) {
	header, err := readRangeFull(ctx, res, compressedOffset, typicalHeaderSize)
	if err != nil {
		return nil, tabxerrors.ErrTruncatedFile.WithDetail("offset", compressedOffset).WithCause(err)
	}
	if len(header) < typicalHeaderSize {
		return nil, tabxerrors.ErrTruncatedFile.WithDetail("offset", compressedOffset).
			WithMessage("source ended inside a block header")
	}

	if header[0] != gzipID1 || header[1] != gzipID2 || header[2] != gzipCM {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithMessage("bad block magic")
	}
	if header[3]&flagExtra == 0 {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithMessage("block header missing extra field")
	}

	xlen := int64(binary.LittleEndian.Uint16(header[10:12]))
	extra := header[fixedHeaderSize:]
	if xlen > int64(len(extra)) {
		extra, err = readRangeFull(ctx, res, compressedOffset+fixedHeaderSize, xlen)
		if err != nil || int64(len(extra)) < xlen {
			return nil, tabxerrors.ErrTruncatedFile.WithDetail("offset", compressedOffset).
				WithMessage("source ended inside the block extra field")
		}
	}
	extra = extra[:xlen]

	bsize, err := parseExtraBSIZE(extra)
	if err != nil {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).WithCause(err)
	}
	// A block can never be smaller than its own header and trailer.
	if bsize < fixedHeaderSize+xlen+8 {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithDetail("bsize", bsize).
			WithMessage("block declares a size smaller than its header and trailer")
	}

	raw, err := readRangeFull(ctx, res, compressedOffset, bsize)
	if err != nil {
		return nil, tabxerrors.ErrTruncatedFile.WithDetail("offset", compressedOffset).WithCause(err)
	}
	if int64(len(raw)) < bsize {
		return nil, tabxerrors.ErrTruncatedFile.WithDetail("offset", compressedOffset).
			WithDetail("want", bsize).WithDetail("got", len(raw))
	}

	cdata := raw[fixedHeaderSize+xlen : bsize-8]
	wantCRC := binary.LittleEndian.Uint32(raw[bsize-8 : bsize-4])
	isize := binary.LittleEndian.Uint32(raw[bsize-4 : bsize])

	block := &Block{
		CompressedOffset: compressedOffset,
		CompressedSize:   bsize,
	}

	// A declared uncompressed size of zero is the terminal end-of-stream
	// marker; its deflate payload is not inspected.
	if isize == 0 {
		return block, nil
	}
	if isize > MaxBlockSize {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithMessage("block declares an oversized payload")
	}

	fr := flate.NewReader(bytes.NewReader(cdata))
	data, err := io.ReadAll(fr)
	fr.Close()
	if err != nil {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).WithCause(err)
	}
	if uint32(len(data)) != isize {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithMessage("decompressed size does not match ISIZE")
	}
	if crc32.ChecksumIEEE(data) != wantCRC {
		return nil, tabxerrors.ErrCorruptData.WithDetail("offset", compressedOffset).
			WithMessage("block checksum mismatch")
	}

	block.Data = data
	return block, nil
}

// parseExtraBSIZE scans the gzip extra subfields for the BC subfield that
// carries the block's total compressed size.
func parseExtraBSIZE(extra []byte) (int64, error) {
	for len(extra) >= 4 {
		si1, si2 := extra[0], extra[1]
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+slen {
			break
		}
		if si1 == 'B' && si2 == 'C' && slen == 2 {
			return int64(binary.LittleEndian.Uint16(extra[4:6])) + 1, nil
		}
		extra = extra[4+slen:]
	}
	return 0, errBSIZEMissing
}

var errBSIZEMissing = errors.New("block extra field has no BC size subfield")

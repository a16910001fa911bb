package tabixutil

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/flaneur2020/tabx-get/tabxget/bgzfutil"
	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
)

var indexMagic = []byte{'T', 'B', 'I', 1}

// Format identifiers stored in the index config.
const (
	FormatGeneric = 0
	FormatSAM     = 1
	FormatVCF     = 2

	flagZeroBased = 0x10000
)

// Config is the column layout the index was built with. Column numbers are
// 1-based as stored on disk; an EndCol of 0 means the format has no end
// column and records span a single base.
type Config struct {
	Format    int32
	SeqCol    int32
	BegCol    int32
	EndCol    int32
	MetaChar  byte
	Skip      int32
	ZeroBased bool
}

// ReferenceStats is the record-count bookkeeping some writers store in the
// statistics pseudo-bin.
type ReferenceStats struct {
	// Span is the virtual-offset range covered by the reference's records.
	Span Chunk
	// Mapped and Unmapped are record counts within and without coordinates.
	Mapped   uint64
	Unmapped uint64
}

// referenceIndex holds one sequence's bin table and linear index. Built
// once at load time, immutable afterwards.
type referenceIndex struct {
	name   string
	bins   map[uint32][]Chunk
	linear []bgzfutil.VirtualOffset
	stats  *ReferenceStats
}

// Index is a fully parsed tabix index. Read-only after Load; safe to share
// across concurrent queries.
type Index struct {
	config    Config
	refs      []*referenceIndex
	byName    map[string]int
	unplaced  uint64
	hasUnplcd bool
}

// Load parses a binary tabix index. The on-disk index is itself
// block-compressed; the multistream gzip reader consumes the concatenated
// members transparently.
func Load(r io.Reader) (*Index, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, tabxerrors.ErrCorruptIndex.WithMessage("index is not gzip compressed").WithCause(err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, tabxerrors.ErrCorruptIndex.WithMessage("failed to decompress index").WithCause(err)
	}

	return parse(raw)
}

// cursor is a bounds-checked little-endian reader over the decompressed
// index bytes.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) need(n int) []byte {
	if c.err != nil {
		return nil
	}
	if c.off+n > len(c.buf) {
		c.err = tabxerrors.ErrCorruptIndex.WithMessage("index truncated").
			WithDetail("offset", c.off).WithDetail("want", n)
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) int32() int32 {
	b := c.need(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (c *cursor) uint32() uint32 {
	b := c.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) uint64() uint64 {
	b := c.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func parse(raw []byte) (*Index, error) {
	c := &cursor{buf: raw}

	if magic := c.need(4); magic == nil || !bytes.Equal(magic, indexMagic) {
		return nil, tabxerrors.ErrCorruptIndex.WithMessage("bad index magic")
	}

	numRefs := c.int32()
	if c.err == nil && numRefs < 0 {
		return nil, tabxerrors.ErrCorruptIndex.WithMessage("negative sequence count")
	}

	format := c.int32()
	cfg := Config{
		Format:    format &^ flagZeroBased,
		SeqCol:    c.int32(),
		BegCol:    c.int32(),
		EndCol:    c.int32(),
		ZeroBased: format&flagZeroBased != 0,
	}
	cfg.MetaChar = byte(c.int32())
	cfg.Skip = c.int32()

	nameBytes := int(c.int32())
	if c.err == nil && nameBytes < 0 {
		return nil, tabxerrors.ErrCorruptIndex.WithMessage("negative name table length")
	}
	names := parseNames(c.need(nameBytes))
	if c.err != nil {
		return nil, c.err
	}
	if len(names) != int(numRefs) {
		return nil, tabxerrors.ErrCorruptIndex.
			WithMessage("name table does not match sequence count").
			WithDetail("names", len(names)).WithDetail("nRef", numRefs)
	}

	idx := &Index{
		config: cfg,
		refs:   make([]*referenceIndex, 0, numRefs),
		byName: make(map[string]int, numRefs),
	}

	for i := 0; i < int(numRefs); i++ {
		ref := &referenceIndex{name: names[i], bins: make(map[uint32][]Chunk)}

		numBins := c.int32()
		for b := int32(0); b < numBins && c.err == nil; b++ {
			bin := c.uint32()
			numChunks := c.int32()
			chunks := make([]Chunk, 0, numChunks)
			for k := int32(0); k < numChunks && c.err == nil; k++ {
				chunks = append(chunks, Chunk{
					Beg: bgzfutil.VirtualOffset(c.uint64()),
					End: bgzfutil.VirtualOffset(c.uint64()),
				})
			}
			if bin == StatsBin {
				if len(chunks) == 2 {
					ref.stats = &ReferenceStats{
						Span:     chunks[0],
						Mapped:   uint64(chunks[1].Beg),
						Unmapped: uint64(chunks[1].End),
					}
				}
				continue
			}
			if bin > MaxBin {
				return nil, tabxerrors.ErrCorruptIndex.
					WithMessage("bin number outside the fixed binning scheme").
					WithDetail("bin", bin).WithDetail("sequence", ref.name)
			}
			ref.bins[bin] = chunks
		}

		numIntervals := c.int32()
		if c.err == nil && numIntervals < 0 {
			return nil, tabxerrors.ErrCorruptIndex.WithMessage("negative linear index length")
		}
		ref.linear = make([]bgzfutil.VirtualOffset, 0, numIntervals)
		for k := int32(0); k < numIntervals && c.err == nil; k++ {
			ref.linear = append(ref.linear, bgzfutil.VirtualOffset(c.uint64()))
		}

		if c.err != nil {
			return nil, c.err
		}
		idx.byName[ref.name] = len(idx.refs)
		idx.refs = append(idx.refs, ref)
	}

	// Optional trailing count of records without coordinates.
	if c.off+8 <= len(c.buf) {
		idx.unplaced = c.uint64()
		idx.hasUnplcd = true
	}

	return idx, nil
}

func parseNames(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	b = bytes.TrimSuffix(b, []byte{0})
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte{0})
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = string(p)
	}
	return names
}

// Config returns the column layout the index was built with.
func (idx *Index) Config() Config {
	return idx.config
}

// Names returns the sequence names in declaration order, which governs the
// internal sequence-id numbering.
func (idx *Index) Names() []string {
	names := make([]string, len(idx.refs))
	for i, ref := range idx.refs {
		names[i] = ref.name
	}
	return names
}

// Has reports whether the named sequence is present. Lookup is
// case-sensitive.
func (idx *Index) Has(name string) bool {
	_, ok := idx.byName[name]
	return ok
}

// Stats returns the record-count statistics for a sequence, or nil when the
// writer recorded none.
func (idx *Index) Stats(name string) *ReferenceStats {
	i, ok := idx.byName[name]
	if !ok {
		return nil
	}
	return idx.refs[i].stats
}

// UnplacedRecords returns the writer-recorded count of records without
// coordinates, if present.
func (idx *Index) UnplacedRecords() (uint64, bool) {
	return idx.unplaced, idx.hasUnplcd
}

// Chunks returns the sorted, merged virtual-offset ranges that must be
// scanned to find every record overlapping the half-open, 0-based interval
// [beg, end) on the named sequence. An unknown name or an empty interval
// yields an empty list, not an error.
func (idx *Index) Chunks(name string, beg, end int) []Chunk {
	i, ok := idx.byName[name]
	if !ok {
		return nil
	}
	ref := idx.refs[i]

	bins := reg2bins(beg, end)
	if len(bins) == 0 {
		return nil
	}

	var candidates []Chunk
	for _, bin := range bins {
		candidates = append(candidates, ref.bins[bin]...)
	}
	if len(candidates) == 0 {
		return nil
	}

	return mergeChunks(candidates, ref.minOffset(beg))
}

// minOffset returns the linear-index lower bound for records overlapping a
// window: no record overlapping the window containing beg can start before
// this virtual offset. Sparse zero entries fall back to the nearest earlier
// window.
func (ref *referenceIndex) minOffset(beg int) bgzfutil.VirtualOffset {
	if len(ref.linear) == 0 {
		return 0
	}
	if beg < 0 {
		beg = 0
	}
	i := beg >> LinearShift
	if i >= len(ref.linear) {
		i = len(ref.linear) - 1
	}
	for i > 0 && ref.linear[i] == 0 {
		i--
	}
	return ref.linear[i]
}

package bgzfutil

import "fmt"

// VirtualOffset is a logical position inside a BGZF stream: the upper 48
// bits hold the file offset of a compressed block, the lower 16 bits the
// byte offset within that block's decompressed output. The numeric order
// of two virtual offsets matches their stream order, so plain comparison
// operators work. Comparing offsets from different files is meaningless.
type VirtualOffset uint64

const blockOffsetBits = 16

// NewVirtualOffset composes a virtual offset from a compressed block start
// and a within-block offset.
func NewVirtualOffset(compressedOffset int64, blockOffset uint16) VirtualOffset {
	return VirtualOffset(uint64(compressedOffset)<<blockOffsetBits | uint64(blockOffset))
}

// CompressedOffset returns the file offset of the block this virtual offset
// points into.
func (v VirtualOffset) CompressedOffset() int64 {
	return int64(v >> blockOffsetBits)
}

// BlockOffset returns the byte offset within the decompressed block.
func (v VirtualOffset) BlockOffset() uint16 {
	return uint16(v & 0xffff)
}

func (v VirtualOffset) String() string {
	return fmt.Sprintf("%d:%d", v.CompressedOffset(), v.BlockOffset())
}

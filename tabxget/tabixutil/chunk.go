package tabixutil

import (
	"sort"

	"github.com/flaneur2020/tabx-get/tabxget/bgzfutil"
)

// Chunk is a half-open range [Beg, End) of virtual offsets that must be
// scanned to find all records possibly overlapping a queried interval.
type Chunk struct {
	Beg bgzfutil.VirtualOffset
	End bgzfutil.VirtualOffset
}

// mergeChunks prepares a chunk list for scanning: chunks that end at or
// before the linear-index minimum offset cannot contain overlapping records
// and are dropped, begins before the minimum are raised to it, and the
// survivors are sorted and coalesced so no block is decompressed twice.
func mergeChunks(chunks []Chunk, minOffset bgzfutil.VirtualOffset) []Chunk {
	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.End <= minOffset {
			continue
		}
		if c.Beg < minOffset {
			c.Beg = minOffset
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return nil
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Beg == kept[j].Beg {
			return kept[i].End < kept[j].End
		}
		return kept[i].Beg < kept[j].Beg
	})

	merged := kept[:1]
	for _, c := range kept[1:] {
		last := &merged[len(merged)-1]
		if c.Beg <= last.End {
			if c.End > last.End {
				last.End = c.End
			}
			continue
		}
		merged = append(merged, c)
	}
	return merged
}

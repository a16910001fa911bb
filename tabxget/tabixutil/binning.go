package tabixutil

// The hierarchical binning scheme is a fixed protocol constant shared by
// every conformant index writer: six levels, the root bin spanning the full
// 512Mb reference and each level dividing the span by eight, down to 16kb
// bins. The linear index uses the finest granularity.
const (
	// MaxReferenceLen is the largest position the binning scheme can address.
	MaxReferenceLen = 1 << 29

	// MaxBin is the number of the last real bin; the next bin number is
	// reserved for per-reference statistics pseudo-chunks.
	MaxBin = 37449

	// StatsBin carries record-count statistics, never record chunks.
	StatsBin = MaxBin + 1

	// LinearShift is the log2 of the linear index window size (16kb).
	LinearShift = 14
)

var binLevels = []struct {
	offset uint32
	shift  uint
}{
	{1, 26},
	{9, 23},
	{73, 20},
	{585, 17},
	{4681, 14},
}

// reg2bins returns every bin number that overlaps the half-open, 0-based
// interval [beg, end). Bin arithmetic works on the inclusive last base, so
// the exclusive end is decremented once up front.
func reg2bins(beg, end int) []uint32 {
	if beg < 0 {
		beg = 0
	}
	if end > MaxReferenceLen {
		end = MaxReferenceLen
	}
	if end <= beg {
		return nil
	}
	end--

	bins := make([]uint32, 0, 16)
	bins = append(bins, 0)
	for _, level := range binLevels {
		lo := level.offset + uint32(beg>>level.shift)
		hi := level.offset + uint32(end>>level.shift)
		for k := lo; k <= hi; k++ {
			bins = append(bins, k)
		}
	}
	return bins
}

// reg2bin returns the smallest bin fully containing [beg, end).
func reg2bin(beg, end int) uint32 {
	end--
	for i := len(binLevels) - 1; i >= 0; i-- {
		level := binLevels[i]
		if beg>>level.shift == end>>level.shift {
			return level.offset + uint32(beg>>level.shift)
		}
	}
	return 0
}

package tabxget

// Record is one decoded feature line. Start and End are normalized to a
// half-open, 0-based interval regardless of the source format's own
// convention; the raw columns stay available in Fields and Line. Records
// are immutable once produced.
type Record struct {
	// Seq is the sequence (chromosome) name.
	Seq string
	// Start is the 0-based inclusive start position.
	Start int
	// End is the 0-based exclusive end position.
	End int
	// Fields are the tab-separated columns of the source line.
	Fields []string
	// Line is the raw source line without its trailing newline.
	Line string
}

// Overlaps reports whether the record truly overlaps the half-open
// interval [start, end).
func (r *Record) Overlaps(start, end int) bool {
	return r.Start < end && r.End > start
}

package tabxget

import (
	"io"

	"github.com/flaneur2020/tabx-get/tabxget/bgzfutil"
	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/tabixutil"
)

type iterState int

const (
	// statePositioned: no record buffered yet; the next pull advances.
	statePositioned iterState = iota
	// stateBuffered: one decoded, filter-passing record is held.
	stateBuffered
	// stateExhausted: no further records exist for this scan.
	stateExhausted
	// stateFailed: a decode or I/O error occurred; it surfaces on Next/Err.
	stateFailed
)

// FeatureIterator is a pull-based scan over the records overlapping one
// query interval. It owns its decompression cursor and a one-record
// lookahead buffer; it is not safe for concurrent use. Iterators from the
// same Reader may run concurrently with each other.
type FeatureIterator struct {
	br       *bgzfutil.BlockReader
	codec    Codec
	path     string
	seq      string
	start    int
	end      int
	chunks   []tabixutil.Chunk
	chunkIdx int
	// skipLines counts preamble lines still to discard undecoded; non-zero
	// only for scans that start at the very beginning of the file.
	skipLines int
	state     iterState
	buffered  *Record
	err       error
}

func newFeatureIterator(br *bgzfutil.BlockReader, codec Codec, path, seq string, start, end int, chunks []tabixutil.Chunk, skipLines int) *FeatureIterator {
	return &FeatureIterator{
		br:        br,
		codec:     codec,
		path:      path,
		seq:       seq,
		start:     start,
		end:       end,
		chunks:    chunks,
		skipLines: skipLines,
		state:     statePositioned,
	}
}

// newEmptyIterator is returned for queries the index proves empty; it
// performs no I/O.
func newEmptyIterator() *FeatureIterator {
	return &FeatureIterator{state: stateExhausted}
}

func (it *FeatureIterator) fail(err error) {
	if te, ok := err.(*tabxerrors.TabxError); ok && it.path != "" {
		err = te.WithDetail("path", it.path)
	}
	it.err = err
	it.state = stateFailed
}

// advance reads forward until a record overlapping the query interval is
// buffered, the position-sorted data proves no more can follow, or an
// error occurs.
func (it *FeatureIterator) advance() {
	if it.state != statePositioned {
		return
	}
	for {
		if it.chunkIdx >= len(it.chunks) {
			it.state = stateExhausted
			return
		}
		chunk := it.chunks[it.chunkIdx]
		if it.br.Tell() < chunk.Beg {
			if err := it.br.Seek(chunk.Beg); err != nil {
				it.fail(err)
				return
			}
		}
		if it.br.Tell() >= chunk.End {
			it.chunkIdx++
			continue
		}

		line, err := it.br.ReadLine()
		if err == io.EOF {
			it.state = stateExhausted
			return
		}
		if err != nil {
			it.fail(err)
			return
		}
		if it.skipLines > 0 {
			// Skip-count preamble lines need not start with the comment
			// character and must never reach the codec.
			it.skipLines--
			continue
		}

		rec, err := it.codec.DecodeLine(line)
		if err != nil {
			it.fail(err)
			return
		}
		if rec == nil {
			continue
		}
		if it.seq != "" && rec.Seq != it.seq {
			continue
		}
		if rec.Start >= it.end {
			// Records are position-sorted within a sequence, so nothing
			// past this point can overlap the query.
			it.state = stateExhausted
			return
		}
		if rec.End <= it.start {
			// Included only through bin-granularity imprecision.
			continue
		}

		it.buffered = rec
		it.state = stateBuffered
		return
	}
}

// HasNext reports whether a record is available, advancing the scan lazily
// and memoizing the result in the lookahead buffer.
func (it *FeatureIterator) HasNext() bool {
	if it.state == statePositioned {
		it.advance()
	}
	return it.state == stateBuffered
}

// Next returns the buffered record. Calling Next past the end returns the
// scan error if one occurred, otherwise an exhaustion error.
func (it *FeatureIterator) Next() (*Record, error) {
	if it.state == statePositioned {
		it.advance()
	}
	switch it.state {
	case stateBuffered:
		rec := it.buffered
		it.buffered = nil
		it.state = statePositioned
		return rec, nil
	case stateFailed:
		return nil, it.err
	default:
		return nil, tabxerrors.ErrIteratorExhausted.WithDetail("path", it.path)
	}
}

// Err returns the error that moved the iterator into its failed state, if
// any.
func (it *FeatureIterator) Err() error {
	return it.err
}

// Progress reports the compressed-offset position of the cursor and the
// compressed size of the source, for progress reporting on long scans.
func (it *FeatureIterator) Progress() (current, total int64) {
	if it.br == nil {
		return 0, 0
	}
	return it.br.Tell().CompressedOffset(), it.br.Size()
}

// Close releases the iterator's decompression cursor. Idempotent and safe
// in any state; the shared index and header are unaffected.
func (it *FeatureIterator) Close() error {
	if it.state != stateFailed {
		it.state = stateExhausted
	}
	if it.br == nil {
		return nil
	}
	return it.br.Close()
}

package tabxget

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/storage"
)

// bgzfBlock assembles one valid block around the given payload.
func bgzfBlock(t *testing.T, payload []byte) []byte {
	t.Helper()

	var cdata bytes.Buffer
	fw, err := flate.NewWriter(&cdata, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter error = %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("flate write error = %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("flate close error = %v", err)
	}

	bsize := 18 + cdata.Len() + 8
	buf := make([]byte, 0, bsize)
	buf = append(buf, 0x1f, 0x8b, 0x08, 0x04, 0, 0, 0, 0, 0, 0xff)
	buf = append(buf, 6, 0)
	buf = append(buf, 'B', 'C', 2, 0, byte(bsize-1), byte((bsize-1)>>8))
	buf = append(buf, cdata.Bytes()...)

	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(payload)))
	return append(buf, trailer[:]...)
}

// writeBGZF writes the payloads as consecutive blocks plus the terminal
// marker and returns the start offset of each block; the final element is
// the offset of the terminal block, usable as an exclusive chunk end.
func writeBGZF(t *testing.T, path string, payloads ...[]byte) []int64 {
	t.Helper()

	var stream []byte
	offsets := make([]int64, 0, len(payloads)+1)
	for _, p := range payloads {
		offsets = append(offsets, int64(len(stream)))
		stream = append(stream, bgzfBlock(t, p)...)
	}
	offsets = append(offsets, int64(len(stream)))
	stream = append(stream, bgzfBlock(t, nil)...)

	if err := os.WriteFile(path, stream, 0644); err != nil {
		t.Fatalf("write %s error = %v", path, err)
	}
	return offsets
}

type e2eBin struct {
	bin    uint32
	chunks [][2]uint64
}

type e2eRef struct {
	name   string
	bins   []e2eBin
	linear []uint64
}

// cvo builds a virtual offset at the start of the block at the given
// compressed offset.
func cvo(compressed int64) uint64 {
	return uint64(compressed) << 16
}

// writeTBIFile writes a zero-based generic index with columns 1/2/3.
func writeTBIFile(t *testing.T, path string, skip int32, refs []e2eRef) {
	t.Helper()

	var payload bytes.Buffer
	le := func(v interface{}) {
		if err := binary.Write(&payload, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write error = %v", err)
		}
	}

	payload.WriteString("TBI\x01")
	le(int32(len(refs)))
	le(int32(0x10000)) // generic format, zero-based coordinates
	le(int32(1))
	le(int32(2))
	le(int32(3))
	le(int32('#'))
	le(skip)

	var names bytes.Buffer
	for _, ref := range refs {
		names.WriteString(ref.name)
		names.WriteByte(0)
	}
	le(int32(names.Len()))
	payload.Write(names.Bytes())

	for _, ref := range refs {
		le(int32(len(ref.bins)))
		for _, b := range ref.bins {
			le(b.bin)
			le(int32(len(b.chunks)))
			for _, c := range b.chunks {
				le(c[0])
				le(c[1])
			}
		}
		le(int32(len(ref.linear)))
		for _, off := range ref.linear {
			le(off)
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload.Bytes()); err != nil {
		t.Fatalf("gzip write error = %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close error = %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write %s error = %v", path, err)
	}
}

// writeBedFixture writes a two-block BED file for chr1 with its index:
// block 0 holds records 100-120 and 150-170 behind two header lines,
// block 1 holds record 400-420.
func writeBedFixture(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dataPath := filepath.Join(dir, "features.bed.gz")

	offs := writeBGZF(t, dataPath,
		[]byte("#fileformat=testbed\n#chrom\tstart\tend\tname\nchr1\t100\t120\tf1\nchr1\t150\t170\tf2\n"),
		[]byte("chr1\t400\t420\tf3\n"),
	)

	writeTBIFile(t, dataPath+IndexSuffix, 0, []e2eRef{
		{
			name: "chr1",
			bins: []e2eBin{
				{bin: 4681, chunks: [][2]uint64{{cvo(offs[0]), cvo(offs[2])}}},
			},
			linear: []uint64{cvo(offs[0])},
		},
	})
	return dataPath
}

// countingStorage records how often each name is opened.
type countingStorage struct {
	inner storage.Storage
	opens map[string]int
}

func newCountingStorage(inner storage.Storage) *countingStorage {
	return &countingStorage{inner: inner, opens: map[string]int{}}
}

func (c *countingStorage) Open(ctx context.Context, name string) (storage.Resource, error) {
	c.opens[name]++
	return c.inner.Open(ctx, name)
}

func (c *countingStorage) Exists(ctx context.Context, name string) (bool, error) {
	return c.inner.Exists(ctx, name)
}

func collect(t *testing.T, it *FeatureIterator) []*Record {
	t.Helper()
	var recs []*Record
	for it.HasNext() {
		rec, err := it.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		recs = append(recs, rec)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error = %v", err)
	}
	return recs
}

func TestOpen_MissingIndex(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "features.bed.gz")
	writeBGZF(t, dataPath, []byte("chr1\t100\t120\tf1\n"))

	_, err := Open(context.Background(), dataPath)
	if tabxerrors.GetErrorCode(err) != "INDEX_NOT_FOUND" {
		t.Fatalf("Open() error = %v, want INDEX_NOT_FOUND", err)
	}
}

func TestOpen_HeaderAndNames(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if got := r.SequenceNames(); !reflect.DeepEqual(got, []string{"chr1"}) {
		t.Errorf("SequenceNames() = %v, want [chr1]", got)
	}

	wantHeader := []string{"#fileformat=testbed", "#chrom\tstart\tend\tname"}
	if got := r.Header().Lines; !reflect.DeepEqual(got, wantHeader) {
		t.Errorf("Header().Lines = %v, want %v", got, wantHeader)
	}
}

func TestQuery_OverlapFilter(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	// Only the 150-170 record truly overlaps [140, 160): 100-120 ends
	// before the interval and 400-420 starts after it.
	it, err := r.Query(context.Background(), "chr1", 140, 160)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1: %v", len(recs), recs)
	}
	if recs[0].Start != 150 || recs[0].End != 170 {
		t.Errorf("record = %d-%d, want 150-170", recs[0].Start, recs[0].End)
	}
	if recs[0].Fields[3] != "f2" {
		t.Errorf("name field = %q, want f2", recs[0].Fields[3])
	}
}

func TestQuery_Determinism(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	run := func() []string {
		it, err := r.Query(context.Background(), "chr1", 0, 1000)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		defer it.Close()
		var lines []string
		for _, rec := range collect(t, it) {
			lines = append(lines, rec.Line)
		}
		return lines
	}

	first := run()
	second := run()
	if len(first) != 3 {
		t.Fatalf("got %d records, want 3: %v", len(first), first)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated query differs:\n%v\n%v", first, second)
	}

	for i := 1; i < len(first); i++ {
		// Output order follows file order.
		if first[i] < first[i-1] {
			t.Errorf("records out of order: %q before %q", first[i-1], first[i])
		}
	}
}

func TestQuery_UnknownSequenceDoesNoIO(t *testing.T) {
	dataPath := writeBedFixture(t)
	stor := newCountingStorage(storage.ForPath(dataPath))

	r, err := Open(context.Background(), dataPath, WithStorage(stor))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	opensAfterOpen := stor.opens[dataPath]

	it, err := r.Query(context.Background(), "chrX", 0, 1000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it.Close()

	if it.HasNext() {
		t.Error("HasNext() = true for unknown sequence, want false")
	}
	if _, err := it.Next(); tabxerrors.GetErrorCode(err) != "ITERATOR_EXHAUSTED" {
		t.Errorf("Next() error = %v, want ITERATOR_EXHAUSTED", err)
	}
	if got := stor.opens[dataPath]; got != opensAfterOpen {
		t.Errorf("unknown-sequence query opened the data file %d more times", got-opensAfterOpen)
	}
}

func TestQuery_InvalidRange(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	_, err = r.Query(context.Background(), "chr1", 200, 100)
	if tabxerrors.GetErrorCode(err) != "INVALID_RANGE" {
		t.Fatalf("Query() error = %v, want INVALID_RANGE", err)
	}
}

func TestQuery_ExhaustionAndClose(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	it, err := r.Query(context.Background(), "chr1", 0, 1000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	collect(t, it)

	if _, err := it.Next(); tabxerrors.GetErrorCode(err) != "ITERATOR_EXHAUSTED" {
		t.Errorf("Next() past end error = %v, want ITERATOR_EXHAUSTED", err)
	}

	if err := it.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if it.HasNext() {
		t.Error("HasNext() = true after Close, want false")
	}
}

func TestQuery_MultipleChunks(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "features.bed.gz")

	// Records for chr1 in blocks 0 and 2; block 1 belongs to another
	// sequence and is skipped over via the chunk gap.
	offs := writeBGZF(t, dataPath,
		[]byte("chr1\t100\t120\tf1\n"),
		[]byte("chr2\t10\t20\tg1\n"),
		[]byte("chr1\t50000\t50100\tf2\n"),
	)

	writeTBIFile(t, dataPath+IndexSuffix, 0, []e2eRef{
		{
			name: "chr1",
			bins: []e2eBin{
				{bin: 4681, chunks: [][2]uint64{{cvo(offs[0]), cvo(offs[1])}}},
				{bin: 4684, chunks: [][2]uint64{{cvo(offs[2]), cvo(offs[3])}}},
			},
		},
		{
			name: "chr2",
			bins: []e2eBin{
				{bin: 4681, chunks: [][2]uint64{{cvo(offs[1]), cvo(offs[2])}}},
			},
		},
	})

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	it, err := r.Query(context.Background(), "chr1", 0, 60000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %v", len(recs), recs)
	}
	if recs[0].Start != 100 || recs[1].Start != 50000 {
		t.Errorf("starts = %d, %d, want 100, 50000", recs[0].Start, recs[1].Start)
	}
	for _, rec := range recs {
		if rec.Seq != "chr1" {
			t.Errorf("record on %q leaked into chr1 query", rec.Seq)
		}
	}
}

func TestQuery_MalformedRecord(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "features.bed.gz")

	offs := writeBGZF(t, dataPath,
		[]byte("chr1\t100\t120\tf1\nchr1\tnotanumber\t300\tf2\n"),
	)
	writeTBIFile(t, dataPath+IndexSuffix, 0, []e2eRef{
		{
			name: "chr1",
			bins: []e2eBin{{bin: 4681, chunks: [][2]uint64{{cvo(offs[0]), cvo(offs[1])}}}},
		},
	})

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	it, err := r.Query(context.Background(), "chr1", 0, 1000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it.Close()

	rec, err := it.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if rec.Start != 100 {
		t.Fatalf("first record start = %d, want 100", rec.Start)
	}

	if it.HasNext() {
		t.Error("HasNext() = true after malformed line, want false")
	}
	_, err = it.Next()
	if tabxerrors.GetErrorCode(err) != "MALFORMED_RECORD" {
		t.Fatalf("Next() error = %v, want MALFORMED_RECORD", err)
	}

	te, ok := err.(*tabxerrors.TabxError)
	if !ok {
		t.Fatalf("error type = %T, want *TabxError", err)
	}
	if te.Details["path"] != dataPath {
		t.Errorf("path detail = %v, want %s", te.Details["path"], dataPath)
	}
	if te.Details["line"] == nil {
		t.Error("line detail missing from malformed record error")
	}

	if got := it.Err(); got == nil {
		t.Error("Err() = nil after failure")
	}
}

func TestIterator_WholeFile(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	it, err := r.Iterator(context.Background())
	if err != nil {
		t.Fatalf("Iterator() error = %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// Header lines decode to nil and never surface as records.
	wantStarts := []int{100, 150, 400}
	for i, rec := range recs {
		if rec.Start != wantStarts[i] {
			t.Errorf("record %d start = %d, want %d", i, rec.Start, wantStarts[i])
		}
	}

	cur, total := it.Progress()
	if total == 0 || cur != total {
		t.Errorf("Progress() = %d/%d, want cursor at end of a non-empty file", cur, total)
	}
}

func TestIterator_SkipCountPreamble(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "features.bed.gz")

	// Two preamble lines covered only by the skip-count: neither starts
	// with the comment character.
	offs := writeBGZF(t, dataPath,
		[]byte("browser position chr1\nname\tstart\tend\nchr1\t100\t120\tf1\nchr1\t150\t170\tf2\n"),
	)
	writeTBIFile(t, dataPath+IndexSuffix, 2, []e2eRef{
		{
			name: "chr1",
			bins: []e2eBin{{bin: 4681, chunks: [][2]uint64{{cvo(offs[0]), cvo(offs[1])}}}},
		},
	})

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	wantHeader := []string{"browser position chr1", "name\tstart\tend"}
	if got := r.Header().Lines; !reflect.DeepEqual(got, wantHeader) {
		t.Errorf("Header().Lines = %v, want %v", got, wantHeader)
	}

	it, err := r.Iterator(context.Background())
	if err != nil {
		t.Fatalf("Iterator() error = %v", err)
	}
	defer it.Close()
	if recs := collect(t, it); len(recs) != 2 {
		t.Errorf("Iterator() got %d records, want 2: %v", len(recs), recs)
	}

	// A query whose chunk list touches the file start crosses the same
	// preamble and must skip it too.
	qit, err := r.Query(context.Background(), "chr1", 0, 1000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer qit.Close()
	if recs := collect(t, qit); len(recs) != 2 {
		t.Errorf("Query() got %d records, want 2: %v", len(recs), recs)
	}
}

func TestReader_ConcurrentIterators(t *testing.T) {
	dataPath := writeBedFixture(t)

	r, err := Open(context.Background(), dataPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	// Two interleaved scans over the same reader must not disturb each
	// other; each owns its cursor.
	it1, err := r.Query(context.Background(), "chr1", 0, 1000)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it1.Close()
	it2, err := r.Query(context.Background(), "chr1", 140, 160)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer it2.Close()

	if !it1.HasNext() || !it2.HasNext() {
		t.Fatal("both iterators should have records")
	}
	rec2, err := it2.Next()
	if err != nil {
		t.Fatalf("it2.Next() error = %v", err)
	}
	if rec2.Start != 150 {
		t.Errorf("it2 record start = %d, want 150", rec2.Start)
	}

	recs1 := collect(t, it1)
	if len(recs1) != 3 {
		t.Errorf("it1 got %d records, want 3", len(recs1))
	}
}

func TestOpen_CorruptDataSurfacesDuringScan(t *testing.T) {
	dataPath := writeBedFixture(t)

	// Flip a byte inside the first block's compressed payload.
	data, err := os.ReadFile(dataPath)
	if err != nil {
		t.Fatalf("read fixture error = %v", err)
	}
	data[20] ^= 0xff
	if err := os.WriteFile(dataPath, data, 0644); err != nil {
		t.Fatalf("rewrite fixture error = %v", err)
	}

	_, err = Open(context.Background(), dataPath)
	if err == nil {
		t.Fatal("Open() succeeded on corrupt data, want error")
	}
	code := tabxerrors.GetErrorCode(err)
	if code != "CORRUPT_DATA" && code != "TRUNCATED_FILE" {
		t.Fatalf("Open() error code = %s, want CORRUPT_DATA or TRUNCATED_FILE", code)
	}
}

var _ io.Closer = (*FeatureIterator)(nil)

package tabxget

import (
	"io"
	"strconv"
	"strings"

	tabxerrors "github.com/flaneur2020/tabx-get/tabxget/errors"
	"github.com/flaneur2020/tabx-get/tabxget/tabixutil"
)

// LineReader supplies decompressed text lines; *bgzfutil.BlockReader
// implements it.
type LineReader interface {
	ReadLine() (string, error)
}

// Codec converts raw text lines of one feature format into Records. Codecs
// are stateless; one instance may serve any number of iterators.
type Codec interface {
	// DecodeLine converts one line into a Record. A nil Record with a nil
	// error means the line carries no feature (blank or comment) and should
	// be skipped.
	DecodeLine(line string) (*Record, error)

	// ReadHeader consumes leading comment/metadata lines from a fresh
	// stream positioned at the start of the file.
	ReadHeader(r LineReader) (*Header, error)
}

// CodecForConfig selects a codec from the column layout recorded in a tabix
// index. VCF gets its dedicated codec (its end position derives from the
// reference allele); everything else is column-driven.
func CodecForConfig(cfg tabixutil.Config) Codec {
	if cfg.Format == tabixutil.FormatVCF {
		return NewVcfCodec()
	}
	return NewGenericCodec(cfg)
}

func malformed(line, reason string) error {
	return tabxerrors.ErrMalformedRecord.WithMessage(reason).WithDetail("line", line)
}

// parseCoord parses a coordinate column.
func parseCoord(line, field string) (int, error) {
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, malformed(line, "non-numeric coordinate column")
	}
	return v, nil
}

// readHeaderLines collects leading lines that are either within the
// skip-count or start with the comment character. The reader is a
// throwaway cursor, so overshooting onto the first data line is harmless.
func readHeaderLines(r LineReader, metaChar byte, skip int32) (*Header, error) {
	var lines []string
	for i := int32(0); ; i++ {
		line, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if i < skip || (metaChar != 0 && len(line) > 0 && line[0] == metaChar) {
			lines = append(lines, line)
			continue
		}
		break
	}
	return &Header{Lines: lines}, nil
}

// GenericCodec decodes any tab-delimited format using the column layout the
// index was built with. Formats with 1-based coordinates are shifted to
// 0-based at decode time; a 1-based inclusive end equals a 0-based
// exclusive end, so only the start moves.
type GenericCodec struct {
	cfg tabixutil.Config
}

func NewGenericCodec(cfg tabixutil.Config) *GenericCodec {
	return &GenericCodec{cfg: cfg}
}

func (c *GenericCodec) DecodeLine(line string) (*Record, error) {
	if line == "" {
		return nil, nil
	}
	if c.cfg.MetaChar != 0 && line[0] == c.cfg.MetaChar {
		return nil, nil
	}

	fields := strings.Split(line, "\t")
	maxCol := c.cfg.SeqCol
	if c.cfg.BegCol > maxCol {
		maxCol = c.cfg.BegCol
	}
	if c.cfg.EndCol > maxCol {
		maxCol = c.cfg.EndCol
	}
	if int32(len(fields)) < maxCol {
		return nil, malformed(line, "too few columns for the indexed layout")
	}

	beg, err := parseCoord(line, fields[c.cfg.BegCol-1])
	if err != nil {
		return nil, err
	}
	if !c.cfg.ZeroBased {
		beg--
	}
	if beg < 0 {
		return nil, malformed(line, "start position before the sequence origin")
	}

	end := beg + 1
	if c.cfg.EndCol > 0 && c.cfg.EndCol != c.cfg.BegCol {
		end, err = parseCoord(line, fields[c.cfg.EndCol-1])
		if err != nil {
			return nil, err
		}
	}
	if end < beg {
		return nil, malformed(line, "end position before start position")
	}

	return &Record{
		Seq:    fields[c.cfg.SeqCol-1],
		Start:  beg,
		End:    end,
		Fields: fields,
		Line:   line,
	}, nil
}

func (c *GenericCodec) ReadHeader(r LineReader) (*Header, error) {
	return readHeaderLines(r, c.cfg.MetaChar, c.cfg.Skip)
}

// BedCodec decodes BED lines: 0-based half-open, columns chrom/start/end.
// Besides '#' comments, BED allows track and browser declaration lines.
type BedCodec struct{}

func NewBedCodec() *BedCodec {
	return &BedCodec{}
}

func bedNonFeature(line string) bool {
	return line == "" || line[0] == '#' ||
		strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser")
}

func (c *BedCodec) DecodeLine(line string) (*Record, error) {
	if bedNonFeature(line) {
		return nil, nil
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return nil, malformed(line, "BED line needs at least 3 columns")
	}
	beg, err := parseCoord(line, fields[1])
	if err != nil {
		return nil, err
	}
	end, err := parseCoord(line, fields[2])
	if err != nil {
		return nil, err
	}
	if beg < 0 || end < beg {
		return nil, malformed(line, "invalid BED interval")
	}
	return &Record{Seq: fields[0], Start: beg, End: end, Fields: fields, Line: line}, nil
}

func (c *BedCodec) ReadHeader(r LineReader) (*Header, error) {
	var lines []string
	for {
		line, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if bedNonFeature(line) && line != "" {
			lines = append(lines, line)
			continue
		}
		break
	}
	return &Header{Lines: lines}, nil
}

// Gff3Codec decodes GFF3 lines: 1-based inclusive coordinates in columns 4
// and 5.
type Gff3Codec struct{}

func NewGff3Codec() *Gff3Codec {
	return &Gff3Codec{}
}

func (c *Gff3Codec) DecodeLine(line string) (*Record, error) {
	if line == "" || line[0] == '#' {
		return nil, nil
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 5 {
		return nil, malformed(line, "GFF3 line needs at least 5 columns")
	}
	beg, err := parseCoord(line, fields[3])
	if err != nil {
		return nil, err
	}
	end, err := parseCoord(line, fields[4])
	if err != nil {
		return nil, err
	}
	beg--
	if beg < 0 || end < beg {
		return nil, malformed(line, "invalid GFF3 interval")
	}
	return &Record{Seq: fields[0], Start: beg, End: end, Fields: fields, Line: line}, nil
}

func (c *Gff3Codec) ReadHeader(r LineReader) (*Header, error) {
	return readHeaderLines(r, '#', 0)
}

// VcfCodec decodes VCF lines: 1-based POS in column 2; the covered span is
// the length of the reference allele in column 4.
type VcfCodec struct{}

func NewVcfCodec() *VcfCodec {
	return &VcfCodec{}
}

func (c *VcfCodec) DecodeLine(line string) (*Record, error) {
	if line == "" || line[0] == '#' {
		return nil, nil
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return nil, malformed(line, "VCF line needs at least 4 columns")
	}
	pos, err := parseCoord(line, fields[1])
	if err != nil {
		return nil, err
	}
	beg := pos - 1
	if beg < 0 {
		return nil, malformed(line, "VCF position before the sequence origin")
	}
	end := beg + len(fields[3])
	if len(fields[3]) == 0 {
		end = beg + 1
	}
	return &Record{Seq: fields[0], Start: beg, End: end, Fields: fields, Line: line}, nil
}

func (c *VcfCodec) ReadHeader(r LineReader) (*Header, error) {
	return readHeaderLines(r, '#', 0)
}

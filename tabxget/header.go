package tabxget

import "strings"

// Header is the file preamble: the leading comment and metadata lines
// consumed once when a file is opened. Shared read-only by every iterator
// derived from the same Reader.
type Header struct {
	Lines []string
}

func (h *Header) String() string {
	if h == nil || len(h.Lines) == 0 {
		return ""
	}
	return strings.Join(h.Lines, "\n")
}

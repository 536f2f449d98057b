// ABOUTME: Incremental line decoder for the server-push event channel
// ABOUTME: Carries unterminated fragments across chunks and classifies data/comment lines

package streaming

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const (
	dataPrefix    = "data:"
	commentPrefix = ":"
)

// lineKind classifies one complete line of the channel.
type lineKind int

const (
	lineIgnored lineKind = iota
	lineData
	lineComment
)

// lineDecoder splits arbitrary byte chunks into complete lines. Input is not
// guaranteed to be line-aligned, so the unterminated tail of each chunk is
// kept and prepended to the next one. Splitting on '\n' never cuts a UTF-8
// sequence, so multi-byte runes split across chunks reassemble intact.
type lineDecoder struct {
	pending []byte
}

// Feed appends a chunk and returns every line it completed, without the
// terminator.
func (d *lineDecoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, toLine(d.pending[:idx]))
		d.pending = d.pending[idx+1:]
	}

	// Release the backing array once fully consumed
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return lines
}

// Flush returns the remaining unterminated fragment, if any.
func (d *lineDecoder) Flush() (string, bool) {
	if len(d.pending) == 0 {
		return "", false
	}
	line := toLine(d.pending)
	d.pending = nil
	return line, true
}

// Pending reports how many bytes are buffered awaiting a terminator.
func (d *lineDecoder) Pending() int {
	return len(d.pending)
}

func toLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	if !utf8.Valid(b) {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(b)
}

// classifyLine returns the kind of a line and, for data lines, its payload.
func classifyLine(line string) (lineKind, string) {
	switch {
	case strings.HasPrefix(line, dataPrefix):
		payload := strings.TrimPrefix(line, dataPrefix)
		payload = strings.TrimPrefix(payload, " ")
		return lineData, payload
	case strings.HasPrefix(line, commentPrefix):
		return lineComment, ""
	default:
		return lineIgnored, ""
	}
}

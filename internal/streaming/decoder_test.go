// ABOUTME: Tests for the incremental line decoder
// ABOUTME: Covers fragments across chunks, CRLF, split UTF-8 runes and line classification

package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineDecoder_WholeLines(t *testing.T) {
	var d lineDecoder

	lines := d.Feed([]byte("data: a\ndata: b\n"))
	assert.Equal(t, []string{"data: a", "data: b"}, lines)
	assert.Equal(t, 0, d.Pending())
}

func TestLineDecoder_FragmentCarriedAcrossChunks(t *testing.T) {
	var d lineDecoder

	assert.Empty(t, d.Feed([]byte(`data: {"type":"sta`)))
	assert.Equal(t, len(`data: {"type":"sta`), d.Pending())

	lines := d.Feed([]byte("rt\"}\ndata: {\"ty"))
	assert.Equal(t, []string{`data: {"type":"start"}`}, lines)

	lines = d.Feed([]byte("pe\":\"complete\"}\n"))
	assert.Equal(t, []string{`data: {"type":"complete"}`}, lines)
	assert.Equal(t, 0, d.Pending())
}

func TestLineDecoder_TerminatorAloneInChunk(t *testing.T) {
	var d lineDecoder

	assert.Empty(t, d.Feed([]byte("data: x")))
	assert.Equal(t, []string{"data: x"}, d.Feed([]byte("\n")))
}

func TestLineDecoder_CRLF(t *testing.T) {
	var d lineDecoder

	lines := d.Feed([]byte("data: a\r\n: ping\r\n\r\n"))
	assert.Equal(t, []string{"data: a", ": ping", ""}, lines)
}

func TestLineDecoder_SplitMultiByteRune(t *testing.T) {
	var d lineDecoder
	full := []byte("data: héllo\n")

	// Split inside the two-byte encoding of é
	idx := 8
	require.Equal(t, byte(0xc3), full[idx-1])

	assert.Empty(t, d.Feed(full[:idx]))
	lines := d.Feed(full[idx:])
	assert.Equal(t, []string{"data: héllo"}, lines)
}

func TestLineDecoder_Flush(t *testing.T) {
	var d lineDecoder

	d.Feed([]byte("data: a\ndata: tail"))
	line, ok := d.Flush()
	require.True(t, ok)
	assert.Equal(t, "data: tail", line)

	_, ok = d.Flush()
	assert.False(t, ok)
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line    string
		kind    lineKind
		payload string
	}{
		{`data: {"a":1}`, lineData, `{"a":1}`},
		{`data:{"a":1}`, lineData, `{"a":1}`},
		{": keepalive", lineComment, ""},
		{":", lineComment, ""},
		{"event: progress", lineIgnored, ""},
		{"", lineIgnored, ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			kind, payload := classifyLine(tt.line)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

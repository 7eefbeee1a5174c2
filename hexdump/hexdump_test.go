package hexdump

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpPlain(t *testing.T) {
	opts := DefaultOptions()
	opts.StartAddress = 0x401000
	out := Dump([]byte("ABCDEFGHIJKLMNOP\x00\x01"), opts)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "00401000  41 42 43"))
	assert.True(t, strings.HasSuffix(lines[0], "|ABCDEFGHIJKLMNOP|"))
	assert.True(t, strings.HasPrefix(lines[1], "00401010  00 01"))
	assert.True(t, strings.HasSuffix(lines[1], "|..|"))
	assert.NotContains(t, out, "\x1b[")
}

func TestDiffHighlightsChangedBytes(t *testing.T) {
	opts := DefaultOptions()
	opts.Color = true

	out := Diff([]byte{0x55, 0x8B, 0xEC, 0x90}, []byte{0xE9, 0x8B, 0xEC, 0x90}, opts)
	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, out, "e9")
}

// Package hexdump renders target memory for patch diagnostics
package hexdump

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
)

// Options controls the rendering
type Options struct {
	// BytesPerLine defines the number of bytes to display per line
	BytesPerLine int

	// StartAddress is printed in the address column for the first byte
	StartAddress uint64

	// ShowASCII determines whether to show the ASCII representation
	ShowASCII bool

	// Color enables ANSI colors; callers decide based on the terminal
	Color bool

	// Changed marks byte offsets to highlight, e.g. bytes a patch rewrote
	Changed map[int]bool
}

// DefaultOptions returns the default hexdump options
func DefaultOptions() Options {
	return Options{
		BytesPerLine: 16,
		ShowASCII:    true,
	}
}

// Dump creates a hex dump of the given data with specified options
func Dump(data []byte, options Options) string {
	var buffer bytes.Buffer
	DumpToWriter(&buffer, data, options)
	return buffer.String()
}

// DumpToWriter writes a hex dump of the given data to the specified writer
func DumpToWriter(writer io.Writer, data []byte, options Options) {
	if options.BytesPerLine <= 0 {
		options.BytesPerLine = 16
	}

	for offset := 0; offset < len(data); offset += options.BytesPerLine {
		end := offset + options.BytesPerLine
		if end > len(data) {
			end = len(data)
		}
		formatLine(writer, data[offset:end], offset, options)
	}
}

// Diff dumps after and highlights every byte that differs from before
func Diff(before, after []byte, options Options) string {
	options.Changed = make(map[int]bool)
	for i := range after {
		if i >= len(before) || before[i] != after[i] {
			options.Changed[i] = true
		}
	}
	return Dump(after, options)
}

func formatLine(writer io.Writer, data []byte, offset int, options Options) {
	addr := fmt.Sprintf("%08x", options.StartAddress+uint64(offset))
	if options.Color {
		addr = coloransi.Foreground(coloransi.Cyan, addr)
	}
	fmt.Fprint(writer, addr, "  ")

	for i := 0; i < options.BytesPerLine; i++ {
		if i == options.BytesPerLine/2 && options.BytesPerLine >= 8 {
			fmt.Fprint(writer, " ")
		}
		if i >= len(data) {
			fmt.Fprint(writer, "   ")
			continue
		}
		fmt.Fprint(writer, colorByte(fmt.Sprintf("%02x", data[i]), data[i], offset+i, options), " ")
	}

	if options.ShowASCII {
		var ascii strings.Builder
		for i, b := range data {
			ch := "."
			if b >= 0x20 && b < 0x7f {
				ch = string(rune(b))
			}
			ascii.WriteString(colorByte(ch, b, offset+i, options))
		}
		fmt.Fprint(writer, " |", ascii.String(), "|")
	}

	fmt.Fprintln(writer)
}

func colorByte(s string, b byte, index int, options Options) string {
	if !options.Color {
		return s
	}
	switch {
	case options.Changed[index]:
		return coloransi.Color(coloransi.Yellow, coloransi.Black, s)
	case b == 0:
		return coloransi.Foreground(coloransi.BrightBlack, s)
	}
	return coloransi.Foreground(coloransi.Green, s)
}

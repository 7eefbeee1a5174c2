package x86

import (
	"encoding/binary"
	"fmt"
)

type fixup struct {
	at    int // offset of the displacement
	size  int // 1 or 4
	label string
}

// Assembler collects raw bytes and resolves forward and backward jumps to labels
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Emit appends raw bytes
func (a *Assembler) Emit(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

// Imm32 appends a little-endian dword
func (a *Assembler) Imm32(v uint32) *Assembler {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

// Label marks the current offset
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.buf)
	return a
}

// Jcc8 emits a short conditional jump (74, 75, 77...) to label
func (a *Assembler) Jcc8(opcode byte, label string) *Assembler {
	a.buf = append(a.buf, opcode, 0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 1, size: 1, label: label})
	return a
}

// Jmp8 emits EB rel8 to label
func (a *Assembler) Jmp8(label string) *Assembler {
	return a.Jcc8(OpJmpRel8, label)
}

// Jmp32 emits E9 rel32 to label
func (a *Assembler) Jmp32(label string) *Assembler {
	a.buf = append(a.buf, OpJmpRel32, 0, 0, 0, 0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 4, size: 4, label: label})
	return a
}

// Len is the number of bytes emitted so far
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Offset returns where label was placed
func (a *Assembler) Offset(label string) (int, bool) {
	off, ok := a.labels[label]
	return off, ok
}

// Bytes resolves every jump and returns a copy of the code
func (a *Assembler) Bytes() ([]byte, error) {
	out := append([]byte(nil), a.buf...)

	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%q: %w", f.label, ErrLabelUnknown)
		}

		rel := target - (f.at + f.size)
		switch f.size {
		case 1:
			if rel < -128 || rel > 127 {
				return nil, fmt.Errorf("%q is %d bytes away: %w", f.label, rel, ErrRel8Range)
			}
			out[f.at] = byte(int8(rel))
		case 4:
			binary.LittleEndian.PutUint32(out[f.at:], uint32(int32(rel)))
		}
	}

	return out, nil
}

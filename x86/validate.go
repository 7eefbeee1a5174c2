package x86

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var (
	ErrPatchRegionSplit    = errors.New("patch region ends inside an instruction")
	ErrPatchRegionRelative = errors.New("patch region holds a relative instruction")
	ErrPatchRegionBranch   = errors.New("patch region holds a branch")
)

// Decode disassembles 32-bit code until it is consumed
func Decode(src []byte) ([]x86asm.Inst, error) {
	insts := make([]x86asm.Inst, 0, len(src)/2+1)
	for len(src) > 0 {
		inst, err := x86asm.Decode(src, 32)
		if err != nil {
			return insts, err
		}
		insts = append(insts, inst)
		src = src[inst.Len:]
	}
	return insts, nil
}

// ValidatePatchRegion checks that the first width bytes of code are whole instructions
// that still mean the same thing when executed from another address.
// code should hold at least width+15 bytes so the last instruction decodes fully.
func ValidatePatchRegion(code []byte, width int) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	offset := 0
	for offset < width {
		inst, err := x86asm.Decode(code[offset:], 32)
		if err != nil {
			return nil, fmt.Errorf("decode at +%d: %w", offset, err)
		}

		if isBranch(inst) {
			return nil, fmt.Errorf("%s at +%d: %w", inst.Op, offset, ErrPatchRegionBranch)
		}
		if isRelative(inst) {
			return nil, fmt.Errorf("%s at +%d: %w", inst.Op, offset, ErrPatchRegionRelative)
		}

		insts = append(insts, inst)
		offset += inst.Len
	}

	if offset != width {
		return nil, fmt.Errorf("last instruction ends at +%d, want +%d: %w", offset, width, ErrPatchRegionSplit)
	}
	return insts, nil
}

func isBranch(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ:
		return true
	}
	return strings.HasPrefix(inst.Op.String(), "J")
}

func isRelative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

// Disassemble renders code placed at pc in Intel syntax, one line per instruction.
// Undecodable bytes are rendered as "(bad)" and skipped one at a time.
func Disassemble(code []byte, pc uint64) []string {
	var lines []string
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%08x  %02x  (bad)", pc+uint64(off), code[off]))
			off++
			continue
		}
		text := x86asm.IntelSyntax(inst, pc+uint64(off), nil)
		lines = append(lines, fmt.Sprintf("%08x  % x  %s", pc+uint64(off), code[off:off+inst.Len], text))
		off += inst.Len
	}
	return lines
}

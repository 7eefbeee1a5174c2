package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearJump(t *testing.T) {
	code, err := NearJump(0x00401000, 0x00402000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}, code)

	// backwards jump is a negative displacement
	code, err = NearJump(0x10000000, 0x00401000)
	require.NoError(t, err)
	rel, err := Rel32(0x10000000, 0x00401000)
	require.NoError(t, err)
	assert.Equal(t, int32(0x00401000-0x10000000-5), rel)
	assert.Equal(t, byte(0xE9), code[0])

	dest, err := NearJumpTarget(code, 0x10000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x00401000), dest)

	_, err = NearJump(0x1_0000_0000, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = NearJumpTarget([]byte{0x90, 0, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrNotNearJump)
}

func TestAssembler(t *testing.T) {
	a := NewAssembler()
	a.Emit(0x85, 0xC0) // test eax, eax
	a.Jcc8(OpJe8, "zero")
	a.Emit(0x40) // inc eax
	a.Jmp8("done")
	a.Label("zero")
	a.Emit(0x48) // dec eax
	a.Label("done")
	a.Emit(0xC3)

	code, err := a.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x85, 0xC0, 0x74, 0x03, 0x40, 0xEB, 0x01, 0x48, 0xC3}, code)

	off, ok := a.Offset("done")
	assert.True(t, ok)
	assert.Equal(t, 8, off)

	bad := NewAssembler().Jmp8("nowhere")
	_, err = bad.Bytes()
	assert.ErrorIs(t, err, ErrLabelUnknown)

	far := NewAssembler().Jmp8("far")
	far.Emit(make([]byte, 200)...)
	far.Label("far")
	_, err = far.Bytes()
	assert.ErrorIs(t, err, ErrRel8Range)

	back := NewAssembler().Label("top").Emit(0x90).Jmp32("top")
	code, err = back.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0xE9, 0xFA, 0xFF, 0xFF, 0xFF}, code)
}

func TestValidatePatchRegion(t *testing.T) {
	pad := make([]byte, 16)

	// push ebp; mov ebp, esp; sub esp, 8
	prologue := append([]byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x08}, pad...)
	_, err := ValidatePatchRegion(prologue, 5)
	assert.ErrorIs(t, err, ErrPatchRegionSplit)

	// push ebp; mov ebp, esp; push ebx; push esi
	insts, err := ValidatePatchRegion(append([]byte{0x55, 0x8B, 0xEC, 0x53, 0x56}, pad...), 5)
	require.NoError(t, err)
	assert.Len(t, insts, 4)

	// mov eax, imm32
	_, err = ValidatePatchRegion(append([]byte{0xB8, 1, 2, 3, 4}, pad...), 5)
	assert.NoError(t, err)

	// call rel32
	_, err = ValidatePatchRegion(append([]byte{0xE8, 0, 0, 0, 0}, pad...), 5)
	assert.ErrorIs(t, err, ErrPatchRegionBranch)

	// push ebp; je +2; nop; nop
	_, err = ValidatePatchRegion(append([]byte{0x55, 0x74, 0x02, 0x90, 0x90}, pad...), 5)
	assert.ErrorIs(t, err, ErrPatchRegionBranch)
}

func TestDisassemble(t *testing.T) {
	lines := Disassemble([]byte{0x55, 0x8B, 0xEC, 0xE9, 0x00, 0x00, 0x00, 0x00}, 0x401000)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "push ebp")
	assert.Contains(t, lines[2], "jmp")
	assert.Contains(t, lines[2], "0x401008")
}

func TestPadNop(t *testing.T) {
	assert.Equal(t, []byte{0xE9, 0x90, 0x90}, PadNop([]byte{0xE9}, 3))
}

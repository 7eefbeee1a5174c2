package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gohook/process"
	"gohook/process_blob"
)

const dataBase process.ProcessMemoryAddress = 0x00500000

type vec3 struct {
	X, Y, Z float32
}

func newTarget(t *testing.T) *process_blob.ProcessBlob {
	t.Helper()

	p := process_blob.NewProcessBlob(7)
	p.Map(dataBase, make([]byte, 0x1000), process.PageReadWrite)
	p.AddModule(process.ModuleInfo{Name: "run.exe", Base: 0x00400000, Size: 0x200000})
	return p
}

func TestTypedReadWrite(t *testing.T) {
	p := newTarget(t)

	require.NoError(t, process.Write[uint32](p, dataBase, 0xDEADBEEF))
	v, err := process.Read[uint32](p, dataBase)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)

	raw, err := p.ReadMemory(dataBase, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, raw, "little-endian layout")

	want := vec3{1.5, -2, 3.25}
	require.NoError(t, process.Write(p, dataBase+0x10, want))
	got, err := process.Read[vec3](p, dataBase+0x10)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = process.Read[uint64](p, dataBase+0xffc)
	assert.ErrorIs(t, err, process.ErrMemoryAccess)
}

func TestArrays(t *testing.T) {
	p := newTarget(t)

	in := []uint16{1, 2, 3, 0xffff}
	require.NoError(t, process.WriteArray(p, dataBase+0x40, in))
	out, err := process.ReadArray[uint16](p, dataBase+0x40, len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := process.ReadArray[uint16](p, dataBase, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRelative(t *testing.T) {
	p := newTarget(t)

	require.NoError(t, process.WriteRelative[int32](p, 0x100020, -5))
	v, err := process.Read[int32](p, dataBase+0x20)
	require.NoError(t, err)
	assert.Equal(t, int32(-5), v)

	r, err := process.ReadRelative[int32](p, 0x100020)
	require.NoError(t, err)
	assert.Equal(t, int32(-5), r)

	p.SetMainModule("missing.exe")
	_, err = process.ReadRelative[int32](p, 0x100020)
	assert.ErrorIs(t, err, process.ErrModuleNotFound)
}

func TestReadPath(t *testing.T) {
	p := newTarget(t)

	// dataBase+0x100 -> dataBase+0x200, value lives at +0x8 from there
	require.NoError(t, process.Write[uint32](p, dataBase+0x100, uint32(dataBase+0x200)))
	require.NoError(t, process.Write[uint32](p, dataBase+0x208, 77))

	v, err := process.ReadPath[uint32](p, dataBase, 0x100, 0x8)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), v)

	_, err = process.ReadPath[uint32](p, dataBase, 0x300, 0x8)
	assert.ErrorIs(t, err, process.ErrInvalidPointer)
}

func TestFollowPath(t *testing.T) {
	p := newTarget(t)

	addr, err := process.FollowPath(p, dataBase)
	require.NoError(t, err)
	assert.Equal(t, dataBase, addr, "empty chain")

	addr, err = process.FollowPath(p, dataBase, 0x20)
	require.NoError(t, err)
	assert.Equal(t, dataBase+0x20, addr, "single offset is not dereferenced")

	// dataBase+0x10 -> dataBase+0x400 -> dataBase+0x800
	require.NoError(t, process.Write[uint32](p, dataBase+0x10, uint32(dataBase+0x400)))
	require.NoError(t, process.Write[uint32](p, dataBase+0x404, uint32(dataBase+0x800)))
	addr, err = process.FollowPath(p, dataBase, 0x10, 0x4, 0xC)
	require.NoError(t, err)
	assert.Equal(t, dataBase+0x80C, addr)

	// A pointer off the mapped region
	require.NoError(t, process.Write[uint32](p, dataBase+0x14, 0x00900000))
	_, err = process.FollowPath(p, dataBase, 0x14, 0x0, 0x0)
	assert.ErrorIs(t, err, process.ErrMemoryAccess)
}

func TestFixedStrings(t *testing.T) {
	p := newTarget(t)

	n, err := process.WriteFixedString(p, dataBase, "abcdefghijklmnopqrst")
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	raw, err := p.ReadMemory(dataBase, 13)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("abcdefghijkl"), 0), raw)

	n, err = process.WriteFixedString(p, dataBase+0x40, "Bob")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	s, err := process.ReadFixedString(p, dataBase+0x40, process.FixedStringLength)
	require.NoError(t, err)
	assert.Equal(t, "Bob", s)

	// No terminator within maxLength
	require.NoError(t, p.WriteMemory(dataBase+0x80, []byte("0123456789ABCDEF")))
	s, err = process.ReadFixedString(p, dataBase+0x80, process.FixedStringLength)
	require.NoError(t, err)
	assert.Equal(t, "0123456789AB", s)

	n, err = process.WriteFixedStringRelative(p, 0x100100, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	s, err = process.ReadFixedStringRelative(p, 0x100100, 4)
	require.NoError(t, err)
	assert.Equal(t, "x", s)
}

func TestIsValidCharacterName(t *testing.T) {
	assert.True(t, process.IsValidCharacterName("Sorc_01"))
	assert.True(t, process.IsValidCharacterName("a-b"))
	assert.False(t, process.IsValidCharacterName(""))
	assert.False(t, process.IsValidCharacterName("thirteen_char"))
	assert.False(t, process.IsValidCharacterName("bad name"))
}

func TestProtectionFlags(t *testing.T) {
	assert.True(t, process.PageExecuteRead.Readable())
	assert.False(t, process.PageExecuteRead.Writable())
	assert.True(t, process.PageExecuteReadWrite.Writable())
	assert.False(t, (process.PageReadWrite | process.PageGuard).Readable())
	assert.False(t, process.PageNoAccess.Readable())
}

func TestModuleInfo(t *testing.T) {
	m := process.ModuleInfo{Name: "Run.EXE", Base: 0x400000, Size: 0x1000}
	assert.True(t, m.MatchName("run.exe"))
	assert.True(t, m.Contains(0x400fff))
	assert.False(t, m.Contains(0x401000))
}

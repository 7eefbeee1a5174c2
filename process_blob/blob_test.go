package process_blob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gohook/process"
)

const codeBase process.ProcessMemoryAddress = 0x00401000

func newTarget(t *testing.T) *ProcessBlob {
	t.Helper()

	p := NewProcessBlob(1234)
	code := make([]byte, 0x2000)
	for i := range code {
		code[i] = 0x90
	}
	p.Map(codeBase, code, process.PageExecuteRead)
	p.Map(0x00600000, make([]byte, 0x1000), process.PageReadWrite)
	p.AddModule(process.ModuleInfo{Name: "run.exe", Base: 0x00400000, Size: 0x300000})
	p.AddModule(process.ModuleInfo{Name: "KERNEL32.dll", Base: 0x76000000, Size: 0x100000})
	return p
}

func TestReadWriteHonorsProtection(t *testing.T) {
	p := newTarget(t)

	data, err := p.ReadMemory(codeBase, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}, data)

	err = p.WriteMemory(codeBase, []byte{0xCC})
	assert.ErrorIs(t, err, process.ErrMemoryAccess)

	prev, err := p.SetProtection(codeBase, 5, process.PageExecuteReadWrite)
	require.NoError(t, err)
	assert.Equal(t, process.PageExecuteRead, prev)

	require.NoError(t, p.WriteMemory(codeBase, []byte{0xCC}))
	prot, err := p.QueryProtection(codeBase + 0x1000)
	require.NoError(t, err)
	assert.Equal(t, process.PageExecuteRead, prot, "only the touched page changes")

	_, err = p.ReadMemory(0x00700000, 1)
	assert.ErrorIs(t, err, process.ErrMemoryAccess)

	_, err = p.ReadMemory(codeBase+0x1ffe, 4)
	assert.ErrorIs(t, err, process.ErrMemoryAccess, "read crossing the region end")
}

func TestAllocateFreeAccounting(t *testing.T) {
	p := newTarget(t)

	a, err := p.Allocate(100, process.PageReadWrite)
	require.NoError(t, err)
	b, err := p.Allocate(0x1800, process.PageExecuteReadWrite)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, p.Outstanding())
	assert.True(t, p.IsValidAddress(b+0x17ff))

	require.NoError(t, p.Free(a))
	assert.Error(t, p.Free(a))
	require.NoError(t, p.Free(b))
	assert.Equal(t, 0, p.Outstanding())

	assert.Error(t, p.Free(codeBase), "mapped image is not an allocation")
}

func TestInjectFault(t *testing.T) {
	p := newTarget(t)
	boom := errors.New("boom")

	p.InjectFault(OpAllocate, 1, boom)
	_, err := p.Allocate(16, process.PageReadWrite)
	require.NoError(t, err)
	_, err = p.Allocate(16, process.PageReadWrite)
	assert.ErrorIs(t, err, boom)
	_, err = p.Allocate(16, process.PageReadWrite)
	assert.NoError(t, err, "fault fires once")
}

func TestModules(t *testing.T) {
	p := newTarget(t)

	base, err := p.ResolveModuleBase("kernel32.dll")
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0x76000000), base)

	_, err = p.ResolveModuleBase("missing.dll")
	assert.ErrorIs(t, err, process.ErrModuleNotFound)

	addr, err := p.ResolveRelative(0x1234)
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0x00401234), addr)

	lookups := p.ModuleLookups()
	_, err = p.ResolveRelative(0x10)
	require.NoError(t, err)
	assert.Equal(t, lookups, p.ModuleLookups(), "base is cached after first use")

	p.SetMainModule("kernel32.dll")
	addr, err = p.ResolveRelative(0x10)
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0x76000010), addr)
}

func TestRemoteThreads(t *testing.T) {
	p := newTarget(t)
	p.SetExecutor(func(p *ProcessBlob, entry, param process.ProcessMemoryAddress) uint32 {
		return uint32(param)
	})

	_, err := p.CreateRemoteThread(0x00600000, 0)
	assert.ErrorIs(t, err, process.ErrRemoteThread, "entry must be executable")

	th, err := p.CreateRemoteThread(codeBase, 42)
	require.NoError(t, err)
	code, err := p.WaitThread(context.Background(), th)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), code)
	require.NoError(t, p.CloseThread(th))
	assert.Equal(t, 0, p.OpenThreads())

	p.SetHang(true)
	th, err = p.CreateRemoteThread(codeBase, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.WaitThread(ctx, th)
	assert.ErrorIs(t, err, process.ErrRemoteThreadTimeout)
	require.NoError(t, p.TerminateThread(th, 1))
	assert.Equal(t, 1, p.Terminated())
	require.NoError(t, p.CloseThread(th))
}

func TestClosedProcess(t *testing.T) {
	p := newTarget(t)
	require.NoError(t, p.Close())

	_, err := p.ReadMemory(codeBase, 1)
	assert.ErrorIs(t, err, process.ErrProcessNotOpen)

	assert.ErrorIs(t, p.Open(99), process.ErrProcessOpen)
	require.NoError(t, p.Open(1234))
	_, err = p.ReadMemory(codeBase, 1)
	assert.NoError(t, err)
}

func TestMemoryMapCoalescesPages(t *testing.T) {
	p := newTarget(t)
	_, err := p.SetProtection(codeBase+0x1000, 1, process.PageExecuteReadWrite)
	require.NoError(t, err)

	mm, err := p.GetMemoryMap()
	require.NoError(t, err)
	require.Len(t, mm, 3)
	assert.Equal(t, "r-xp", mm[0].Perms)
	assert.Equal(t, "rwxp", mm[1].Perms)
	assert.Equal(t, uint64(codeBase+0x1000), mm[1].Address)
	assert.Equal(t, "rw-p", mm[2].Perms)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := newTarget(t)
	require.NoError(t, p.Poke(0x00600010, []byte("hello")))

	dir := t.TempDir()
	require.NoError(t, p.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, process.ProcessID(1234), loaded.GetPID())

	s, err := process.ReadFixedString(loaded, 0x00600010, 12)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	base, err := loaded.ResolveModuleBase("KERNEL32.DLL")
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0x76000000), base)

	copied, err := Capture(loaded, 0)
	require.NoError(t, err)
	data, err := copied.ReadMemory(codeBase, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90}, data)
}
